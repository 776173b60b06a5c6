package cli

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/spf13/cobra"
)

// ---------------------------------------------------------------------------
// CLI definitions
// ---------------------------------------------------------------------------

var utilCmd = &cobra.Command{
	Use:   "util",
	Short: "Utility helpers — hashing, conversions",
}

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Compute a cryptographic hash of the input data",
	Run:   hashHandler,
}

func init() {
	hashCmd.Flags().StringP("alg", "a", "blake2b256", "Hash algorithm: blake2b256 | keccak256 | sha256")
	hashCmd.Flags().StringP("data", "d", "", "Input data as string – if omitted, reads from STDIN")
	hashCmd.Flags().StringP("file", "f", "", "Path to file to hash (overrides --data)")

	utilCmd.AddCommand(hashCmd)
}

// ---------------------------------------------------------------------------
// Controller functions
// ---------------------------------------------------------------------------

func hashHandler(cmd *cobra.Command, args []string) {
	alg, _ := cmd.Flags().GetString("alg")
	dataStr, _ := cmd.Flags().GetString("data")
	filePath, _ := cmd.Flags().GetString("file")

	var data []byte
	var err error

	switch {
	case filePath != "":
		data, err = os.ReadFile(filePath)
		bail(err)
	case dataStr != "":
		data = []byte(dataStr)
	default:
		// read from STDIN
		in, err := io.ReadAll(bufio.NewReader(os.Stdin))
		bail(err)
		data = in
	}

	var sum []byte
	switch strings.ToLower(alg) {
	case "blake2b256":
		v := blake2b.Sum256(data)
		sum = v[:]
	case "keccak256":
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		sum = h.Sum(nil)
	case "sha256":
		v := sha256.Sum256(data)
		sum = v[:]
	default:
		bail(fmt.Errorf("unsupported algorithm: %s", alg))
	}

	fmt.Printf("%x\n", sum)
}
