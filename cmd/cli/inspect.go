package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"datamesh-network/core"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Unpack a packed model and print its fields and flags",
	Args:  cobra.ExactArgs(1),
	Run:   inspectHandler,
}

func init() {
	inspectCmd.Flags().Bool("hex", false, "Input file holds hex instead of raw bytes")
}

func inspectHandler(cmd *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	bail(err)
	if isHex, _ := cmd.Flags().GetBool("hex"); isHex {
		raw, err = hex.DecodeString(strings.TrimSpace(string(raw)))
		bail(err)
	}

	model, err := core.LoadModel(raw)
	bail(err)

	id1, err := model.ID1()
	bail(err)
	fmt.Printf("variant:   %s\n", model.Variant().Name)
	fmt.Printf("modelType: %x\n", model.ModelType())
	fmt.Printf("owner:     %x\n", model.Owner())
	fmt.Printf("id1:       %x\n", id1)
	if id, _ := model.ID(); id != nil {
		fmt.Printf("id:        %x\n", id)
	}
	fmt.Printf("creationTime: %d\n", model.CreationTime())
	if expire := model.ExpireTime(); expire != 0 {
		fmt.Printf("expireTime:   %d\n", expire)
	}

	flags := model.LoadFlags()
	names := make([]string, 0, len(flags))
	for name, set := range flags {
		if set {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		fmt.Printf("flags: %s\n", strings.Join(names, ", "))
	}

	sigs, err := model.Signatures()
	bail(err)
	for i, sig := range sigs {
		fmt.Printf("signature%d: index=%d type=%d %x\n", i+1, sig.Index, sig.Type, sig.Signature)
	}

	verified, err := model.Verify(true)
	fmt.Printf("verified: %v", verified)
	if err != nil {
		fmt.Printf(" (%v)", err)
	}
	fmt.Println()
}
