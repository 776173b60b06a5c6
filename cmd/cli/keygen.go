package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"datamesh-network/core"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a keyring mnemonic and derive its first key pairs",
	Run:   keygenHandler,
}

func init() {
	keygenCmd.Flags().IntP("entropy", "e", 128, "Mnemonic entropy bits: 128 or 256")
	keygenCmd.Flags().Uint32P("account", "a", 0, "Derivation account")
	keygenCmd.Flags().Uint32P("index", "i", 0, "Derivation index")
	keygenCmd.Flags().Bool("show-secrets", false, "Print secret keys as well")
}

func keygenHandler(cmd *cobra.Command, args []string) {
	entropy, _ := cmd.Flags().GetInt("entropy")
	account, _ := cmd.Flags().GetUint32("account")
	index, _ := cmd.Flags().GetUint32("index")
	showSecrets, _ := cmd.Flags().GetBool("show-secrets")

	keyring, mnemonic, err := core.NewRandomKeyring(entropy)
	bail(err)

	edwards, err := keyring.EdwardsKeyPair(account, index)
	bail(err)
	ethereum, err := keyring.EthereumKeyPair(account, index)
	bail(err)

	fmt.Printf("mnemonic: %s\n", mnemonic)
	fmt.Printf("edwards public key:  %s\n", hex.EncodeToString(edwards.PublicKey))
	fmt.Printf("ethereum address:    %s\n", hex.EncodeToString(ethereum.PublicKey))
	if showSecrets {
		fmt.Printf("edwards secret key:  %s\n", hex.EncodeToString(edwards.SecretKey))
		fmt.Printf("ethereum secret key: %s\n", hex.EncodeToString(ethereum.SecretKey))
	}
}
