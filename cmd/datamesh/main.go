package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"datamesh-network/cmd/cli"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	rootCmd := &cobra.Command{
		Use:   "datamesh",
		Short: "datamesh peer-to-peer data sharing substrate",
	}
	rootCmd.AddCommand(cli.Commands()...)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
