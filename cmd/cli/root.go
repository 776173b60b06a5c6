package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Commands returns every top-level CLI command.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		keygenCmd,
		utilCmd,
		inspectCmd,
		serveCmd,
		autofetchCmd,
	}
}

func bail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
