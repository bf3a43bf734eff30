package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var printVersion bool

	c := &cobra.Command{
		Use:   "serialkv",
		Short: "Serial-ordered changelog store with master/replica replication",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "serialkv %s\n", version)
				return nil
			}
			return cmd.Usage()
		},
	}
	c.Flags().BoolVarP(&printVersion, "version", "v", false, "show the version info and exit")
	c.AddCommand(newStartCmd())
	return c
}
