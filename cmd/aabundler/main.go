// Command aabundler runs the ERC-4337 bundler service: a JSON-RPC front
// end, a validated mempool, and the bundling loop that submits handleOps
// transactions to the configured EntryPoint.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/node"
)

// version is injected at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aabundler",
		Short:         "ERC-4337 bundler",
		Long:          "aabundler accepts ERC-4337 UserOperations over JSON-RPC, validates them against an EntryPoint contract, and periodically submits them in bundles.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			n, err := node.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return n.Run(cmd.Context())
		},
	}
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("aabundler %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
