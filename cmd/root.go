package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X inference-gateway/cmd.version=...".
var version = "dev"

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "inference-gateway",
		Short:         "Unified OpenAI-compatible gateway in front of many LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newModelsCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("inference-gateway %s\n", version)
			return nil
		},
	}
}
