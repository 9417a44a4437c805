// Package cli implements the cobra commands of narrator-service.
//
// Each subcommand lives in its own file. Commands receive their components
// through a Loader so that tests can run them against an in-process
// environment.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRootCommand creates the root command with every subcommand registered.
func NewRootCommand(load Loader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "narrator-service",
		Short: "Narrates text in cloned voices",
		Long: `narrator-service turns text into narration spoken in a cloned voice.

Reference voices are served to the hosted cloning model through a temporary
public URL that exists only while a synthesis call is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newExposeCommand(load))
	rootCmd.AddCommand(newSynthesizeCommand(load))
	rootCmd.AddCommand(newCastCommand(load))
	rootCmd.AddCommand(newVoicesCommand(load))

	return rootCmd
}

// Execute runs rootCmd and returns the process exit code.
func Execute(ctx context.Context, rootCmd *cobra.Command) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)

		return 1
	}

	return 0
}

// withEnvironment loads the environment, runs body and closes the environment.
func withEnvironment(cmd *cobra.Command, load Loader, body func(env *Environment) error) error {
	env, err := load(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	return body(env)
}

func printf(out io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(out, format, args...)
}
