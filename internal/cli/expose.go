package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// newExposeCommand publishes a single local file until interrupted.
func newExposeCommand(load Loader) *cobra.Command {
	var holdFor time.Duration

	cmd := &cobra.Command{
		Use:   "expose <file>",
		Short: "Serve a local file under a temporary public URL",
		Long: `Expose starts the shared listener and tunnel, prints the public URL of the
file and keeps it reachable until interrupted or until --for elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, load, func(env *Environment) error {
				exposure, err := env.Manager.Expose(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				printf(cmd.OutOrStdout(), "%s\n", exposure.URL())

				var timeout <-chan time.Time

				if holdFor > 0 {
					timer := time.NewTimer(holdFor)
					defer timer.Stop()

					timeout = timer.C
				}

				select {
				case <-cmd.Context().Done():
				case <-timeout:
				}

				exposure.Close()

				return env.Manager.LastTeardownError()
			})
		},
	}

	cmd.Flags().DurationVar(&holdFor, "for", 0, "Stop exposing after this long (0 waits for an interrupt)")

	return cmd
}
