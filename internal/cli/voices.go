package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// newVoicesCommand lists the voice library.
func newVoicesCommand(load Loader) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the reference voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnvironment(cmd, load, func(env *Environment) error {
				names, err := env.Voices.List()
				if err != nil {
					return err
				}

				for _, name := range names {
					printf(cmd.OutOrStdout(), "%s\n", name)
				}

				if !remote {
					return nil
				}

				if env.voiceStore == nil {
					return ErrNATSNotConfigured
				}

				prefix := env.Config.NATS.VoiceKeyPrefix

				keys, err := env.voiceStore.List(cmd.Context(), prefix)
				if err != nil {
					return err
				}

				for _, key := range keys {
					printf(cmd.OutOrStdout(), "%s (remote)\n", strings.TrimPrefix(key, prefix))
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Also list voices held in the NATS voice store")

	return cmd
}
