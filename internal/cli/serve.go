package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/worker"
	"github.com/spf13/cobra"
)

// Upload and download time on top of the synthesis timeout.
const jobTimeoutSlack = 30 * time.Second

// ErrAudioBucketEmpty indicates that the worker has nowhere to store audio.
var ErrAudioBucketEmpty = errors.New("nats audio object store bucket is not configured")

// newServeCommand runs the NATS narration worker until interrupted.
func newServeCommand(load Loader) *cobra.Command {
	var defaultVoice string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Narrate text chunks published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnvironment(cmd, load, func(env *Environment) error {
				if env.natsConnection == nil {
					return ErrNATSNotConfigured
				}

				natsCfg := env.Config.NATS
				if natsCfg.AudioObjectStoreBucket == "" {
					return ErrAudioBucketEmpty
				}

				audioStore, err := objectstore.New(env.jetstream, natsCfg.AudioObjectStoreBucket)
				if err != nil {
					return fmt.Errorf("failed to open audio store: %w", err)
				}

				cloner, err := env.Cloner()
				if err != nil {
					return err
				}

				narrationWorker, err := worker.NewNatsWorker(env.natsConnection, worker.Options{
					Subject:      natsCfg.TextProcessedSubject,
					ReplySubject: natsCfg.AudioChunkCreatedSubject,
					DefaultVoice: defaultVoice,
					JobTimeout:   env.Config.Synthesis.Timeout() + jobTimeoutSlack,
				}, audioStore, env.Voices, cloner, env.Log)
				if err != nil {
					return err
				}

				env.Log.System("Narrator service initialized. Listening for jobs on subject: %s", natsCfg.TextProcessedSubject)

				return narrationWorker.Run(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVar(&defaultVoice, "default-voice", "narrator", "Voice for events that do not name one")

	return cmd
}
