package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"github.com/spf13/cobra"
)

var (
	// ErrTextSource indicates that exactly one of --text and --text-file must be given.
	ErrTextSource = errors.New("exactly one of --text or --text-file must be provided")
	// ErrVoiceFlag indicates that no voice was named.
	ErrVoiceFlag = errors.New("--voice must be provided")
)

type synthesizeFlags struct {
	voice    string
	text     string
	textFile string
	output   string
	language string
	speed    float64
}

// newSynthesizeCommand narrates one text in one voice.
func newSynthesizeCommand(load Loader) *cobra.Command {
	var flags synthesizeFlags

	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Narrate a text in a cloned voice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := flags.readText()
			if err != nil {
				return err
			}

			if flags.voice == "" {
				return ErrVoiceFlag
			}

			return withEnvironment(cmd, load, func(env *Environment) error {
				return runSynthesize(cmd, env, flags, text)
			})
		},
	}

	cmd.Flags().StringVar(&flags.voice, "voice", "", "Voice name from the voice library")
	cmd.Flags().StringVar(&flags.text, "text", "", "Text to narrate")
	cmd.Flags().StringVar(&flags.textFile, "text-file", "", "File holding the text to narrate")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output .wav path (defaults to the output directory)")
	cmd.Flags().StringVar(&flags.language, "language", "", "Language code, overriding the configuration")
	cmd.Flags().Float64Var(&flags.speed, "speed", 0, "Speech speed, overriding the configuration")

	return cmd
}

func (f synthesizeFlags) readText() ([]byte, error) {
	if (f.text == "") == (f.textFile == "") {
		return nil, ErrTextSource
	}

	if f.text != "" {
		return []byte(f.text), nil
	}

	data, err := os.ReadFile(f.textFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read text file: %w", err)
	}

	return data, nil
}

func runSynthesize(cmd *cobra.Command, env *Environment, flags synthesizeFlags, text []byte) error {
	started := time.Now()

	cloner, err := env.Cloner()
	if err != nil {
		return err
	}

	voicePath, err := env.Voices.Resolve(cmd.Context(), flags.voice)
	if err != nil {
		return fmt.Errorf("failed to resolve voice '%s': %w", flags.voice, err)
	}

	ttsCfg := cloner.GetConfig()
	ttsCfg.Voice = voicePath

	if flags.language != "" {
		ttsCfg.Language = flags.language
	}

	if flags.speed > 0 {
		ttsCfg.Speed = flags.speed
	}

	audioData, err := cloner.Process(cmd.Context(), text, ttsCfg)
	if err != nil {
		return err
	}

	output := flags.output
	if output == "" {
		name := ttsutils.SanitizeFilename(flags.voice) + "_" + started.Format("20060102_150405") + ttsutils.ExtWAV
		output = filepath.Join(env.Config.Paths.OutputDir, name)
	}

	err = ttsutils.EnsureDir(filepath.Dir(output))
	if err != nil {
		return err
	}

	err = os.WriteFile(output, audioData, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	env.Log.Info("Synthesized %s with voice %s in %s", output, flags.voice, ttsutils.FormatDuration(time.Since(started)))
	printf(cmd.OutOrStdout(), "%s (%s)\n", output, ttsutils.FormatFileSize(int64(len(audioData))))

	return nil
}
