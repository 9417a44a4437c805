package cli

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"github.com/spf13/cobra"
)

// newCastCommand narrates every line of a script, each character in its own voice.
func newCastCommand(load Loader) *cobra.Command {
	var (
		outputDir string
		story     string
		silence   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cast <script>",
		Short: "Narrate a script with a voice per character",
		Long: `Cast reads a .json script or a plain-text dialogue, narrates the lines
concurrently and writes one .wav file per line. With --story the lines are
also joined into a single file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := tts.LoadScript(args[0])
			if err != nil {
				return err
			}

			return withEnvironment(cmd, load, func(env *Environment) error {
				cloner, err := env.Cloner()
				if err != nil {
					return err
				}

				merger := audio.NewMerger()
				merger.Silence = silence

				engine := tts.NewCastEngine(cloner, env.Voices, merger, env.Config.Synthesis.Workers, env.Log)

				dir := outputDir
				if dir == "" {
					dir = filepath.Join(env.Config.Paths.OutputDir, scriptName(args[0], script))
				}

				if story != "" {
					storyPath, renderErr := engine.RenderStory(cmd.Context(), script, dir, story)
					if renderErr != nil {
						return renderErr
					}

					printf(cmd.OutOrStdout(), "%s\n", storyPath)

					return nil
				}

				paths, err := engine.Render(cmd.Context(), script, dir)
				for _, path := range paths {
					if path != "" {
						printf(cmd.OutOrStdout(), "%s\n", path)
					}
				}

				return err
			})
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for the narrated lines")
	cmd.Flags().StringVar(&story, "story", "", "Also join the lines into this file inside the output directory")
	cmd.Flags().DurationVar(&silence, "silence", time.Second, "Silence inserted between joined lines")

	return cmd
}

func scriptName(path string, script *tts.Script) string {
	if script.Title != "" {
		return ttsutils.SanitizeFilename(script.Title)
	}

	base := filepath.Base(path)

	return ttsutils.SanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base)))
}
