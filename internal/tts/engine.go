package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	"github.com/book-expert/narrator-service/internal/tts/text"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
	"golang.org/x/sync/errgroup"
)

const (
	filePermissions  = 0o600
	defaultWorkers   = 4
	outputFileFormat = "line_%04d.wav"
	extJSON          = ".json"
)

const (
	errFmtLineFailed           = "line %d (%s) failed: %w"
	logFmtLineProcessingFailed = "Failed to synthesize line %d (%s): %v"
	logFmtLineProcessed        = "Synthesized line %d/%d for %s"
	logFmtStoryMerged          = "Merged %d lines into %s"
	narratorName               = "narrator"
)

// Static errors.
var (
	ErrScriptPathEmpty = errors.New("script path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrNoLines         = errors.New("script has no lines")
	ErrNoVoice         = errors.New("no voice for character")
)

// Line is one spoken line of a story. Voice overrides the script's voice
// mapping for this line.
type Line struct {
	Character string `json:"character"`
	Voice     string `json:"voice,omitempty"`
	Text      string `json:"text"`
}

// Script is a story to be narrated by several voices.
type Script struct {
	Title    string            `json:"title,omitempty"`
	Narrator string            `json:"narrator,omitempty"`
	Voices   map[string]string `json:"voices,omitempty"`
	Lines    []Line            `json:"lines"`
}

// VoiceFor returns the voice name that speaks line. Narration falls back to
// the narrator voice; characters without a mapping use their own name.
func (s *Script) VoiceFor(line Line) string {
	if line.Voice != "" {
		return line.Voice
	}

	character := strings.TrimSpace(line.Character)

	if voice, ok := s.Voices[character]; ok && voice != "" {
		return voice
	}

	if character == "" || strings.EqualFold(character, narratorName) {
		return s.Narrator
	}

	return character
}

// LoadScript reads a script from a JSON file or a dialogue text file where
// lines look like `[Character]: "text"`.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return nil, ErrScriptPathEmpty
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	var script Script

	if strings.EqualFold(filepath.Ext(path), extJSON) {
		err = parseJSON(data, &script)
		if err != nil {
			return nil, fmt.Errorf("failed to parse script JSON: %w", err)
		}
	} else {
		dialogue, parseErr := text.NewPreprocessor().ParseDialogue(string(data))
		if parseErr != nil {
			return nil, parseErr
		}

		for _, line := range dialogue {
			script.Lines = append(script.Lines, Line{Character: line.Character, Text: line.Text})
		}
	}

	if len(script.Lines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLines, path)
	}

	return &script, nil
}

// CastEngine renders scripts line by line with bounded concurrency. Lines
// spoken at the same time share the exposure service.
type CastEngine struct {
	processor core.TTSProcessor
	voices    core.VoiceResolver
	merger    *audio.Merger
	workers   int
	logger    *logger.Logger
}

// NewCastEngine creates a CastEngine. merger may be nil when lines are not
// joined into a single story file.
func NewCastEngine(processor core.TTSProcessor, voices core.VoiceResolver, merger *audio.Merger, workers int, log *logger.Logger) *CastEngine {
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &CastEngine{
		processor: processor,
		voices:    voices,
		merger:    merger,
		workers:   workers,
		logger:    log,
	}
}

// Render synthesizes every line into outputDir as line_0001.wav and so on,
// returning the written paths in script order. A failed line does not stop
// the others; all failures are returned together.
func (e *CastEngine) Render(ctx context.Context, script *Script, outputDir string) ([]string, error) {
	if outputDir == "" {
		return nil, ErrOutputDirEmpty
	}

	if script == nil || len(script.Lines) == 0 {
		return nil, ErrNoLines
	}

	err := ttsutils.EnsureDir(outputDir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(script.Lines))
	lineErrs := make([]error, len(script.Lines))

	var group errgroup.Group

	group.SetLimit(e.workers)

	for index, line := range script.Lines {
		group.Go(func() error {
			path := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1))

			lineErr := e.renderLine(ctx, script, line, path)
			if lineErr != nil {
				lineErrs[index] = fmt.Errorf(errFmtLineFailed, index+1, line.Character, lineErr)
				e.logger.Error(logFmtLineProcessingFailed, index+1, line.Character, lineErr)

				return nil
			}

			paths[index] = path
			e.logger.Info(logFmtLineProcessed, index+1, len(script.Lines), script.VoiceFor(line))

			return nil
		})
	}

	_ = group.Wait()

	err = errors.Join(lineErrs...)
	if err != nil {
		return paths, err
	}

	return paths, nil
}

// RenderStory renders the script and merges the lines into outputDir/storyFile.
func (e *CastEngine) RenderStory(ctx context.Context, script *Script, outputDir, storyFile string) (string, error) {
	paths, err := e.Render(ctx, script, outputDir)
	if err != nil {
		return "", err
	}

	merger := e.merger
	if merger == nil {
		merger = audio.NewMerger()
	}

	storyPath := filepath.Join(outputDir, storyFile)

	err = merger.MergeFiles(paths, storyPath)
	if err != nil {
		return "", fmt.Errorf("failed to merge story: %w", err)
	}

	e.logger.Info(logFmtStoryMerged, len(paths), storyPath)

	return storyPath, nil
}

func (e *CastEngine) renderLine(ctx context.Context, script *Script, line Line, outputPath string) error {
	if strings.TrimSpace(line.Text) == "" {
		return ErrTextEmpty
	}

	voiceName := script.VoiceFor(line)
	if voiceName == "" {
		return fmt.Errorf("%w: %q", ErrNoVoice, line.Character)
	}

	voicePath, err := e.voices.Resolve(ctx, voiceName)
	if err != nil {
		return err
	}

	cfg := e.processor.GetConfig()
	cfg.Voice = voicePath

	audioData, err := e.processor.Process(ctx, []byte(line.Text), cfg)
	if err != nil {
		return err
	}

	err = os.WriteFile(outputPath, audioData, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	return nil
}
