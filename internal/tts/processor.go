package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/expose"
	"github.com/book-expert/narrator-service/internal/tts/text"
)

// Model input fields.
const (
	inputAudio    = "audio"
	inputText     = "text"
	inputLanguage = "language"
	inputSpeed    = "speed"
)

const defaultPollInterval = time.Second

// Static errors.
var (
	ErrTextEmpty        = errors.New("text cannot be empty")
	ErrVoiceRequired    = errors.New("a reference voice is required")
	ErrPredictionFailed = errors.New("prediction did not succeed")
)

// ClonerConfig configures a VoiceCloner.
type ClonerConfig struct {
	ModelVersion string
	PollInterval time.Duration
	Timeout      time.Duration
	Defaults     core.TTSConfig
}

// VoiceCloner implements core.TTSProcessor on top of a hosted voice-cloning
// model. The reference voice is exposed publicly only while the model runs.
type VoiceCloner struct {
	client       *PredictionClient
	manager      *expose.Manager
	preprocessor *text.Preprocessor
	config       ClonerConfig
	log          *logger.Logger
}

// NewVoiceCloner creates a VoiceCloner.
func NewVoiceCloner(client *PredictionClient, manager *expose.Manager, cfg ClonerConfig, log *logger.Logger) (*VoiceCloner, error) {
	if cfg.ModelVersion == "" {
		return nil, ErrVersionEmpty
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &VoiceCloner{
		client:       client,
		manager:      manager,
		preprocessor: text.NewPreprocessor(),
		config:       cfg,
		log:          log,
	}, nil
}

// GetConfig returns the default synthesis configuration.
func (v *VoiceCloner) GetConfig() core.TTSConfig {
	return v.config.Defaults
}

// Process synthesizes text in the voice of cfg.Voice and returns the audio.
// Zero fields of cfg fall back to the defaults.
func (v *VoiceCloner) Process(ctx context.Context, input []byte, cfg core.TTSConfig) ([]byte, error) {
	narration := v.preprocessor.Clean(string(input))
	if narration == "" {
		return nil, ErrTextEmpty
	}

	cfg = v.merge(cfg)
	if cfg.Voice == "" {
		return nil, ErrVoiceRequired
	}

	if v.config.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, v.config.Timeout)
		defer cancel()
	}

	prediction, err := expose.WithExposure(ctx, v.manager, cfg.Voice,
		func(ctx context.Context, voiceURL string) (*Prediction, error) {
			return v.predict(ctx, voiceURL, narration, cfg)
		})
	if err != nil {
		return nil, err
	}

	if prediction.Status != StatusSucceeded {
		return nil, fmt.Errorf("%w: %s: %v", ErrPredictionFailed, prediction.Status, prediction.Error)
	}

	outputURL, err := prediction.OutputURL()
	if err != nil {
		return nil, err
	}

	audioData, err := v.client.DownloadOutput(ctx, outputURL)
	if err != nil {
		return nil, err
	}

	v.log.Info("Synthesized %d characters with voice %s (%d bytes)", len(narration), cfg.Voice, len(audioData))

	return audioData, nil
}

func (v *VoiceCloner) predict(ctx context.Context, voiceURL, narration string, cfg core.TTSConfig) (*Prediction, error) {
	created, err := v.client.CreatePrediction(ctx, v.config.ModelVersion, map[string]any{
		inputAudio:    voiceURL,
		inputText:     narration,
		inputLanguage: cfg.Language,
		inputSpeed:    cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction: %w", err)
	}

	if created.Done() {
		return created, nil
	}

	v.log.Info("Prediction %s started, waiting for completion", created.ID)

	return v.client.WaitForPrediction(ctx, created.ID, v.config.PollInterval)
}

func (v *VoiceCloner) merge(cfg core.TTSConfig) core.TTSConfig {
	if cfg.Voice == "" {
		cfg.Voice = v.config.Defaults.Voice
	}

	if cfg.Language == "" {
		cfg.Language = v.config.Defaults.Language
	}

	if cfg.Speed == 0 {
		cfg.Speed = v.config.Defaults.Speed
	}

	return cfg
}
