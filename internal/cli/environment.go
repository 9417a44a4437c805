package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/expose"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/nats-io/nats.go"
)

const (
	bootstrapLogFile = "narrator-service-bootstrap.log"
	serviceLogFile   = "narrator-service.log"
)

var (
	// ErrAPITokenMissing indicates that synthesis was requested without credentials.
	ErrAPITokenMissing = errors.New("synthesis api token is not set")
	// ErrNATSNotConfigured indicates that a command needs NATS but no URL is configured.
	ErrNATSNotConfigured = errors.New("nats url is not configured")
)

// Loader builds the Environment a command runs in.
type Loader func(ctx context.Context) (*Environment, error)

// Environment holds the components shared by every command.
type Environment struct {
	Config  *config.Config
	Log     *logger.Logger
	Manager *expose.Manager
	Voices  *tts.VoiceLibrary

	natsConnection *nats.Conn
	jetstream      nats.JetStreamContext
	voiceStore     *objectstore.NatsObjectStore
}

// LoadEnvironment loads the project configuration and wires the service
// components. A bootstrap logger in the temp directory covers the time until
// the configured log directory is known.
func LoadEnvironment(_ context.Context) (*Environment, error) {
	bootstrapLog, err := logger.New(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() {
		closeErr := bootstrapLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing bootstrap logger: %v\n", closeErr)
		}
	}()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := logger.New(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, fmt.Errorf("failed to create final logger: %w", err)
	}

	env, err := NewEnvironment(cfg, finalLog)
	if err != nil {
		_ = finalLog.Close()

		return nil, err
	}

	return env, nil
}

// NewEnvironment wires the components for an already loaded configuration.
// NATS is only dialed when a URL is configured.
func NewEnvironment(cfg *config.Config, log *logger.Logger) (*Environment, error) {
	env := &Environment{
		Config: cfg,
		Log:    log,
		Manager: expose.NewManager(expose.Options{
			Host:              cfg.Exposure.Host,
			Port:              cfg.Exposure.ListenPort(),
			ShutdownTimeout:   cfg.Exposure.ShutdownTimeout(),
			ReadHeaderTimeout: 0,
		}, newTunnel(cfg.Exposure, log), expose.NewFileHandler(), log),
		Voices:         nil,
		natsConnection: nil,
		jetstream:      nil,
		voiceStore:     nil,
	}

	if cfg.NATS.URL != "" {
		err := env.connectNATS()
		if err != nil {
			return nil, err
		}
	}

	if env.voiceStore != nil {
		env.Voices = tts.NewVoiceLibrary(cfg.Paths.VoicesDir, env.voiceStore, cfg.NATS.VoiceKeyPrefix, log)
	} else {
		env.Voices = tts.NewVoiceLibrary(cfg.Paths.VoicesDir, nil, "", log)
	}

	return env, nil
}

func (e *Environment) connectNATS() error {
	natsConnection, err := nats.Connect(e.Config.NATS.URL, nats.Name("narrator-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", e.Config.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	e.natsConnection = natsConnection
	e.jetstream = jetstreamContext

	if e.Config.NATS.VoiceObjectStoreBucket != "" {
		store, storeErr := objectstore.New(jetstreamContext, e.Config.NATS.VoiceObjectStoreBucket)
		if storeErr != nil {
			natsConnection.Close()

			return fmt.Errorf("failed to open voice store: %w", storeErr)
		}

		e.voiceStore = store
	}

	return nil
}

// Cloner builds the voice cloner backed by the prediction API.
func (e *Environment) Cloner() (*tts.VoiceCloner, error) {
	synthesis := e.Config.Synthesis
	if synthesis.APIToken == "" {
		return nil, fmt.Errorf("%w: export %s", ErrAPITokenMissing, config.EnvReplicateAPIToken)
	}

	client := tts.NewPredictionClient(synthesis.APIURL, synthesis.APIToken, synthesis.Timeout())

	cloner, err := tts.NewVoiceCloner(client, e.Manager, tts.ClonerConfig{
		ModelVersion: synthesis.ModelVersion,
		PollInterval: synthesis.PollInterval(),
		Timeout:      synthesis.Timeout(),
		Defaults:     core.TTSConfig{Voice: "", Language: synthesis.Language, Speed: synthesis.Speed},
	}, e.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice cloner: %w", err)
	}

	return cloner, nil
}

// Close force-resets the exposure manager and closes connections and the log.
func (e *Environment) Close() {
	if e.Manager.RefCount() > 0 {
		e.Manager.ForceReset()
	}

	if e.natsConnection != nil {
		e.natsConnection.Close()
	}

	closeErr := e.Log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
	}
}

func newTunnel(cfg config.ExposureConfig, log *logger.Logger) expose.Tunnel {
	if cfg.Tunnel == config.TunnelLocal {
		return expose.NewLocalTunnel(cfg.PublicHost)
	}

	return expose.NewNgrokTunnel(cfg.NgrokAuthToken, cfg.NgrokDomain, log)
}
