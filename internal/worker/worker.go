// Package worker provides a NATS worker that narrates text chunks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultJobTimeout = 5 * time.Minute

var (
	// ErrVoiceEmpty indicates that neither the event nor the worker names a voice.
	ErrVoiceEmpty = errors.New("voice cannot be empty")
	// ErrTextKeyEmpty indicates that the event does not reference any text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrSubjectEmpty indicates that the worker has nothing to subscribe to.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
)

// Options configures a NatsWorker.
type Options struct {
	// Subject carries TextProcessedEvents.
	Subject string
	// ReplySubject, when set, also receives every AudioChunkCreatedEvent.
	ReplySubject string
	// DefaultVoice narrates events that do not name a voice.
	DefaultVoice string
	// JobTimeout bounds a single narration job.
	JobTimeout time.Duration
}

// NatsWorker listens for narration jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	opts           Options
	store          core.ObjectStore
	voices         core.VoiceResolver
	processor      core.TTSProcessor
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	opts Options,
	store core.ObjectStore,
	voices core.VoiceResolver,
	processor core.TTSProcessor,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		opts:           opts,
		store:          store,
		voices:         voices,
		processor:      processor,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.opts.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info("Listening for narration jobs on %s", w.opts.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.JobTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		return
	}

	audioKey, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to narrate chunk for workflow %s: %v", event.Header.WorkflowID, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)

		return
	}

	w.log.Info("Narrated page %d/%d of workflow %s as %s",
		event.PageNumber, event.TotalPages, event.Header.WorkflowID, audioKey)
}

// processJob downloads the text, narrates it in the requested voice and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	if event.TextKey == "" {
		return "", ErrTextKeyEmpty
	}

	voiceName := event.Voice
	if voiceName == "" {
		voiceName = w.opts.DefaultVoice
	}

	if voiceName == "" {
		return "", ErrVoiceEmpty
	}

	voicePath, err := w.voices.Resolve(ctx, voiceName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve voice '%s': %w", voiceName, err)
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	ttsCfg := w.processor.GetConfig()
	ttsCfg.Voice = voicePath

	audioData, err := w.processor.Process(ctx, textData, ttsCfg)
	if err != nil {
		return "", fmt.Errorf("failed to process text to speech: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

// publishReplyEvent responds to the request and fans the event out to the reply subject.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	if msg.Reply != "" {
		err = msg.Respond(replyData)
		if err != nil {
			return fmt.Errorf("failed to respond with reply event: %w", err)
		}
	}

	if w.opts.ReplySubject != "" {
		err = w.natsConnection.Publish(w.opts.ReplySubject, replyData)
		if err != nil {
			return fmt.Errorf("failed to publish reply event to %s: %w", w.opts.ReplySubject, err)
		}
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
