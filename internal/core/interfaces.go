// Package core defines the interfaces shared by the narrator service components.
package core

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by ObjectStore implementations for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	DownloadToFile(ctx context.Context, key, path string) error
}

// TTSConfig holds the configuration for a single synthesis job.
// Voice is the local path of the reference voice to clone.
type TTSConfig struct {
	Voice    string
	Language string
	Speed    float64
}

// TTSProcessor defines the interface for a text-to-speech processing engine.
type TTSProcessor interface {
	Process(ctx context.Context, text []byte, cfg TTSConfig) ([]byte, error)
	GetConfig() TTSConfig
}

// VoiceResolver maps a voice name to the local path of its reference recording.
type VoiceResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}
