package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts/ttsutils"
)

// Voice errors.
var (
	ErrInvalidVoice     = errors.New("invalid voice name")
	ErrUnsupportedVoice = errors.New("unsupported voice")
)

// VoiceLibrary is a directory of reference voice recordings, optionally
// backed by an object store that missing voices are staged from.
type VoiceLibrary struct {
	dir    string
	store  core.ObjectStore
	prefix string
	log    *logger.Logger
	mu     sync.Mutex
}

// NewVoiceLibrary creates a library rooted at dir. store may be nil.
func NewVoiceLibrary(dir string, store core.ObjectStore, prefix string, log *logger.Logger) *VoiceLibrary {
	return &VoiceLibrary{
		dir:    dir,
		store:  store,
		prefix: prefix,
		log:    log,
	}
}

// Dir returns the local voices directory.
func (l *VoiceLibrary) Dir() string {
	return l.dir
}

// List returns the sorted file names of the local voices.
func (l *VoiceLibrary) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to read voices directory %s: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.Type().IsRegular() && ttsutils.IsVoiceFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// Resolve returns the local path of the named voice. The name may omit the
// extension. Voices missing locally are staged from the object store.
func (l *VoiceLibrary) Resolve(ctx context.Context, name string) (string, error) {
	err := ValidateVoiceName(name)
	if err != nil {
		return "", err
	}

	candidates := voiceCandidates(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, candidate := range candidates {
		path := filepath.Join(l.dir, candidate)

		info, statErr := os.Stat(path)
		if statErr == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}

	if l.store == nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedVoice, name)
	}

	for _, candidate := range candidates {
		path := filepath.Join(l.dir, candidate)

		stageErr := l.store.DownloadToFile(ctx, l.prefix+candidate, path)
		if stageErr == nil {
			l.log.Info("Staged voice %s from object store to %s", candidate, path)

			return path, nil
		}

		if !errors.Is(stageErr, core.ErrObjectNotFound) {
			l.removePartial(path)

			return "", fmt.Errorf("failed to stage voice %s: %w", candidate, stageErr)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedVoice, name)
}

// removePartial deletes what a failed download left at path.
func (l *VoiceLibrary) removePartial(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("Failed to remove partial voice %s: %v", path, err)
	}
}

// ValidateVoiceName rejects names that could escape the voices directory.
func ValidateVoiceName(name string) error {
	trimmed := strings.TrimSpace(name)

	switch {
	case trimmed == "", trimmed == ".", trimmed == "..":
		return fmt.Errorf("%w: %q", ErrInvalidVoice, name)
	case strings.ContainsAny(trimmed, `/\`), trimmed != filepath.Base(trimmed):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidVoice, name)
	}

	return nil
}

func voiceCandidates(name string) []string {
	name = strings.TrimSpace(name)
	if ttsutils.IsVoiceFile(name) {
		return []string{name}
	}

	return []string{name + ttsutils.ExtMP3, name + ttsutils.ExtWAV}
}
