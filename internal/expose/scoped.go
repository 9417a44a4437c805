package expose

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

var errNotRegularFile = errors.New("not a regular file")

// Exposure is one caller's hold on a publicly reachable file. It must be
// closed exactly once; further calls to Close are no-ops.
type Exposure struct {
	manager    *Manager
	token      string
	url        string
	generation uint64
	once       sync.Once
}

// URL returns the public URL of the exposed file.
func (e *Exposure) URL() string {
	return e.url
}

// Close releases the manager reference and then unbinds the file's
// directory. After a ForceReset the reference is already gone and only the
// unbind happens.
func (e *Exposure) Close() {
	e.once.Do(func() {
		e.manager.releaseGeneration(e.generation)
		e.manager.files.Unbind(e.token)
	})
}

// Expose makes filePath reachable under a public URL until the returned
// Exposure is closed.
func (m *Manager) Expose(ctx context.Context, filePath string) (*Exposure, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, newNotFoundError(filePath, err)
	}

	if !info.Mode().IsRegular() {
		return nil, newNotFoundError(filePath, errNotRegularFile)
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", filePath, err)
	}

	token := m.files.Bind(filepath.Dir(absPath))

	generation, err := m.acquire(ctx)
	if err != nil {
		m.files.Unbind(token)

		return nil, err
	}

	exposure := &Exposure{
		manager:    m,
		token:      token,
		url:        "",
		generation: generation,
		once:       sync.Once{},
	}

	publicURL, err := m.URLFor(token + "/" + url.PathEscape(filepath.Base(absPath)))
	if err != nil {
		exposure.Close()

		return nil, err
	}

	exposure.url = publicURL

	return exposure, nil
}

// WithExposure exposes filePath for the duration of body and passes it the
// public URL. The exposure is released on every exit path of body, including
// errors, panics and context cancellation. The result and error of body are
// returned unchanged.
func WithExposure[T any](
	ctx context.Context,
	manager *Manager,
	filePath string,
	body func(ctx context.Context, publicURL string) (T, error),
) (T, error) {
	exposure, err := manager.Expose(ctx, filePath)
	if err != nil {
		var zero T

		return zero, err
	}
	defer exposure.Close()

	return body(ctx, exposure.URL())
}
