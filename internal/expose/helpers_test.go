package expose_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/expose"
	"github.com/stretchr/testify/require"
)

const testRequestTimeout = 5 * time.Second

// fakeTunnel publishes ports on loopback, counts opens and closes and keeps
// the context each tunnel was opened with.
type fakeTunnel struct {
	mu       sync.Mutex
	opens    int
	closes   int
	openErr  error
	closeErr error
	openURLs []string
	openCtxs []context.Context
}

func (f *fakeTunnel) Open(ctx context.Context, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCtxs = append(f.openCtxs, ctx)

	if f.openErr != nil {
		return "", f.openErr
	}

	publicURL, err := expose.NewLocalTunnel("").Open(ctx, port)
	if err != nil {
		return "", err
	}

	f.opens++
	f.openURLs = append(f.openURLs, publicURL)

	return publicURL, nil
}

func (f *fakeTunnel) Close(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++

	return f.closeErr
}

func (f *fakeTunnel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opens, f.closes
}

func (f *fakeTunnel) openContext(t *testing.T, index int) context.Context {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.Greater(t, len(f.openCtxs), index)

	return f.openCtxs[index]
}

func (f *fakeTunnel) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *fakeTunnel) setCloseErr(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "expose-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newTestManager(t *testing.T, port int) (*expose.Manager, *fakeTunnel) {
	t.Helper()

	tunnel := &fakeTunnel{}
	manager := expose.NewManager(
		expose.Options{
			Host:              "127.0.0.1",
			Port:              port,
			ShutdownTimeout:   2 * time.Second,
			ReadHeaderTimeout: time.Second,
		},
		tunnel,
		expose.NewFileHandler(),
		newTestLogger(t),
	)

	t.Cleanup(manager.ForceReset)

	return manager, tunnel
}

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o750))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

func httpGet(t *testing.T, target string) (int, []byte) {
	t.Helper()

	status, body, err := fetch(target)
	require.NoError(t, err)

	return status, body
}

// fetch is safe to call from goroutines other than the test's.
func fetch(target string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testRequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, nil, err
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	response, err := client.Do(request)
	if err != nil {
		return 0, nil, err
	}

	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, nil, err
	}

	return response.StatusCode, body, nil
}

func itoa(port int) string {
	return strconv.Itoa(port)
}
