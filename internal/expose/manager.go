package expose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

// Default listener settings.
const (
	DefaultPort              = 8000
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Log formats.
const (
	logFmtStarted         = "Exposure started: listening on port %d, public URL %s"
	logFmtStopped         = "Exposure stopped: %s"
	logFmtTeardownFailed  = "Exposure teardown step failed (%s): %v"
	logFmtUnbalanced      = "Release called with no outstanding exposures; ignoring"
	logFmtForceReset      = "Exposure force reset with %d outstanding references"
	logFmtListenerCleanup = "Failed to stop listener after tunnel startup failure: %v"
	logFmtTunnelCleanup   = "Failed to close tunnel after startup was cancelled: %v"
	logFmtStaleRelease    = "Release of exposure from a reset session %d ignored (current %d)"
)

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means no listener or tunnel is running.
	StateIdle State = iota
	// StateRunning means the listener and the tunnel are both up.
	StateRunning
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures the shared listener of a Manager.
type Options struct {
	// Host is the interface the listener binds to.
	Host string
	// Port is the local port. Zero binds an ephemeral port.
	Port int
	// ShutdownTimeout bounds how long teardown waits for in-flight requests.
	ShutdownTimeout time.Duration
	// ReadHeaderTimeout bounds how long the listener waits for request headers.
	ReadHeaderTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = loopbackHost
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}

	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	return o
}

// session holds the listener and the tunnel that start and stop together.
// The tunnel runs under lifetime, which is cancelled only by stop.
type session struct {
	server     *fileServer
	publicURL  string
	generation uint64
	cancel     context.CancelFunc
}

// Manager reference-counts exposures sharing one listener and one tunnel.
//
// The listener and the tunnel are started on the first Acquire and stopped
// on the matching last Release. All state transitions are serialized by a
// single mutex.
type Manager struct {
	opts   Options
	tunnel Tunnel
	files  *FileHandler
	log    *logger.Logger

	mu              sync.Mutex
	refCount        int
	active          *session
	generations     uint64
	lastTeardownErr error
}

// NewManager creates an idle Manager. Nothing is started until Acquire.
func NewManager(opts Options, tunnel Tunnel, files *FileHandler, log *logger.Logger) *Manager {
	return &Manager{
		opts:            opts.withDefaults(),
		tunnel:          tunnel,
		files:           files,
		log:             log,
		mu:              sync.Mutex{},
		refCount:        0,
		active:          nil,
		generations:     0,
		lastTeardownErr: nil,
	}
}

// Files returns the handler served by the manager's listener.
func (m *Manager) Files() *FileHandler {
	return m.files
}

// Acquire adds a reference, starting the listener and the tunnel if they are
// not running. On failure the reference count is left unchanged and nothing
// stays running.
//
// ctx bounds only the startup. Once Acquire returns, the tunnel outlives ctx
// and stays up until the last Release.
func (m *Manager) Acquire(ctx context.Context) error {
	_, err := m.acquire(ctx)

	return err
}

// acquire is Acquire returning the generation of the session it joined.
func (m *Manager) acquire(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		active, err := m.start(ctx)
		if err != nil {
			return 0, err
		}

		m.active = active
		m.lastTeardownErr = nil
	}

	m.refCount++

	return m.active.generation, nil
}

// Release drops a reference. Dropping the last one stops the tunnel and then
// the listener. Teardown failures are logged and recorded, never returned,
// so the manager always returns to StateIdle. Calls without an outstanding
// reference are ignored.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked()
}

// releaseGeneration drops a reference taken on session generation. References
// taken before a ForceReset are ignored, so they cannot release a later
// session.
func (m *Manager) releaseGeneration(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.generation != generation {
		m.log.Warn(logFmtStaleRelease, generation, m.generations)

		return
	}

	m.releaseLocked()
}

// releaseLocked drops one reference. Must hold m.mu.
func (m *Manager) releaseLocked() {
	if m.refCount == 0 {
		m.log.Warn(logFmtUnbalanced)

		return
	}

	m.refCount--
	if m.refCount > 0 {
		return
	}

	m.stop()
}

// ForceReset stops the listener and the tunnel regardless of outstanding
// references and zeroes the reference count.
func (m *Manager) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refCount > 0 {
		m.log.Warn(logFmtForceReset, m.refCount)
	}

	m.refCount = 0

	if m.active != nil {
		m.stop()
	}
}

// URLFor returns the public URL of relativeName under the active tunnel.
func (m *Manager) URLFor(relativeName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return "", ErrNotRunning
	}

	return strings.TrimRight(m.active.publicURL, "/") + "/" + strings.TrimLeft(relativeName, "/"), nil
}

// State reports whether the listener and the tunnel are running.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return StateIdle
	}

	return StateRunning
}

// RefCount returns the number of outstanding references.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.refCount
}

// Port returns the bound listener port, or 0 when idle.
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return 0
	}

	return m.active.server.port()
}

// LastTeardownError returns the error of the most recent teardown, wrapped in
// ErrTeardown, or nil if it succeeded. It is cleared by the next start.
func (m *Manager) LastTeardownError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastTeardownErr
}

// start brings up the listener and then the tunnel. Must hold m.mu.
//
// The tunnel is opened with a context owned by the session. ctx cancels it
// only while Open is in progress.
func (m *Manager) start(ctx context.Context) (*session, error) {
	server, err := listen(m.opts.Host, m.opts.Port, m.files, m.opts.ReadHeaderTimeout)
	if err != nil {
		return nil, newStartupError("listener", err)
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, cancel)

	publicURL, err := m.tunnel.Open(lifetime, server.port())

	detached := detach()
	if err == nil && !detached {
		// ctx ended after the handshake but before detaching.
		m.closeTunnel(publicURL)

		err = ctx.Err()
	}

	if err != nil {
		cancel()
		m.shutdownListener(server)

		return nil, newStartupError("tunnel", err)
	}

	m.generations++
	m.log.Info(logFmtStarted, server.port(), publicURL)

	return &session{
		server:     server,
		publicURL:  publicURL,
		generation: m.generations,
		cancel:     cancel,
	}, nil
}

func (m *Manager) closeTunnel(publicURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()

	err := m.tunnel.Close(ctx, publicURL)
	if err != nil {
		m.log.Error(logFmtTunnelCleanup, err)
	}
}

func (m *Manager) shutdownListener(server *fileServer) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()

	err := server.shutdown(ctx)
	if err != nil {
		m.log.Error(logFmtListenerCleanup, err)
	}
}

// stop tears down the tunnel and then the listener, best effort. Must hold
// m.mu and m.active must be set.
func (m *Manager) stop() {
	active := m.active
	m.active = nil

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()

	var errs []error

	tunnelErr := m.tunnel.Close(ctx, active.publicURL)
	active.cancel()

	if tunnelErr != nil {
		m.log.Error(logFmtTeardownFailed, "tunnel", tunnelErr)
		errs = append(errs, tunnelErr)
	}

	serverErr := active.server.shutdown(ctx)
	if serverErr != nil {
		m.log.Error(logFmtTeardownFailed, "listener", serverErr)
		errs = append(errs, serverErr)
	}

	m.lastTeardownErr = nil
	if len(errs) > 0 {
		m.lastTeardownErr = fmt.Errorf("%w: %w", ErrTeardown, errors.Join(errs...))
	}

	m.log.Info(logFmtStopped, active.publicURL)
}
