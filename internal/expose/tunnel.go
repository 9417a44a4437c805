package expose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/book-expert/logger"
	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

const loopbackHost = "127.0.0.1"

// Tunnel publishes a local port under a public base URL.
type Tunnel interface {
	// Open maps port to a publicly reachable base URL. The mapping may end
	// when ctx is done.
	Open(ctx context.Context, port int) (string, error)
	// Close tears down the mapping previously returned by Open.
	Close(ctx context.Context, baseURL string) error
}

// LocalTunnel publishes the port directly as http://<host>:<port>. It is
// meant for services on the same network and for tests.
type LocalTunnel struct {
	host string
}

// NewLocalTunnel creates a LocalTunnel advertising host. An empty host
// advertises the loopback address.
func NewLocalTunnel(host string) *LocalTunnel {
	if host == "" {
		host = loopbackHost
	}

	return &LocalTunnel{host: host}
}

// Open implements Tunnel.
func (t *LocalTunnel) Open(_ context.Context, port int) (string, error) {
	return "http://" + net.JoinHostPort(t.host, strconv.Itoa(port)), nil
}

// Close implements Tunnel. There is nothing to tear down.
func (t *LocalTunnel) Close(_ context.Context, _ string) error {
	return nil
}

// ngrokForward is one open ngrok session and its forwarder.
type ngrokForward struct {
	forwarder ngrok.Forwarder
	cancel    context.CancelFunc
}

// NgrokTunnel publishes ports through ngrok HTTP endpoints. Each Open runs
// its own ngrok session, which lives until Close.
type NgrokTunnel struct {
	authToken string
	domain    string
	log       *logger.Logger

	mu       sync.Mutex
	forwards map[string]ngrokForward
}

// NewNgrokTunnel creates an ngrok-backed tunnel. domain is optional and
// selects a reserved ngrok domain.
func NewNgrokTunnel(authToken, domain string, log *logger.Logger) *NgrokTunnel {
	return &NgrokTunnel{
		authToken:  authToken,
		domain:     domain,
		log:        log,
		mu:       sync.Mutex{},
		forwards: make(map[string]ngrokForward),
	}
}

// Open implements Tunnel. ctx bounds the handshake; the session itself runs
// until Close.
func (t *NgrokTunnel) Open(ctx context.Context, port int) (string, error) {
	if t.authToken == "" {
		return "", ErrTunnelAuthMissing
	}

	backend := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(loopbackHost, strconv.Itoa(port)),
	}

	var endpointOpts []config.HTTPEndpointOption
	if t.domain != "" {
		endpointOpts = append(endpointOpts, config.WithDomain(t.domain))
	}

	// The ngrok session closes when its context is done.
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, cancel)

	forwarder, err := ngrok.ListenAndForward(
		lifetime,
		backend,
		config.HTTPEndpoint(endpointOpts...),
		ngrok.WithAuthtoken(t.authToken),
	)

	detached := detach()
	if err == nil && !detached {
		_ = forwarder.Session().Close()
		err = ctx.Err()
	}

	if err != nil {
		cancel()

		return "", fmt.Errorf("failed to open ngrok tunnel to %s: %w", backend, err)
	}

	publicURL := forwarder.URL()

	t.mu.Lock()
	t.forwards[publicURL] = ngrokForward{forwarder: forwarder, cancel: cancel}
	t.mu.Unlock()

	t.log.Info("ngrok tunnel %s -> %s opened", publicURL, backend)

	return publicURL, nil
}

// Close implements Tunnel. It closes the forwarder and then its session.
func (t *NgrokTunnel) Close(ctx context.Context, baseURL string) error {
	t.mu.Lock()
	forward, ok := t.forwards[baseURL]
	delete(t.forwards, baseURL)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTunnel, baseURL)
	}

	defer forward.cancel()

	closeErr := forward.forwarder.CloseWithContext(ctx)
	sessionErr := forward.forwarder.Session().Close()

	err := errors.Join(closeErr, sessionErr)
	if err != nil {
		return fmt.Errorf("failed to close ngrok tunnel %s: %w", baseURL, err)
	}

	t.log.Info("ngrok tunnel %s closed", baseURL)

	return nil
}
