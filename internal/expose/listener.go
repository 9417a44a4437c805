package expose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// fileServer is the background listener of a running exposure session.
type fileServer struct {
	listener net.Listener
	server   *http.Server
	done     chan struct{}
	serveErr error
}

// listen binds host:port and starts serving handler on its own goroutine.
// A port of 0 binds an ephemeral port.
func listen(host string, port int, handler http.Handler, readHeaderTimeout time.Duration) (*fileServer, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	srv := &fileServer{
		listener: listener,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		done:     make(chan struct{}),
		serveErr: nil,
	}

	go srv.serve()

	return srv, nil
}

func (s *fileServer) serve() {
	defer close(s.done)

	err := s.server.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.serveErr = err
	}
}

// port returns the bound TCP port.
func (s *fileServer) port() int {
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}

	return addr.Port
}

// shutdown stops accepting connections, waits for in-flight requests until
// ctx expires and then closes whatever is left. It returns once the serve
// goroutine has exited.
func (s *fileServer) shutdown(ctx context.Context) error {
	shutdownErr := s.server.Shutdown(ctx)
	if shutdownErr != nil {
		closeErr := s.server.Close()
		if closeErr != nil {
			shutdownErr = errors.Join(shutdownErr, closeErr)
		}
	}

	<-s.done

	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down listener: %w", shutdownErr)
	}

	if s.serveErr != nil {
		return fmt.Errorf("listener stopped unexpectedly: %w", s.serveErr)
	}

	return nil
}
