// Package expose makes local files reachable from remote services for the
// duration of a single call.
//
// A Manager owns one HTTP listener and one tunnel publishing it. Both are
// started when the first exposure is acquired and stopped when the last one
// is released. Each exposure binds its own file directory under an opaque
// token, so overlapping exposures of files in different directories never
// observe each other's serving root.
package expose

import (
	"errors"
	"fmt"
)

// Static errors.
var (
	// ErrNotFound indicates that the file to expose does not exist.
	ErrNotFound = errors.New("file to expose not found")
	// ErrStartup indicates that the listener or the tunnel could not be started.
	ErrStartup = errors.New("failed to start exposure")
	// ErrTeardown indicates that stopping the listener or the tunnel failed.
	ErrTeardown = errors.New("failed to tear down exposure")
	// ErrNotRunning is returned by URLFor when no tunnel is active.
	ErrNotRunning = errors.New("exposure is not running")
	// ErrUnknownTunnel is returned when closing a tunnel that was never opened.
	ErrUnknownTunnel = errors.New("unknown tunnel")
	// ErrTunnelAuthMissing is returned when the ngrok tunnel has no auth token.
	ErrTunnelAuthMissing = errors.New("ngrok auth token is not configured")
)

func newNotFoundError(path string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrNotFound, path, cause)
}

func newStartupError(stage string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrStartup, stage, cause)
}
