package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the coordinator HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address of the ceremony API.
	ListenAddr string

	// MetricsAddr is the address of the prometheus endpoint.
	// The metrics server is not started when empty.
	MetricsAddr string

	// EnablePprof mounts the pprof handlers under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain keeps the server serving while
	// reporting not ready.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests on
	// shutdown. Long-polling watchers are cut off when it expires.
	GracefulShutdownDuration time.Duration

	ReadTimeout time.Duration

	// WriteTimeout must exceed the participant watch timeout, otherwise
	// long-poll responses are dropped.
	WriteTimeout time.Duration
}
