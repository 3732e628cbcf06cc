package preload

import (
	"io"

	log "github.com/rs/zerolog"
)

type SessionOptions struct {
	tracePath string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger *log.Logger
}

type SessionOption func(*Session)

// WithSessionHookPath pins the interposer library instead of discovering
// it from the environment and the install locations.
func WithSessionHookPath(path string) SessionOption {
	return func(o *Session) {
		o.hookPath = path
	}
}

func WithSessionTracePath(path string) SessionOption {
	return func(o *Session) {
		o.tracePath = path
	}
}

func WithSessionStdin(r io.Reader) SessionOption {
	return func(o *Session) {
		o.stdin = r
	}
}

func WithSessionStdout(w io.Writer) SessionOption {
	return func(o *Session) {
		o.stdout = w
	}
}

func WithSessionStderr(w io.Writer) SessionOption {
	return func(o *Session) {
		o.stderr = w
	}
}

func WithSessionLogger(logger *log.Logger) SessionOption {
	return func(o *Session) {
		o.logger = logger
	}
}
