package entrypoint

import (
	"io"

	log "github.com/rs/zerolog"
)

type EntrypointOptions struct {
	sshDir   string
	keysDir  string
	homeDir  string
	sshdPath string
	port     int

	out    io.Writer
	execFn ExecFunc
	logger *log.Logger
}

type EntrypointOption func(*Entrypoint)

// WithSSHDir overrides the host key directory.
func WithSSHDir(dir string) EntrypointOption {
	return func(o *Entrypoint) {
		o.sshDir = dir
	}
}

// WithKeysDir overrides the directory an authorized_keys file is
// provided in.
func WithKeysDir(dir string) EntrypointOption {
	return func(o *Entrypoint) {
		o.keysDir = dir
	}
}

// WithHomeDir overrides the home directory authorized keys are installed
// into.
func WithHomeDir(dir string) EntrypointOption {
	return func(o *Entrypoint) {
		o.homeDir = dir
	}
}

func WithSSHDPath(path string) EntrypointOption {
	return func(o *Entrypoint) {
		o.sshdPath = path
	}
}

// WithPort sets the port advertised in the welcome banner.
func WithPort(port int) EntrypointOption {
	return func(o *Entrypoint) {
		o.port = port
	}
}

func WithWriter(w io.Writer) EntrypointOption {
	return func(o *Entrypoint) {
		o.out = w
	}
}

// WithExecFunc replaces the final exec, mainly for testing.
func WithExecFunc(fn ExecFunc) EntrypointOption {
	return func(o *Entrypoint) {
		o.execFn = fn
	}
}

func WithLogger(logger *log.Logger) EntrypointOption {
	return func(o *Entrypoint) {
		o.logger = logger
	}
}
