package trace

import (
	log "github.com/rs/zerolog"
)

type TraceeOptions struct {
	libPath           string
	symPatternInclude string
	symPatternExclude string
	maxProbes         int

	logger *log.Logger
}

type TraceeOption func(*Tracee)

// WithTraceeLibPath overrides the CUDA driver library path. When empty
// the library is discovered from the usual install locations.
func WithTraceeLibPath(path string) TraceeOption {
	return func(o *Tracee) {
		o.libPath = path
	}
}

func WithTraceeSymPatternInclude(patternInclude string) TraceeOption {
	return func(o *Tracee) {
		o.symPatternInclude = patternInclude
	}
}

func WithTraceeSymPatternExclude(patternExclude string) TraceeOption {
	return func(o *Tracee) {
		o.symPatternExclude = patternExclude
	}
}

func WithTraceeMaxProbes(max int) TraceeOption {
	return func(o *Tracee) {
		if max > 0 {
			o.maxProbes = max
		}
	}
}

func WithTraceeLogger(logger *log.Logger) TraceeOption {
	return func(o *Tracee) {
		o.logger = logger
	}
}
