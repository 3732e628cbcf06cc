package trace

import (
	"io"

	log "github.com/rs/zerolog"
)

type TracerOptions struct {
	tracee *Tracee

	pid       int
	kernel    bool
	probePath string

	outputPath string

	report  bool
	status  bool
	verbose bool

	out    io.Writer
	logger *log.Logger
}

type TracerOpt func(*Tracer)

func WithTracerTracee(tracee *Tracee) TracerOpt {
	return func(opts *Tracer) {
		opts.tracee = tracee
	}
}

// WithTracerPid scopes the userspace probes to one process. The kernel
// ioctl probes are system-wide, their events are filtered on this PID
// in userspace.
func WithTracerPid(pid int) TracerOpt {
	return func(opts *Tracer) {
		opts.pid = pid
	}
}

func WithTracerKernel(kernel bool) TracerOpt {
	return func(opts *Tracer) {
		opts.kernel = kernel
	}
}

func WithTracerProbePath(probePath string) TracerOpt {
	return func(opts *Tracer) {
		opts.probePath = probePath
	}
}

func WithTracerOutputPath(outputPath string) TracerOpt {
	return func(opts *Tracer) {
		opts.outputPath = outputPath
	}
}

func WithTracerReport(report bool) TracerOpt {
	return func(opts *Tracer) {
		opts.report = report
	}
}

func WithTracerStatus(status bool) TracerOpt {
	return func(opts *Tracer) {
		opts.status = status
	}
}

func WithTracerVerbose(verbose bool) TracerOpt {
	return func(opts *Tracer) {
		opts.verbose = verbose
	}
}

// WithTracerWriter sets the writer the verbose function-hit echo goes
// to. Defaults to standard output.
func WithTracerWriter(w io.Writer) TracerOpt {
	return func(opts *Tracer) {
		opts.out = w
	}
}

func WithTracerLogger(logger *log.Logger) TracerOpt {
	return func(opts *Tracer) {
		opts.logger = logger
	}
}
