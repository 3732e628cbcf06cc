package preload

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/maxgio92/cutrace/pkg/trace"
)

const (
	// HookLibName is the file name of the interposer library that the
	// dynamic linker loads ahead of libcuda.
	HookLibName = "libcuda_hook.so"

	// HookLibEnv overrides interposer library discovery.
	HookLibEnv = "CUDA_HOOK_LIB"

	// TraceFileEnv tells the interposer where to write the trace. The
	// library falls back to cuda_trace.jsonl in the working directory
	// when the variable is unset.
	TraceFileEnv = "CUDA_TRACE_FILE"

	// LegacyTraceFileEnv is the name older interposer builds read for
	// the same path. The session sets both.
	LegacyTraceFileEnv = "CUDA_HOOK_TRACE"

	ldPreloadEnv = "LD_PRELOAD"

	// termGrace is how long the workload gets to shut down after a
	// cancellation SIGTERM before it is killed.
	termGrace = 5 * time.Second
)

// defaultHookPaths is searched in order when neither the option nor
// CUDA_HOOK_LIB points at the interposer library.
func defaultHookPaths() []string {
	paths := make([]string, 0, 3)
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), HookLibName))
	}

	return append(paths,
		filepath.Join("/usr/local/lib", HookLibName),
		filepath.Join("/usr/lib", HookLibName),
	)
}

// Session runs one workload under the LD_PRELOAD interposer and checks
// that it left a trace behind.
type Session struct {
	hookPath string
	*SessionOptions
}

func NewSession(opts ...SessionOption) *Session {
	session := new(Session)
	session.SessionOptions = new(SessionOptions)
	for _, f := range opts {
		f(session)
	}

	return session
}

// Init resolves the interposer library. An explicitly configured path
// wins over CUDA_HOOK_LIB, which wins over the well-known install
// locations.
func (s *Session) Init() error {
	if s.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		s.logger = &logger
	}
	if s.tracePath == "" {
		s.tracePath = trace.DefaultTraceFile
	}
	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}

	path := s.hookPath
	if path == "" {
		path = os.Getenv(HookLibEnv)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "hook library %s", path)
		}
		s.hookPath = path

		return nil
	}

	for _, candidate := range defaultHookPaths() {
		if _, err := os.Stat(candidate); err == nil {
			s.logger.Debug().Str("path", candidate).Msg("found hook library")
			s.hookPath = candidate

			return nil
		}
	}

	return ErrHookLibNotFound
}

// HookPath returns the resolved interposer library path.
func (s *Session) HookPath() string {
	return s.hookPath
}

// TracePath returns the path the interposer writes the trace to.
func (s *Session) TracePath() string {
	return s.tracePath
}

// Env builds the workload environment: the current environment with the
// interposer prepended to LD_PRELOAD and CUDA_TRACE_FILE pointing at the
// session trace path. An LD_PRELOAD already present in the environment is
// preserved after the interposer, colon-separated.
func (s *Session) Env() []string {
	environ := os.Environ()
	env := make([]string, 0, len(environ)+3)
	preload := s.hookPath
	for _, kv := range environ {
		switch name, value, _ := strings.Cut(kv, "="); name {
		case ldPreloadEnv:
			if value != "" {
				preload = preload + ":" + value
			}
		case TraceFileEnv, LegacyTraceFileEnv:
		default:
			env = append(env, kv)
		}
	}

	return append(env,
		ldPreloadEnv+"="+preload,
		TraceFileEnv+"="+s.tracePath,
		LegacyTraceFileEnv+"="+s.tracePath,
	)
}

// Run executes the workload under the interposer and verifies the trace
// afterwards. Context cancellation is forwarded to the workload as
// SIGTERM. The returned error wraps the workload's exec.ExitError when it
// exits non-zero, so callers can propagate the exit code.
func (s *Session) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = s.Env()
	cmd.Stdin = s.stdin
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	s.logger.Debug().
		Str("hook", s.hookPath).
		Str("trace", s.tracePath).
		Strs("argv", argv).
		Msg("starting workload")

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "workload %s", argv[0])
	}

	return s.verifyTrace()
}

// verifyTrace fails when the workload did not produce any event, which
// usually means it never touched the driver API or the interposer was
// not loaded.
func (s *Session) verifyTrace() error {
	info, err := os.Stat(s.tracePath)
	if err != nil {
		return errors.Wrap(err, "trace file not written")
	}
	if info.Size() == 0 {
		return ErrTraceEmpty
	}

	s.logger.Debug().Str("trace", s.tracePath).Int64("bytes", info.Size()).Msg("trace written")

	return nil
}
