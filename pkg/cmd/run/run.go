package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maxgio92/cutrace/internal/config"
	"github.com/maxgio92/cutrace/pkg/cmd/common"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
	tracecmd "github.com/maxgio92/cutrace/pkg/cmd/trace"
	"github.com/maxgio92/cutrace/pkg/healthcheck"
	"github.com/maxgio92/cutrace/pkg/pipeline"
	"github.com/maxgio92/cutrace/pkg/preload"
	"github.com/maxgio92/cutrace/pkg/trace"
)

const (
	CmdName = "run"

	// Tracing methods.
	MethodPreload = "preload"
	MethodEBPF    = "ebpf"
	MethodStrace  = "strace"
	MethodAll     = "all"

	DefaultTimeout = 120 * time.Second

	collectorReadyTimeout = 30 * time.Second
	termGrace             = 5 * time.Second
	visualizeTopOps       = 20
)

type Options struct {
	method  string
	output  string
	kernel  bool
	hookLib string

	visualize bool
	timeout   time.Duration

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s [flags] -- <command> [args...]", CmdName),
		Short: "Run a workload under a CUDA API tracer",
		Long: fmt.Sprintf(`
%s executes a workload with the selected tracing method and writes the
recorded CUDA driver API calls as JSONL events.
`, CmdName),
		Args:              cobra.ArbitraryArgs,
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVarP(&o.method, "method", "m", MethodPreload, "Tracing method (preload, ebpf, strace, all)")
	cmd.Flags().StringVarP(&o.output, "output", "o", trace.DefaultTraceFile, "Path of the JSONL trace file")
	cmd.Flags().BoolVarP(&o.kernel, "kernel", "k", false, "Also trace NVIDIA driver ioctls (ebpf method)")
	cmd.Flags().StringVar(&o.hookLib, "hook-lib", "", fmt.Sprintf("Path to the interposition library (defaults to the first %s found)", preload.HookLibName))
	cmd.Flags().BoolVar(&o.visualize, "visualize", false, "Render the pipeline views once the workload exits")
	cmd.Flags().DurationVar(&o.timeout, "timeout", DefaultTimeout, "Workload timeout (0 means no timeout)")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, args []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	cfg, err := common.LoadConfig(o.ConfigPath)
	if err != nil {
		return err
	}
	o.applyConfig(cmd, cfg)

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	workload := args
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		workload = args[at:]
	}
	if len(workload) == 0 {
		return ErrNoWorkload
	}

	ctx := o.Ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	switch o.method {
	case MethodPreload:
		err = o.runPreload(ctx, workload)
	case MethodEBPF:
		err = o.runEBPF(ctx, workload)
	case MethodStrace:
		err = o.runStrace(ctx, workload)
	case MethodAll:
		err = o.runAll(ctx, workload)
	default:
		return errors.Wrapf(ErrUnknownMethod, "%q", o.method)
	}
	if err != nil {
		return err
	}

	if o.visualize {
		return o.renderPipeline()
	}

	return nil
}

// applyConfig fills in flags the user did not set from the config file.
func (o *Options) applyConfig(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Trace.Output != "" && !cmd.Flags().Changed("output") {
		o.output = cfg.Trace.Output
	}
	if cfg.Trace.Kernel && !cmd.Flags().Changed("kernel") {
		o.kernel = true
	}
	if cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		o.LogLevel = cfg.LogLevel
	}
}

// runPreload runs the workload with the interposition library loaded
// through LD_PRELOAD.
func (o *Options) runPreload(ctx context.Context, workload []string) error {
	session := preload.NewSession(
		preload.WithSessionHookPath(o.hookLib),
		preload.WithSessionTracePath(o.output),
		preload.WithSessionLogger(&o.Logger),
	)
	if err := session.Init(); err != nil {
		return err
	}

	o.Logger.Info().
		Str("hook", session.HookPath()).
		Str("trace", session.TracePath()).
		Msg("tracing with LD_PRELOAD hook")

	return session.Run(ctx, workload)
}

// runEBPF starts the collector daemon, waits for it to be ready, runs
// the workload and stops the collector again.
func (o *Options) runEBPF(ctx context.Context, workload []string) error {
	if err := o.startCollector(o.output); err != nil {
		return err
	}
	defer o.stopCollector()

	if err := healthcheck.WaitReady(ctx, trace.HealthCheckSockPath, collectorReadyTimeout, o.Logger); err != nil {
		return errors.Wrap(err, "collector did not become ready")
	}

	return o.execWorkload(ctx, workload)
}

// runStrace records the ioctl round trips to the NVIDIA driver with
// strace, next to the JSONL trace path.
func (o *Options) runStrace(ctx context.Context, workload []string) error {
	stracePath, err := exec.LookPath("strace")
	if err != nil {
		return errors.Wrap(err, "strace not found in PATH")
	}

	out := strings.TrimSuffix(o.output, filepath.Ext(o.output)) + ".strace"
	o.Logger.Info().Str("output", out).Msg("tracing ioctls with strace")

	argv := append([]string{stracePath, "-f", "-e", "trace=ioctl", "-o", out}, workload...)

	return o.execWorkload(ctx, argv)
}

// runAll combines the three methods in one workload execution: the
// collector records from eBPF, strace wraps the workload and the hook
// library is preloaded through it. The hook loads into strace as well,
// which is harmless as strace never enters the driver API.
func (o *Options) runAll(ctx context.Context, workload []string) error {
	session := preload.NewSession(
		preload.WithSessionHookPath(o.hookLib),
		preload.WithSessionTracePath(o.output),
		preload.WithSessionLogger(&o.Logger),
	)

	ext := filepath.Ext(o.output)
	ebpfOut := strings.TrimSuffix(o.output, ext) + "_ebpf" + ext

	g, gctx := errgroup.WithContext(ctx)
	g.Go(session.Init)
	g.Go(func() error {
		if err := o.startCollector(ebpfOut); err != nil {
			return err
		}
		return healthcheck.WaitReady(gctx, trace.HealthCheckSockPath, collectorReadyTimeout, o.Logger)
	})
	if err := g.Wait(); err != nil {
		if common.IsDaemonRunning() {
			o.stopCollector()
		}
		return err
	}
	defer o.stopCollector()

	stracePath, err := exec.LookPath("strace")
	if err != nil {
		return errors.Wrap(err, "strace not found in PATH")
	}
	straceOut := strings.TrimSuffix(o.output, ext) + ".strace"

	o.Logger.Info().
		Str("hook", session.HookPath()).
		Str("trace", session.TracePath()).
		Str("ebpf_trace", ebpfOut).
		Str("strace", straceOut).
		Msg("tracing with all methods")

	argv := append([]string{stracePath, "-f", "-e", "trace=ioctl", "-o", straceOut}, workload...)

	return session.Run(ctx, argv)
}

// startCollector daemonizes the eBPF collector through the trace
// subcommand.
func (o *Options) startCollector(output string) error {
	args := []string{
		tracecmd.CmdName,
		"--detach",
		fmt.Sprintf("--output=%s", output),
		fmt.Sprintf("--kernel=%s", strconv.FormatBool(o.kernel)),
		"--status=false",
		fmt.Sprintf("--log-level=%s", o.LogLevel),
	}

	out, err := exec.Command(os.Args[0], args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "failed to start collector: %s", strings.TrimSpace(string(out)))
	}

	return nil
}

func (o *Options) stopCollector() {
	pid, forced, err := common.StopDaemon()
	switch {
	case err != nil:
		o.Logger.Warn().Err(err).Msg("failed to stop the collector")
	case forced:
		o.Logger.Warn().Int("pid", pid).Msg("collector force killed")
	default:
		o.Logger.Debug().Int("pid", pid).Msg("collector stopped")
	}
}

func (o *Options) execWorkload(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "workload %s", argv[0])
	}

	return nil
}

// renderPipeline prints the timeline, summary and top operations of
// the recorded trace.
func (o *Options) renderPipeline() error {
	analyzer := pipeline.NewAnalyzer(pipeline.WithAnalyzerLogger(&o.Logger))
	if err := analyzer.Load(o.output); err != nil {
		return err
	}
	analyzer.Match()

	analyzer.WriteTimeline(os.Stdout)
	analyzer.WriteSummary(os.Stdout)
	analyzer.WriteTopOps(os.Stdout, visualizeTopOps)

	return nil
}
