package trace

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/internal/config"
	"github.com/maxgio92/cutrace/internal/settings"
	"github.com/maxgio92/cutrace/pkg/cmd/common"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
	"github.com/maxgio92/cutrace/pkg/probe"
	"github.com/maxgio92/cutrace/pkg/trace"
)

const CmdName = "trace"

type Options struct {
	pid int
	lib string

	symIncludePattern string
	symExcludePattern string

	kernel    bool
	output    string
	probePath string
	maxProbes int

	detach  bool
	report  bool
	status  bool
	verbose bool

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Trace CUDA driver API calls with eBPF uprobes",
		Long: fmt.Sprintf(`
%s attaches uprobes to the CUDA driver library and records every driver API
call of the selected processes as JSONL events.
`, CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().IntVar(&o.pid, "pid", -1, "Filter the traced process by PID")
	cmd.Flags().StringVarP(&o.lib, "lib", "l", "", "Path to the CUDA driver library (defaults to the first libcuda.so found)")

	cmd.Flags().StringVar(&o.symIncludePattern, "include", "", "Regex pattern to include driver symbol names")
	cmd.Flags().StringVar(&o.symExcludePattern, "exclude", "", "Regex pattern to exclude driver symbol names")

	cmd.Flags().BoolVarP(&o.kernel, "kernel", "k", false, "Also attach kprobes to the NVIDIA driver ioctl handler")
	cmd.Flags().StringVarP(&o.output, "output", "o", trace.DefaultTraceFile, "Path of the JSONL trace file")
	cmd.Flags().StringVar(&o.probePath, "probe", "", fmt.Sprintf("Path to the compiled BPF object (defaults to %s next to the binary)", probe.ProbeName))
	cmd.Flags().IntVar(&o.maxProbes, "max-probes", trace.DefaultMaxProbes, "Maximum number of driver functions to instrument")

	cmd.Flags().BoolVarP(&o.detach, "detach", "d", false, fmt.Sprintf("Run %s as daemon", settings.CmdName))
	cmd.Flags().BoolVar(&o.report, "report", true, fmt.Sprintf("Generate report (as %s)", trace.ReportFileName))
	cmd.Flags().BoolVar(&o.status, "status", true, "Periodically print a status of the trace")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Enable verbosity")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
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

	if os.Geteuid() != 0 {
		return errors.New("attaching probes requires root privileges")
	}

	if o.detach {
		return o.daemonize()
	}

	// Store PID file.
	os.WriteFile(settings.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
	defer os.Remove(settings.PidFile)

	tracee := trace.NewTracee(
		trace.WithTraceeLibPath(o.lib),
		trace.WithTraceeSymPatternInclude(o.symIncludePattern),
		trace.WithTraceeSymPatternExclude(o.symExcludePattern),
		trace.WithTraceeMaxProbes(o.maxProbes),
		trace.WithTraceeLogger(&o.Logger),
	)

	tracer := trace.NewTracer(
		trace.WithTracerTracee(tracee),
		trace.WithTracerPid(o.pid),
		trace.WithTracerKernel(o.kernel),
		trace.WithTracerProbePath(o.probePath),
		trace.WithTracerOutputPath(o.output),
		trace.WithTracerReport(o.report),
		trace.WithTracerStatus(o.status),
		trace.WithTracerVerbose(o.verbose),
		trace.WithTracerLogger(&o.Logger),
	)

	if err := tracer.Init(o.Ctx); err != nil {
		return errors.Wrapf(err, "failed to init tracer")
	}
	if err := tracer.Run(o.Ctx); err != nil {
		return errors.Wrapf(err, "failed to run tracer")
	}

	return nil
}

// applyConfig fills in flags the user did not set from the config file.
func (o *Options) applyConfig(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Trace.Lib != "" && !cmd.Flags().Changed("lib") {
		o.lib = cfg.Trace.Lib
	}
	if cfg.Trace.Functions != "" && !cmd.Flags().Changed("include") {
		o.symIncludePattern = cfg.Trace.Functions
	}
	if cfg.Trace.Exclude != "" && !cmd.Flags().Changed("exclude") {
		o.symExcludePattern = cfg.Trace.Exclude
	}
	if cfg.Trace.Kernel && !cmd.Flags().Changed("kernel") {
		o.kernel = true
	}
	if cfg.Trace.Output != "" && !cmd.Flags().Changed("output") {
		o.output = cfg.Trace.Output
	}
	if cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		o.LogLevel = cfg.LogLevel
	}
}

func (o *Options) daemonize() error {
	// Check if already running.
	if common.IsDaemonRunning() {
		fmt.Println("Daemon already running")
		return nil
	}

	// Start the daemon process.
	args := []string{CmdName}
	args = append(args, fmt.Sprintf("--pid=%d", o.pid))
	args = append(args, fmt.Sprintf("--lib=%s", o.lib))
	args = append(args, fmt.Sprintf("--include=%s", o.symIncludePattern))
	args = append(args, fmt.Sprintf("--exclude=%s", o.symExcludePattern))
	args = append(args, fmt.Sprintf("--kernel=%s", strconv.FormatBool(o.kernel)))
	args = append(args, fmt.Sprintf("--output=%s", o.output))
	args = append(args, fmt.Sprintf("--probe=%s", o.probePath))
	args = append(args, fmt.Sprintf("--max-probes=%d", o.maxProbes))
	args = append(args, fmt.Sprintf("--report=%s", strconv.FormatBool(o.report)))
	args = append(args, fmt.Sprintf("--status=%s", strconv.FormatBool(o.status)))
	args = append(args, fmt.Sprintf("--verbose=%s", strconv.FormatBool(o.verbose)))
	args = append(args, fmt.Sprintf("--log-level=%s", o.LogLevel))

	cmd := exec.Command(os.Args[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Redirect output to log file.
	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			o.Logger.Error().Err(err).Msg("failed to open log file")
			return err
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	err := cmd.Start()
	if err != nil {
		o.Logger.Error().Err(err).Msgf("failed to start %s", settings.CmdName)
		return err
	}

	// Store PID file.
	err = os.WriteFile(settings.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644)
	if err != nil {
		o.Logger.Error().Err(err).Msg("failed to write PID file")
		return err
	}

	return nil
}
