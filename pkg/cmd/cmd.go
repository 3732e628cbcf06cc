package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/internal/config"
	"github.com/maxgio92/cutrace/internal/settings"
	"github.com/maxgio92/cutrace/pkg/cmd/entrypoint"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
	"github.com/maxgio92/cutrace/pkg/cmd/push"
	"github.com/maxgio92/cutrace/pkg/cmd/run"
	"github.com/maxgio92/cutrace/pkg/cmd/status"
	"github.com/maxgio92/cutrace/pkg/cmd/stop"
	"github.com/maxgio92/cutrace/pkg/cmd/trace"
	"github.com/maxgio92/cutrace/pkg/cmd/visualize"
	"github.com/maxgio92/cutrace/pkg/cmd/wait"
)

const logLevelInfo = "info"

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   settings.CmdName,
		Short: fmt.Sprintf("%s is a CUDA API tracer for GPU workloads", settings.CmdName),
		Long: fmt.Sprintf(`
%s traces the CUDA driver API calls of GPU workloads, either with eBPF
uprobes on the driver library or with an LD_PRELOAD interposition hook,
and renders the recorded JSONL traces as pipeline views.
`, settings.CmdName),
		DisableAutoGenTag: true,
	}

	cmd.AddCommand(trace.NewCommand(opts))
	cmd.AddCommand(run.NewCommand(opts))
	cmd.AddCommand(visualize.NewCommand(opts))
	cmd.AddCommand(status.NewCommand(opts))
	cmd.AddCommand(stop.NewCommand(opts))
	cmd.AddCommand(wait.NewCommand(opts))
	cmd.AddCommand(push.NewCommand(opts))
	cmd.AddCommand(entrypoint.NewCommand(opts))

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", logLevelInfo, "Log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", fmt.Sprintf("Path to the configuration file (%s when present)", config.DefaultFile))

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger := log.New(
		log.ConsoleWriter{Out: os.Stderr},
	).With().Timestamp().Logger()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("terminating...")
		cancel()
	}()

	opts := options.NewCommonOptions(
		options.WithContext(ctx),
		options.WithLogger(logger),
	)

	if err := NewCommand(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
