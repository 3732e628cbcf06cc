package run_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/cutrace/pkg/cmd/options"
	"github.com/maxgio92/cutrace/pkg/cmd/run"
	"github.com/maxgio92/cutrace/pkg/preload"
)

func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()

	logger := log.New(os.Stderr).Level(log.Disabled)
	opts := options.NewCommonOptions(
		options.WithContext(context.Background()),
		options.WithLogger(logger),
	)

	root := &cobra.Command{Use: "cutrace"}
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "")
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "")
	root.AddCommand(run.NewCommand(opts))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	return root
}

func writeHookLib(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), preload.HookLibName)
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644))

	return path
}

func TestRunCommandFlags(t *testing.T) {
	root := newTestRoot(t)
	cmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	flag := cmd.Flags().Lookup("method")
	require.NotNil(t, flag)
	require.Equal(t, run.MethodPreload, flag.DefValue)

	flag = cmd.Flags().Lookup("output")
	require.NotNil(t, flag)
	require.Equal(t, "cuda_trace.jsonl", flag.DefValue)

	flag = cmd.Flags().Lookup("kernel")
	require.NotNil(t, flag)
	require.Equal(t, "false", flag.DefValue)

	flag = cmd.Flags().Lookup("timeout")
	require.NotNil(t, flag)
	require.Equal(t, "2m0s", flag.DefValue)
}

func TestRunNoWorkload(t *testing.T) {
	root := newTestRoot(t)
	root.SetArgs([]string{"run"})

	err := root.Execute()
	require.ErrorIs(t, err, run.ErrNoWorkload)
}

func TestRunUnknownMethod(t *testing.T) {
	root := newTestRoot(t)
	root.SetArgs([]string{"run", "--method=bogus", "--", "true"})

	err := root.Execute()
	require.ErrorIs(t, err, run.ErrUnknownMethod)
}

func TestRunMissingHookLib(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.so")

	root := newTestRoot(t)
	root.SetArgs([]string{"run", "--hook-lib", missing, "--", "true"})

	err := root.Execute()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunPreloadWritesTrace(t *testing.T) {
	hook := writeHookLib(t)
	out := filepath.Join(t.TempDir(), "trace.jsonl")

	root := newTestRoot(t)
	root.SetArgs([]string{
		"run", "--hook-lib", hook, "--output", out, "--",
		"/bin/sh", "-c", `echo '{"name":"cuInit"}' > "$CUDA_TRACE_FILE"`,
	})

	require.NoError(t, root.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "cuInit")
}

func TestRunPreloadWorkloadFailure(t *testing.T) {
	hook := writeHookLib(t)
	out := filepath.Join(t.TempDir(), "trace.jsonl")

	root := newTestRoot(t)
	root.SetArgs([]string{
		"run", "--hook-lib", hook, "--output", out, "--",
		"/bin/sh", "-c", "exit 7",
	})

	err := root.Execute()
	require.Error(t, err)
}
