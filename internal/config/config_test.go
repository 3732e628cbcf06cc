package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/cutrace/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cutrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `log-level: debug
trace:
  lib: /usr/lib/x86_64-linux-gnu/libcuda.so.1
  functions: ^cu(Mem|Launch)
  exclude: ^cuProfiler
  kernel: true
  output: out.jsonl
push:
  region: eu-west-1
  repository: tracer
  tag: v2
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/usr/lib/x86_64-linux-gnu/libcuda.so.1", cfg.Trace.Lib)
	require.Equal(t, "^cu(Mem|Launch)", cfg.Trace.Functions)
	require.Equal(t, "^cuProfiler", cfg.Trace.Exclude)
	require.True(t, cfg.Trace.Kernel)
	require.Equal(t, "out.jsonl", cfg.Trace.Output)
	require.Equal(t, "eu-west-1", cfg.Push.Region)
	require.Equal(t, "tracer", cfg.Push.Repository)
	require.Equal(t, "v2", cfg.Push.Tag)
}

func TestLoadUnknownKey(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "bogus: 1\n")

	_, err := config.Load(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "bogus")
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, &config.Config{}, cfg)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOptionalMissing(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, &config.Config{}, cfg)
}
