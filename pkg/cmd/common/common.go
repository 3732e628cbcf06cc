package common

import (
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/maxgio92/cutrace/internal/config"
	"github.com/maxgio92/cutrace/internal/settings"
)

var (
	ErrNotRunning = errors.New("not running or PID file not found")
	ErrPidFile    = errors.New("invalid PID file")
	ErrNoProcess  = errors.New("process not found")
)

func IsDaemonRunning() bool {
	pidData, err := os.ReadFile(settings.PidFile)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(string(pidData))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Check if process exists
	return process.Signal(syscall.Signal(0)) == nil
}

// StopDaemon terminates the collector daemon with SIGTERM, waiting up to
// five seconds before force killing it. It reports the PID it signalled
// and whether the kill was forced.
func StopDaemon() (int, bool, error) {
	pidData, err := os.ReadFile(settings.PidFile)
	if err != nil {
		return 0, false, ErrNotRunning
	}

	pid, err := strconv.Atoi(string(pidData))
	if err != nil {
		return 0, false, ErrPidFile
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false, ErrNoProcess
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, false, errors.Wrap(err, "failed to signal daemon")
	}

	// Wait for process to stop.
	for i := 0; i < 50; i++ {
		if !IsDaemonRunning() {
			os.Remove(settings.PidFile)
			return pid, false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Force kill if still running.
	process.Kill()
	os.Remove(settings.PidFile)

	return pid, true, nil
}

// LastLogLine returns the most recent line of the daemon log, which is
// the live status bar while the collector runs. It reads at most the
// final 4 KiB and returns the empty string when there is nothing to
// show.
func LastLogLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return ""
	}

	off := info.Size() - 4096
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return ""
	}

	// The status bar redraws in place with carriage returns.
	tail := strings.TrimRight(string(buf), "\r\n")
	if i := strings.LastIndexAny(tail, "\r\n"); i >= 0 {
		tail = tail[i+1:]
	}

	return strings.TrimSpace(tail)
}

// LoadConfig reads the configuration file. An explicitly requested path
// must exist, while the default one is optional.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	return config.LoadOptional(config.DefaultFile)
}
