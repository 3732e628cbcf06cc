package healthcheck

import (
	"context"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	log "github.com/rs/zerolog"
)

const retryInterval = 500 * time.Millisecond

// WaitReady blocks until the collector behind socketPath sends its
// readiness message, the timeout elapses or the context is canceled.
func WaitReady(ctx context.Context, socketPath string, timeout time.Duration, logger log.Logger) error {
	l := logger.With().Str("component", "healthcheck").Logger()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Since(start) >= timeout {
			return errors.New("timeout waiting for tracer readiness")
		}

		// Check if socket exists.
		info, err := os.Stat(socketPath)
		if err != nil {
			if os.IsNotExist(err) {
				time.Sleep(retryInterval)
				continue
			}
			return errors.Wrap(err, "error checking socket")
		}

		if info.Mode()&os.ModeSocket == 0 {
			return errors.Errorf("path exists but is not a Unix socket: %s", socketPath)
		}

		// Try to connect.
		conn, err := net.DialTimeout("unix", socketPath, retryInterval)
		if err != nil {
			if errors.Is(err, syscall.EACCES) {
				return errors.Wrap(err, "failed connecting")
			}
			time.Sleep(retryInterval)
			continue
		}

		// Try reading one byte.
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(retryInterval))

		n, err := conn.Read(buf)
		conn.Close()
		if err != nil || n == 0 {
			time.Sleep(retryInterval)
			continue
		}

		if buf[0] == ReadyMsg {
			l.Debug().Msg("tracer is ready")
			return nil
		}

		time.Sleep(retryInterval)
	}
}
