// Package healthcheck implements the readiness handshake between the
// trace collector and its clients. The collector listens on a unix
// socket and sends a single ReadyMsg byte to every connection once all
// probes are attached; clients poll the socket until they read it.
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

// ReadyMsg is the byte sent to clients once probe attachment is done.
const ReadyMsg = 0x01

const writeTimeout = 5 * time.Second

// HealthCheckServer announces collector readiness over a unix socket.
// Connections accepted before NotifyReadiness is called block until
// readiness is reached.
type HealthCheckServer struct {
	ln         net.Listener
	readyCh    chan struct{}
	socketPath string
	logger     log.Logger
}

func NewHealthCheckServer(socketPath string, logger log.Logger) *HealthCheckServer {
	return &HealthCheckServer{
		socketPath: socketPath,
		readyCh:    make(chan struct{}),
		logger:     logger.With().Str("component", "healthcheck").Logger(),
	}
}

// InitializeListener binds the unix socket and starts serving clients.
// A stale socket left over from a previous run is removed first.
func (s *HealthCheckServer) InitializeListener(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(err, "failed to listen on readiness socket")
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.serve(ctx)

	return nil
}

// NotifyReadiness releases every pending and future client. The tracer
// calls it once, after the last probe is attached.
func (s *HealthCheckServer) NotifyReadiness() {
	s.logger.Debug().Msg("collector ready, releasing waiters")
	close(s.readyCh)
}

// ShutdownListener closes the listener and removes the socket file.
func (s *HealthCheckServer) ShutdownListener() error {
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Msg("closing listener")
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove readiness socket")
	}

	return nil
}

func (s *HealthCheckServer) serve(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}
		go s.reply(ctx, conn)
	}
}

// reply holds the connection open until the collector is ready, then
// sends the readiness byte. Clients that hang up early are dropped
// silently.
func (s *HealthCheckServer) reply(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte{ReadyMsg}); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			return
		}
		s.logger.Debug().Err(err).Msg("failed to send readiness byte")
	}
}
