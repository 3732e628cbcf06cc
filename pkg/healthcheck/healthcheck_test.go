package healthcheck

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockConn implements net.Conn for exercising reply without a socket.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Read(b []byte) (n int, err error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockConn) Write(b []byte) (n int, err error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConn) LocalAddr() net.Addr {
	args := m.Called()
	return args.Get(0).(net.Addr)
}

func (m *MockConn) RemoteAddr() net.Addr {
	args := m.Called()
	return args.Get(0).(net.Addr)
}

func (m *MockConn) SetDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func (m *MockConn) SetReadDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func (m *MockConn) SetWriteDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

func TestHealthCheckServer_Reply(t *testing.T) {
	t.Run("should send the readiness byte once ready", func(t *testing.T) {
		hcs := NewHealthCheckServer(filepath.Join(t.TempDir(), "hc.sock"), testLogger(t))
		hcs.NotifyReadiness()

		mockConn := new(MockConn)
		mockConn.On("SetWriteDeadline", mock.Anything).Return(nil)
		mockConn.On("Write", []byte{ReadyMsg}).Return(1, nil)
		mockConn.On("Close").Return(nil)

		hcs.reply(context.Background(), mockConn)

		mockConn.AssertExpectations(t)
	})

	t.Run("should close without writing when the context is canceled", func(t *testing.T) {
		hcs := NewHealthCheckServer(filepath.Join(t.TempDir(), "hc.sock"), testLogger(t))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		mockConn := new(MockConn)
		mockConn.On("Close").Return(nil)

		hcs.reply(ctx, mockConn)

		mockConn.AssertExpectations(t)
		mockConn.AssertNotCalled(t, "Write", mock.Anything)
	})
}

func TestHealthCheckServer_Handshake(t *testing.T) {
	t.Run("should serve the readiness byte to a connected client", func(t *testing.T) {
		sock := filepath.Join(t.TempDir(), "hc.sock")
		hcs := NewHealthCheckServer(sock, testLogger(t))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		err := hcs.InitializeListener(ctx)
		assert.Nil(t, err)
		defer hcs.ShutdownListener()

		conn, err := net.Dial("unix", sock)
		assert.Nil(t, err)
		defer conn.Close()

		hcs.NotifyReadiness()

		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buf)
		assert.Nil(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, byte(ReadyMsg), buf[0])
	})
}

func TestWaitReady(t *testing.T) {
	t.Run("should return once the server notifies readiness", func(t *testing.T) {
		logger := testLogger(t)
		sock := filepath.Join(t.TempDir(), "hc.sock")
		hcs := NewHealthCheckServer(sock, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		err := hcs.InitializeListener(ctx)
		assert.Nil(t, err)
		defer hcs.ShutdownListener()

		hcs.NotifyReadiness()

		err = WaitReady(ctx, sock, 5*time.Second, logger)
		assert.Nil(t, err)
	})

	t.Run("should time out when no server is listening", func(t *testing.T) {
		logger := testLogger(t)
		sock := filepath.Join(t.TempDir(), "missing.sock")

		err := WaitReady(context.Background(), sock, 100*time.Millisecond, logger)
		assert.Error(t, err)
	})

	t.Run("should stop when the context is canceled", func(t *testing.T) {
		logger := testLogger(t)
		sock := filepath.Join(t.TempDir(), "missing.sock")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := WaitReady(ctx, sock, time.Minute, logger)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHealthCheckServer_ShutdownListener(t *testing.T) {
	t.Run("should close the listener and remove the socket", func(t *testing.T) {
		sock := filepath.Join(t.TempDir(), "hc.sock")
		hcs := NewHealthCheckServer(sock, testLogger(t))

		err := hcs.InitializeListener(context.Background())
		assert.Nil(t, err)

		err = hcs.ShutdownListener()
		assert.Nil(t, err)

		fi, err := os.Stat(sock)
		assert.Nil(t, fi)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
