package entrypoint

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultSSHDir holds the sshd host keys.
	DefaultSSHDir = "/etc/ssh"

	// DefaultKeysDir is where an authorized_keys file is mounted into the
	// container, typically from a secret.
	DefaultKeysDir = "/ssh-keys"

	DefaultHomeDir  = "/root"
	DefaultSSHDPath = "/usr/sbin/sshd"
	DefaultSSHPort  = 22

	authorizedKeysName = "authorized_keys"
)

// ExecFunc replaces the current process image, syscall.Exec by default.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Entrypoint prepares a container for SSH access and hands the process
// over to sshd.
type Entrypoint struct {
	*EntrypointOptions
}

func NewEntrypoint(opts ...EntrypointOption) *Entrypoint {
	entrypoint := new(Entrypoint)
	entrypoint.EntrypointOptions = new(EntrypointOptions)
	for _, f := range opts {
		f(entrypoint)
	}

	return entrypoint
}

func (e *Entrypoint) Init() error {
	if e.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		e.logger = &logger
	}
	if e.sshDir == "" {
		e.sshDir = DefaultSSHDir
	}
	if e.keysDir == "" {
		e.keysDir = DefaultKeysDir
	}
	if e.homeDir == "" {
		e.homeDir = DefaultHomeDir
	}
	if e.sshdPath == "" {
		e.sshdPath = DefaultSSHDPath
	}
	if e.port == 0 {
		e.port = DefaultSSHPort
	}
	if e.out == nil {
		e.out = os.Stdout
	}
	if e.execFn == nil {
		e.execFn = syscall.Exec
	}

	return nil
}

// Run performs the container startup sequence. On success it does not
// return: the process image is replaced by sshd.
func (e *Entrypoint) Run() error {
	if err := e.EnsureHostKeys(); err != nil {
		return err
	}
	if err := e.InstallAuthorizedKeys(); err != nil {
		return err
	}
	e.printBanner()

	return e.execSSHD()
}

// EnsureHostKeys generates the sshd host key pairs. An existing RSA host
// key means the container was provisioned before, and generation is
// skipped entirely.
func (e *Entrypoint) EnsureHostKeys() error {
	rsaKey := filepath.Join(e.sshDir, "ssh_host_rsa_key")
	if _, err := os.Stat(rsaKey); err == nil {
		e.logger.Debug().Str("path", rsaKey).Msg("host keys present")

		return nil
	}

	e.logger.Info().Str("dir", e.sshDir).Msg("generating SSH host keys")
	if err := os.MkdirAll(e.sshDir, 0o755); err != nil {
		return errors.Wrap(err, "creating ssh directory")
	}

	for _, generator := range hostKeyGenerators() {
		if err := e.writeHostKey(generator); err != nil {
			return err
		}
	}

	return nil
}

// InstallAuthorizedKeys copies a provided authorized_keys file into the
// home directory. A missing source file is not an error, the container
// then starts without key-based access.
func (e *Entrypoint) InstallAuthorizedKeys() error {
	src := filepath.Join(e.keysDir, authorizedKeysName)
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Debug().Str("path", src).Msg("no authorized keys provided")

			return nil
		}

		return errors.Wrap(err, "reading authorized keys")
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		e.logger.Warn().Err(err).Str("path", src).Msg("authorized keys do not parse, installing anyway")
	}

	sshHome := filepath.Join(e.homeDir, ".ssh")
	if err := os.MkdirAll(sshHome, 0o700); err != nil {
		return errors.Wrap(err, "creating .ssh directory")
	}

	dst := filepath.Join(sshHome, authorizedKeysName)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return errors.Wrap(err, "installing authorized keys")
	}
	e.logger.Info().Str("path", dst).Msg("authorized keys installed")

	return nil
}

func (e *Entrypoint) printBanner() {
	fmt.Fprintln(e.out, "==========================================")
	fmt.Fprintln(e.out, " cutrace SSH container")
	fmt.Fprintf(e.out, " sshd listening on port %d\n", e.port)
	fmt.Fprintln(e.out, "==========================================")
}

// execSSHD replaces the process with sshd in foreground mode, logging to
// stderr. PID 1 duties end here.
func (e *Entrypoint) execSSHD() error {
	e.logger.Info().Str("path", e.sshdPath).Msg("starting sshd")

	return errors.Wrap(
		e.execFn(e.sshdPath, []string{e.sshdPath, "-D", "-e"}, os.Environ()),
		"starting sshd",
	)
}
