package entrypoint

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	sshentry "github.com/maxgio92/cutrace/internal/entrypoint"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
)

const CmdName = "entrypoint"

type Options struct {
	sshDir   string
	keysDir  string
	homeDir  string
	sshdPath string
	port     int

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Prepare the SSH container and exec sshd",
		Long: fmt.Sprintf(`
%s generates missing SSH host keys, installs the mounted authorized keys
and replaces itself with sshd in foreground mode.
`, CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVar(&o.sshDir, "ssh-dir", sshentry.DefaultSSHDir, "Directory of the SSH host keys")
	cmd.Flags().StringVar(&o.keysDir, "keys-dir", sshentry.DefaultKeysDir, "Directory of the mounted authorized keys")
	cmd.Flags().StringVar(&o.homeDir, "home", sshentry.DefaultHomeDir, "Home directory receiving the authorized keys")
	cmd.Flags().StringVar(&o.sshdPath, "sshd", sshentry.DefaultSSHDPath, "Path to the sshd binary")
	cmd.Flags().IntVar(&o.port, "port", sshentry.DefaultSSHPort, "Port announced in the welcome banner")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	entry := sshentry.NewEntrypoint(
		sshentry.WithSSHDir(o.sshDir),
		sshentry.WithKeysDir(o.keysDir),
		sshentry.WithHomeDir(o.homeDir),
		sshentry.WithSSHDPath(o.sshdPath),
		sshentry.WithPort(o.port),
		sshentry.WithLogger(&o.Logger),
	)
	if err := entry.Init(); err != nil {
		return errors.Wrap(err, "failed to init entrypoint")
	}

	return entry.Run()
}
