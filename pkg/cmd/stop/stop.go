package stop

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/internal/settings"
	"github.com/maxgio92/cutrace/pkg/cmd/common"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
)

const CmdName = "stop"

type Options struct {
	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Stop the %s collector daemon", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               o.Run,
	}

	return cmd
}

func (o *Options) Run(_ *cobra.Command, _ []string) {
	pid, forced, err := common.StopDaemon()
	switch {
	case errors.Is(err, common.ErrNotRunning):
		fmt.Printf("%s not running or PID file not found\n", settings.CmdName)
	case err != nil:
		fmt.Printf("Failed to stop daemon: %v\n", err)
	case forced:
		fmt.Printf("%s force killed (PID %d)\n", settings.CmdName, pid)
	default:
		fmt.Printf("%s stopped (PID %d)\n", settings.CmdName, pid)
	}
}
