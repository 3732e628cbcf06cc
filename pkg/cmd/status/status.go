package status

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/internal/settings"
	"github.com/maxgio92/cutrace/pkg/cmd/common"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
)

const CmdName = "status"

type Options struct {
	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Check the %s collector status", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               o.Run,
	}

	return cmd
}

func (o *Options) Run(_ *cobra.Command, _ []string) {
	if common.IsDaemonRunning() {
		pidData, _ := os.ReadFile(settings.PidFile)
		fmt.Printf("%s is running (PID %s)\n", settings.CmdName, pidData)
		if line := common.LastLogLine(settings.LogFile); line != "" {
			fmt.Printf("  %s\n", line)
		}
	} else {
		fmt.Printf("%s is not running\n", settings.CmdName)
	}
}
