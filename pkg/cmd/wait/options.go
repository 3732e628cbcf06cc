package wait

import (
	"time"

	"github.com/maxgio92/cutrace/pkg/cmd/options"
)

type Options struct {
	socketPath string
	timeout    time.Duration

	*options.CommonOptions
}
