package trace

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maxgio92/cutrace/internal/output"
	"github.com/maxgio92/cutrace/internal/utils"
	"github.com/maxgio92/cutrace/pkg/probe"
)

func (t *Tracer) printStatusBar(ctx context.Context, eventsCh chan []byte) {
	if !t.status {
		return
	}
	output.StatusBar(ctx,
		1*time.Second, // bar refresh interval.
		func() {
			output.PrintRight(output.PrettyTraceStatus(
				utils.LenSyncMap(&t.ack),
				t.tracee.FuncCount(),
				atomic.SwapUint64(&t.consumed, 0), // events rate reset at each bar refresh.
				len(eventsCh)*100/probe.EventsChBufSize,
			))
		},
	)
}
