package output

import (
	"context"
	"fmt"
	"time"
)

func StatusBar(ctx context.Context, refreshRate time.Duration, printF func()) {
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printF()
		case <-ctx.Done():
			return
		}
	}
}

// PrettyTraceStatus renders the one-line live status of a running trace:
// how many of the attached CUDA functions have been observed at least
// once, the current event rate, and the ring buffer channel utilization.
func PrettyTraceStatus(hit, attached int, rate uint64, evtUtil int) string {
	var pct float64
	if attached > 0 {
		pct = float64(hit) / float64(attached) * 100
	}
	return fmt.Sprintf("\r%-55s %-20s %-20s",
		fmt.Sprintf("Functions hit: [%s] %d/%d", ProgressBar(int(pct), 40), hit, attached),
		fmt.Sprintf("Events/s: %5d", rate),
		fmt.Sprintf("Events Buffer: [%s] %3d%%", ProgressBar(evtUtil, 10), evtUtil),
	)
}
