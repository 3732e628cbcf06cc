package pipeline_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/cutrace/pkg/pipeline"
)

func newMatchedAnalyzer(t *testing.T, ops []pipeline.Operation) *pipeline.Analyzer {
	t.Helper()
	analyzer := pipeline.NewAnalyzer()
	analyzer.Ops = ops
	for _, op := range ops {
		category := pipeline.Categorize(op.Name)
		analyzer.Categories[category] = append(analyzer.Categories[category], op)
	}

	return analyzer
}

func TestWriteTimelineEmpty(t *testing.T) {
	var buf bytes.Buffer

	pipeline.NewAnalyzer().WriteTimeline(&buf)

	require.Equal(t, "No timeline data available\n", buf.String())
}

func TestWriteTimeline(t *testing.T) {
	analyzer := newMatchedAnalyzer(t, []pipeline.Operation{
		{Name: "cuMemAlloc_v2", Start: 0.000, End: 0.010, Duration: 0.010, Depth: 0},
		{Name: "cuLaunchKernel", Start: 0.010, End: 0.040, Duration: 0.030, Depth: 1},
	})

	var buf bytes.Buffer
	analyzer.WriteTimeline(&buf)
	out := buf.String()

	require.Contains(t, out, "CUDA EXECUTION PIPELINE - ASCII Timeline")
	require.Contains(t, out, "Total execution time: 40.000 ms")
	require.Contains(t, out, "Legend:")
	require.Contains(t, out, "● = kernel")
	require.Contains(t, out, "Depth 0:")
	require.Contains(t, out, "Depth 1:")
	require.Contains(t, out, "Time scale (ms):")

	// The alloc covers the first quarter of the depth 0 lane, the
	// launch the last three quarters of the depth 1 lane.
	require.Contains(t, out, strings.Repeat("█", 20))
	require.Contains(t, out, strings.Repeat("●", 60))
}

func TestWriteSummary(t *testing.T) {
	analyzer := newMatchedAnalyzer(t, []pipeline.Operation{
		{Name: "cuLaunchKernel", Start: 0, End: 0.010, Duration: 0.010},
		{Name: "cuMemcpyHtoD_v2", Start: 0, End: 0.030, Duration: 0.030},
	})

	var buf bytes.Buffer
	analyzer.WriteSummary(&buf)
	out := buf.String()

	require.Contains(t, out, "PIPELINE SUMMARY - Operation Breakdown")
	require.Contains(t, out, "Category")
	require.Contains(t, out, "% of Total")
	require.Contains(t, out, "kernel")
	require.Contains(t, out, "25.0%")
	require.Contains(t, out, "transfer")
	require.Contains(t, out, "75.0%")
	require.Contains(t, out, "TOTAL")
	require.Contains(t, out, "40.000 ms")

	// Categories are listed alphabetically.
	require.Less(t, strings.Index(out, "kernel"), strings.Index(out, "transfer"))
}

func TestWriteTopOps(t *testing.T) {
	analyzer := newMatchedAnalyzer(t, []pipeline.Operation{
		{Name: "cuInit", Start: 0, End: 0.100, Duration: 0.100},
		{Name: "cuLaunchKernel", Start: 0.1, End: 0.104, Duration: 0.004},
		{Name: "cuMemcpyDtoH_v2", Start: 0.2, End: 0.250, Duration: 0.050},
	})

	var buf bytes.Buffer
	analyzer.WriteTopOps(&buf, 2)
	out := buf.String()

	require.Contains(t, out, "TOP 2 LONGEST OPERATIONS")
	require.Contains(t, out, "Function")
	require.Contains(t, out, "cuInit")
	require.Contains(t, out, "cuMemcpyDtoH_v2")
	require.NotContains(t, out, "cuLaunchKernel")

	// Longest first.
	require.Less(t, strings.Index(out, "cuInit"), strings.Index(out, "cuMemcpyDtoH_v2"))
}

func TestWriteChromeTrace(t *testing.T) {
	analyzer := newMatchedAnalyzer(t, []pipeline.Operation{
		{Name: "cuLaunchKernel", Start: 0.001, End: 0.004, Duration: 0.003},
	})

	var buf bytes.Buffer
	require.NoError(t, analyzer.WriteChromeTrace(&buf))

	var parsed struct {
		TraceEvents []struct {
			Name string  `json:"name"`
			Cat  string  `json:"cat"`
			Ph   string  `json:"ph"`
			TS   float64 `json:"ts"`
			Pid  int     `json:"pid"`
			Tid  int     `json:"tid"`
		} `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))

	require.Len(t, parsed.TraceEvents, 2)

	begin := parsed.TraceEvents[0]
	require.Equal(t, "cuLaunchKernel", begin.Name)
	require.Equal(t, "kernel", begin.Cat)
	require.Equal(t, "B", begin.Ph)
	require.InDelta(t, 1000.0, begin.TS, 1e-6)
	require.Equal(t, 1, begin.Pid)
	require.Equal(t, 1, begin.Tid)

	end := parsed.TraceEvents[1]
	require.Equal(t, "E", end.Ph)
	require.InDelta(t, 4000.0, end.TS, 1e-6)

	// Two-space indentation, loadable but also diffable.
	require.Contains(t, buf.String(), "\n  \"traceEvents\"")
}

func TestWriteFlamegraph(t *testing.T) {
	analyzer := newMatchedAnalyzer(t, []pipeline.Operation{
		{Name: "cuLaunchKernel", Start: 0.010, End: 0.0115, Duration: 0.0015},
		{Name: "cuMemAlloc_v2", Start: 0.001, End: 0.002, Duration: 0.001},
	})

	var buf bytes.Buffer
	require.NoError(t, analyzer.WriteFlamegraph(&buf))

	// Start order, durations folded to whole microseconds.
	require.Equal(t, "CUDA;cuMemAlloc_v2 1000\nCUDA;cuLaunchKernel 1500\n", buf.String())
}
