package trace_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/cutrace/pkg/trace"
)

func TestCategoryForCall(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"cuInit", trace.CategoryInit},
		{"cuDeviceGet", trace.CategoryDevice},
		{"cuMemAlloc", trace.CategoryMemory},
		{"cuMemAlloc_v2", trace.CategoryMemory},
		{"cuMemFree", trace.CategoryMemory},
		{"cuMemcpyHtoD", trace.CategoryTransfer},
		{"cuMemcpyDtoH_v2", trace.CategoryTransfer},
		{"cuLaunchKernel", trace.CategoryKernel},
		{"cuCtxCreate", trace.CategoryContext},
		{"cuCtxSynchronize", trace.CategorySync},
		{"cuStreamCreate", trace.CategoryStream},
		{"cuStreamSynchronize", trace.CategorySync},
		{"cuModuleLoad", trace.CategoryModule},
		{"cuGetErrorString", trace.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, trace.CategoryForCall(tt.name))
		})
	}
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, trace.DirectionHostToDevice, trace.DirectionString(1))
	require.Equal(t, trace.DirectionDeviceToHost, trace.DirectionString(2))
	require.Equal(t, trace.DirectionDeviceToDevice, trace.DirectionString(3))
	require.Empty(t, trace.DirectionString(0))
}

func TestEventJSONRoundTrip(t *testing.T) {
	status := int32(0)
	evt := &trace.Event{
		TS:       0.001234567,
		OpID:     42,
		PID:      1000,
		TID:      1001,
		Depth:    1,
		Phase:    trace.PhaseEnd,
		Category: trace.CategoryTransfer,
		Name:     "cuMemcpyHtoD",
		Details: &trace.Details{
			Size:          1 << 20,
			Direction:     trace.DirectionHostToDevice,
			BandwidthGbps: 12.5,
			DurationUs:    83.2,
			Status:        &status,
		},
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	// CUDA_SUCCESS must survive encoding even though it is zero.
	require.Contains(t, string(data), `"status":0`)
	require.Contains(t, string(data), `"name":"cuMemcpyHtoD"`)

	var parsed trace.Event
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, evt.OpID, parsed.OpID)
	require.Equal(t, evt.Details.Size, parsed.Details.Size)
	require.NotNil(t, parsed.Details.Status)
	require.Equal(t, status, *parsed.Details.Status)
}

func TestEventDetailsOmitted(t *testing.T) {
	evt := &trace.Event{
		TS:       0,
		OpID:     1,
		Phase:    trace.PhaseBegin,
		Category: trace.CategorySync,
		Name:     "cuCtxSynchronize",
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NotContains(t, string(data), "details")
}

func TestWriterJSONL(t *testing.T) {
	var buf bytes.Buffer
	w := trace.NewWriterTo(&buf)

	for i := 0; i < 3; i++ {
		err := w.WriteEvent(&trace.Event{
			OpID:     uint64(i),
			Phase:    trace.PhaseBegin,
			Category: trace.CategoryKernel,
			Name:     "cuLaunchKernel",
		})
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), w.Count())

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		var evt trace.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		require.Equal(t, "cuLaunchKernel", evt.Name)
		lines++
	}
	require.Equal(t, 3, lines)
}

func TestWriterZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tracePath := path.Join(dir, "trace.jsonl.zst")

	w, err := trace.NewWriter(tracePath)
	require.NoError(t, err)

	err = w.WriteEvent(&trace.Event{
		OpID:     7,
		Phase:    trace.PhaseBegin,
		Category: trace.CategoryMemory,
		Name:     "cuMemAlloc",
		Details:  &trace.Details{Size: 4096},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, closer, err := trace.OpenTrace(tracePath)
	require.NoError(t, err)
	defer closer.Close()

	scanner := bufio.NewScanner(r)
	require.True(t, scanner.Scan())

	var evt trace.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
	require.Equal(t, uint64(7), evt.OpID)
	require.Equal(t, uint64(4096), evt.Details.Size)
	require.False(t, scanner.Scan())
}

func TestOpenTraceMissingFile(t *testing.T) {
	_, _, err := trace.OpenTrace(path.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}
