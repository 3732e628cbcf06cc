package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeEvent(t *testing.T, evt probeEvent) []byte {
	t.Helper()
	data := new(bytes.Buffer)
	err := binary.Write(data, binary.LittleEndian, evt)
	require.NoError(t, err)
	require.Equal(t, 96, data.Len())

	return data.Bytes()
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	dec := json.NewDecoder(buf)
	for dec.More() {
		var evt Event
		require.NoError(t, dec.Decode(&evt))
		events = append(events, evt)
	}

	return events
}

func newTestTracer(echo io.Writer, jsonOut *bytes.Buffer, funcs map[cookie]funcInfo, opts ...TracerOpt) *Tracer {
	tracee := NewTracee()
	tracee.funcs = funcs

	tracer := NewTracer(append([]TracerOpt{
		WithTracerTracee(tracee),
		WithTracerWriter(echo),
	}, opts...)...)
	tracer.writer = NewWriterTo(jsonOut)

	return tracer
}

func TestHandleEvent_EnterVerbose(t *testing.T) {
	var echo, out bytes.Buffer

	ck := NewCookie("cuLaunchKernel")
	tracer := newTestTracer(&echo, &out, map[cookie]funcInfo{
		cookie(ck): {name: "cuLaunchKernel", class: ClassLaunch},
	}, WithTracerVerbose(true))

	// Launch payload: grid 128x1x1, block 256x1x1, 4KiB of shared
	// memory on stream 0x7f3a40000000.
	var data [40]byte
	le := binary.LittleEndian
	le.PutUint32(data[0:4], 128)
	le.PutUint32(data[4:8], 1)
	le.PutUint32(data[8:12], 1)
	le.PutUint32(data[12:16], 256)
	le.PutUint32(data[16:20], 1)
	le.PutUint32(data[20:24], 1)
	le.PutUint32(data[24:28], 4096)
	le.PutUint64(data[32:40], 0x7f3a40000000)

	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 1_000_000,
		OpID:        7,
		Cookie:      ck,
		Pid:         42,
		Tid:         43,
		Kind:        evtKindEnter,
		Depth:       1,
		Data:        data,
	}))

	require.Contains(t, echo.String(), "cuLaunchKernel")
	_, ok := tracer.ack.Load(cookie(ck))
	require.True(t, ok)

	events := decodeLines(t, &out)
	require.Len(t, events, 1)
	evt := events[0]
	require.Equal(t, PhaseBegin, evt.Phase)
	require.Equal(t, CategoryKernel, evt.Category)
	require.Equal(t, "cuLaunchKernel", evt.Name)
	require.Equal(t, uint64(7), evt.OpID)
	require.Equal(t, uint32(42), evt.PID)
	require.Zero(t, evt.TS) // first event anchors the time base.
	require.NotNil(t, evt.Details)
	require.Equal(t, []uint32{128, 1, 1}, evt.Details.Grid)
	require.Equal(t, []uint32{256, 1, 1}, evt.Details.Block)
	require.Equal(t, uint32(4096), evt.Details.SharedMem)
	require.Equal(t, "0x7f3a40000000", evt.Details.Stream)
	require.Equal(t, uint32(128*256), evt.Details.TotalThreads)
}

func TestHandleEvent_CopyExit(t *testing.T) {
	var echo, out bytes.Buffer

	ck := NewCookie("cuMemcpyHtoD_v2")
	tracer := newTestTracer(&echo, &out, map[cookie]funcInfo{
		cookie(ck): {name: "cuMemcpyHtoD_v2", class: ClassCopyHtoD},
	})

	var data [40]byte
	le := binary.LittleEndian
	le.PutUint64(data[0:8], 1<<20) // one MiB
	le.PutUint32(data[8:12], 1)    // host to device

	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 1_000_000,
		OpID:        3,
		Cookie:      ck,
		Kind:        evtKindEnter,
		Depth:       1,
		Data:        data,
	}))
	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 1_500_000,
		OpID:        3,
		Cookie:      ck,
		Kind:        evtKindExit,
		Depth:       1,
		DurNs:       500_000,
		Data:        data,
	}))

	events := decodeLines(t, &out)
	require.Len(t, events, 2)

	exit := events[1]
	require.Equal(t, PhaseEnd, exit.Phase)
	require.Equal(t, CategoryTransfer, exit.Category)
	require.InDelta(t, 0.0005, float64(exit.TS), 1e-9)
	require.NotNil(t, exit.Details)
	require.Equal(t, uint64(1<<20), exit.Details.Size)
	require.Equal(t, DirectionHostToDevice, exit.Details.Direction)
	require.Equal(t, 500.0, exit.Details.DurationUs)
	require.InDelta(t, float64(1<<20)/500_000, exit.Details.BandwidthGbps, 1e-9)
	require.NotNil(t, exit.Details.Status)
	require.Zero(t, *exit.Details.Status)

	v, ok := tracer.stats.Load(cookie(ck))
	require.True(t, ok)
	st := v.(*funcStats)
	require.Equal(t, uint64(1), atomic.LoadUint64(&st.calls))
	require.Equal(t, uint64(500_000), atomic.LoadUint64(&st.totalNs))
}

func TestHandleEvent_UnknownCookieDropped(t *testing.T) {
	var echo, out bytes.Buffer

	tracer := newTestTracer(&echo, &out, map[cookie]funcInfo{})

	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 1,
		Cookie:      0xdead,
		Kind:        evtKindEnter,
	}))

	require.Zero(t, out.Len())
	require.Zero(t, tracer.writer.Count())
}

func TestHandleEvent_IoctlPidFilter(t *testing.T) {
	var echo, out bytes.Buffer

	tracer := newTestTracer(&echo, &out, map[cookie]funcInfo{}, WithTracerPid(7))

	var data [40]byte
	binary.LittleEndian.PutUint64(data[0:8], 0xc020462a)

	// Foreign process, filtered out.
	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 1,
		Pid:         9,
		Kind:        evtKindIoctlEnter,
		Data:        data,
	}))
	require.Zero(t, out.Len())

	tracer.handleEvent(encodeEvent(t, probeEvent{
		TimestampNs: 2,
		OpID:        1,
		Pid:         7,
		Kind:        evtKindIoctlEnter,
		Data:        data,
	}))

	events := decodeLines(t, &out)
	require.Len(t, events, 1)
	evt := events[0]
	require.Equal(t, "nvidia_ioctl", evt.Name)
	require.Equal(t, CategoryIoctl, evt.Category)
	require.Equal(t, PhaseBegin, evt.Phase)
	require.NotNil(t, evt.Details)
	require.NotNil(t, evt.Details.Flags)
	require.Equal(t, uint32(0xc020462a), *evt.Details.Flags)
}

func TestBuildReport(t *testing.T) {
	var echo, out bytes.Buffer

	ckAlloc := NewCookie("cuMemAlloc_v2")
	ckLaunch := NewCookie("cuLaunchKernel")
	tracer := newTestTracer(&echo, &out, map[cookie]funcInfo{
		cookie(ckAlloc):  {name: "cuMemAlloc_v2", class: ClassAlloc},
		cookie(ckLaunch): {name: "cuLaunchKernel", class: ClassLaunch},
	})

	tracer.ack.Store(cookie(ckAlloc), struct{}{})
	tracer.ack.Store(cookie(ckLaunch), struct{}{})
	tracer.stats.Store(cookie(ckAlloc), &funcStats{calls: 2, totalNs: 10_000})
	tracer.stats.Store(cookie(ckLaunch), &funcStats{calls: 1, totalNs: 40_000})

	report := tracer.buildReport()
	require.Equal(t, 2, report.FuncsTraced)
	require.Equal(t, 2, report.FuncsHit)
	require.Len(t, report.Funcs, 2)

	// Sorted by cumulative time, busiest first.
	require.Equal(t, "cuLaunchKernel", report.Funcs[0].Name)
	require.Equal(t, 40.0, report.Funcs[0].TotalUs)
	require.Equal(t, 40.0, report.Funcs[0].AvgUs)
	require.Equal(t, "cuMemAlloc_v2", report.Funcs[1].Name)
	require.Equal(t, uint64(2), report.Funcs[1].Calls)
	require.Equal(t, 5.0, report.Funcs[1].AvgUs)
}
