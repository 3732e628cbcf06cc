package trace

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maxgio92/cutrace/internal/settings"
	"github.com/maxgio92/cutrace/internal/utils"
	"github.com/maxgio92/cutrace/pkg/healthcheck"
	"github.com/maxgio92/cutrace/pkg/probe"
)

const (
	ReportFileName      = "cutrace-report.json"
	HealthCheckSockPath = settings.SockFile
)

// Event kinds produced by the BPF programs.
const (
	evtKindEnter uint32 = iota + 1
	evtKindExit
	evtKindIoctlEnter
	evtKindIoctlExit
)

// probeEvent mirrors struct event in bpf/cutrace.bpf.c.
type probeEvent struct {
	TimestampNs uint64
	OpID        uint64
	Cookie      uint64
	Pid         uint32
	Tid         uint32
	Kind        uint32
	Depth       uint32
	Status      int32
	_           uint32
	DurNs       uint64
	Data        [40]byte
}

type funcStats struct {
	calls   uint64
	totalNs uint64
}

// Tracer drives a CUDA trace session: it attaches the BPF probes to
// the functions the Tracee resolved, consumes the event ring buffer
// and writes one JSONL record per call phase.
type Tracer struct {
	probe  *probe.Probe
	writer *Writer
	health *healthcheck.HealthCheckServer

	// ack tracks the functions hit at least once, stats the per
	// function call counts and cumulative durations.
	ack      sync.Map
	stats    sync.Map
	consumed uint64

	// tsBase is the kernel timestamp of the first event, trace
	// timestamps are relative to it.
	tsBase   uint64
	ioctlSym string

	*TracerOptions
}

func NewTracer(opts ...TracerOpt) *Tracer {
	tracer := &Tracer{
		TracerOptions: &TracerOptions{
			pid: -1,
			out: os.Stdout,
		},
	}
	for _, opt := range opts {
		opt(tracer)
	}

	return tracer
}

func (t *Tracer) Init(ctx context.Context) error {
	if t.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		t.logger = &logger
	}
	if t.tracee == nil {
		return ErrTraceeNil
	}
	if err := t.tracee.Init(); err != nil {
		return errors.Wrap(err, "failed to init tracee")
	}

	t.probe = probe.NewProbe(
		probe.WithLogger(t.logger),
		probe.WithPath(t.probePath),
	)
	if err := t.probe.Init(ctx); err != nil {
		return errors.Wrap(err, "failed to init probe")
	}

	if t.outputPath == "" {
		t.outputPath = DefaultTraceFile
	}
	var err error
	t.writer, err = NewWriter(t.outputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open trace output %s", t.outputPath)
	}

	return nil
}

func (t *Tracer) Run(ctx context.Context) error {
	if t.tracee == nil {
		return ErrTraceeNil
	}
	if t.tracee.LibPath() == "" {
		return ErrTraceeLibPathEmpty
	}
	offsets := t.tracee.FuncOffsets()
	cookies := t.tracee.FuncCookies()
	if len(offsets) == 0 {
		return ErrTraceeFuncListEmpty
	}

	t.health = healthcheck.NewHealthCheckServer(HealthCheckSockPath, *t.logger)
	if err := t.health.InitializeListener(ctx); err != nil {
		return errors.Wrap(err, "failed to start healthcheck listener")
	}
	defer t.health.ShutdownListener()

	if err := t.probe.Attach(ctx, t.pid, t.tracee.LibPath(), offsets, cookies); err != nil {
		return err
	}
	exits := t.probe.AttachExit(ctx, t.pid, t.tracee.LibPath(), offsets)
	t.logger.Info().
		Int("functions", len(offsets)).
		Int("uretprobes", exits).
		Str("lib_path", t.tracee.LibPath()).
		Msg("attached probes")

	if t.kernel {
		t.ioctlSym = t.probe.AttachKprobes(ctx)
		if t.ioctlSym == "" {
			t.logger.Warn().Msg("kernel ioctl tracing requested but no NVIDIA ioctl symbol could be hooked")
		} else {
			t.logger.Info().Str("symbol", t.ioctlSym).Msg("attached kernel ioctl probes")
		}
	}

	evtCh, err := t.probe.InitEventBuf(ctx)
	if err != nil {
		return err
	}
	defer t.probe.CloseEventBuf()
	t.probe.PollEventBuf()

	// The probes are in place, unblock `cutrace wait` clients.
	t.health.NotifyReadiness()
	t.logger.Info().Str("output", t.outputPath).Msg("tracing, hit CTRL+C to stop")

	go t.printStatusBar(ctx, evtCh)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case data, ok := <-evtCh:
				if !ok {
					return nil
				}
				t.handleEvent(data)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return t.finalize()
}

func (t *Tracer) handleEvent(data []byte) {
	var evt probeEvent
	if err := binary.Read(bytes.NewBuffer(data), binary.LittleEndian, &evt); err != nil {
		t.logger.Err(err).Msg("failed to read event")
		return
	}
	atomic.AddUint64(&t.consumed, 1)

	if t.tsBase == 0 {
		t.tsBase = evt.TimestampNs
	}
	ts := float64(evt.TimestampNs-t.tsBase) / 1e9

	switch evt.Kind {
	case evtKindEnter, evtKindExit:
		t.handleCallEvent(ts, &evt)
	case evtKindIoctlEnter, evtKindIoctlExit:
		t.handleIoctlEvent(ts, &evt)
	default:
		t.logger.Debug().Uint32("kind", evt.Kind).Msg("unknown event kind")
	}
}

func (t *Tracer) handleCallEvent(ts float64, evt *probeEvent) {
	name, ok := t.tracee.LookupName(evt.Cookie)
	if !ok {
		t.logger.Debug().Err(ErrFuncNotFoundForCookie).Uint64("cookie", evt.Cookie).Msg("dropping event")
		return
	}

	event := &Event{
		TS:       Seconds(ts),
		OpID:     evt.OpID,
		PID:      evt.Pid,
		TID:      evt.Tid,
		Depth:    int(evt.Depth),
		Name:     name,
		Category: CategoryForCall(name),
	}

	class := ArgClass(evt.Cookie)
	if evt.Kind == evtKindEnter {
		event.Phase = PhaseBegin
		event.Details = enterDetails(class, evt)
		if _, seen := t.ack.LoadOrStore(cookie(evt.Cookie), struct{}{}); !seen && t.verbose {
			fmt.Fprintln(t.out, name)
		}
	} else {
		event.Phase = PhaseEnd
		event.Details = exitDetails(class, evt)
		t.updateStats(evt)
	}

	if err := t.writer.WriteEvent(event); err != nil {
		t.logger.Err(err).Msg("failed to write event")
	}
}

func (t *Tracer) handleIoctlEvent(ts float64, evt *probeEvent) {
	// Kernel probes see every process, the PID filter applies here.
	if t.pid > 0 && evt.Pid != uint32(t.pid) {
		return
	}

	name := t.ioctlSym
	if name == "" {
		name = "nvidia_ioctl"
	}
	event := &Event{
		TS:       Seconds(ts),
		OpID:     evt.OpID,
		PID:      evt.Pid,
		TID:      evt.Tid,
		Name:     name,
		Category: CategoryIoctl,
	}

	if evt.Kind == evtKindIoctlEnter {
		event.Phase = PhaseBegin
		cmd := uint32(binary.LittleEndian.Uint64(evt.Data[0:8]))
		event.Details = &Details{Flags: &cmd}
	} else {
		event.Phase = PhaseEnd
		event.Details = &Details{Status: &evt.Status}
	}

	if err := t.writer.WriteEvent(event); err != nil {
		t.logger.Err(err).Msg("failed to write event")
	}
}

func (t *Tracer) updateStats(evt *probeEvent) {
	v, _ := t.stats.LoadOrStore(cookie(evt.Cookie), &funcStats{})
	st := v.(*funcStats)
	atomic.AddUint64(&st.calls, 1)
	atomic.AddUint64(&st.totalNs, evt.DurNs)
}

func (t *Tracer) finalize() error {
	if err := t.writer.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("failed to close trace output")
	}
	t.logger.Info().
		Uint64("events", t.writer.Count()).
		Int("functions_hit", utils.LenSyncMap(&t.ack)).
		Msg("trace complete")

	if !t.report {
		return nil
	}
	f, err := os.Create(ReportFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create report file %s", ReportFileName)
	}
	defer f.Close()
	if err := t.buildReport().WriteReport(f); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	t.logger.Info().Str("path", ReportFileName).Msg("report written")

	return nil
}

func (t *Tracer) buildReport() *TraceReport {
	funcs := make([]FuncStat, 0)
	t.stats.Range(func(k, v any) bool {
		ck := k.(cookie)
		st := v.(*funcStats)
		name, ok := t.tracee.LookupName(uint64(ck))
		if !ok {
			return true
		}
		calls := atomic.LoadUint64(&st.calls)
		stat := FuncStat{
			Name:    name,
			Calls:   calls,
			TotalUs: float64(atomic.LoadUint64(&st.totalNs)) / 1e3,
		}
		if calls > 0 {
			stat.AvgUs = stat.TotalUs / float64(calls)
		}
		funcs = append(funcs, stat)
		return true
	})
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].TotalUs > funcs[j].TotalUs })

	return NewReport(
		WithReportLibPath(t.tracee.LibPath()),
		WithReportFuncsTraced(t.tracee.FuncCount()),
		WithReportFuncsHit(utils.LenSyncMap(&t.ack)),
		WithReportEvents(t.writer.Count()),
		WithReportFuncs(funcs),
	)
}

// enterDetails decodes the argument payload the entry probe captured
// for the function's capture class.
func enterDetails(class uint8, evt *probeEvent) *Details {
	le := binary.LittleEndian
	switch class {
	case ClassAlloc:
		return &Details{Size: le.Uint64(evt.Data[0:8])}
	case ClassCopyHtoD, ClassCopyDtoH, ClassCopyDtoD:
		return &Details{
			Size:      le.Uint64(evt.Data[0:8]),
			Direction: DirectionString(le.Uint32(evt.Data[8:12])),
		}
	case ClassLaunch:
		grid := []uint32{le.Uint32(evt.Data[0:4]), le.Uint32(evt.Data[4:8]), le.Uint32(evt.Data[8:12])}
		block := []uint32{le.Uint32(evt.Data[12:16]), le.Uint32(evt.Data[16:20]), le.Uint32(evt.Data[20:24])}
		return &Details{
			Grid:         grid,
			Block:        block,
			SharedMem:    le.Uint32(evt.Data[24:28]),
			Stream:       utils.HexPtr(le.Uint64(evt.Data[32:40])),
			TotalThreads: grid[0] * grid[1] * grid[2] * block[0] * block[1] * block[2],
		}
	default:
		return nil
	}
}

// exitDetails echoes the entry payload and adds the return status, the
// call duration and, for copies, the reached bandwidth.
func exitDetails(class uint8, evt *probeEvent) *Details {
	details := enterDetails(class, evt)
	if details == nil {
		details = new(Details)
	}
	details.Status = &evt.Status
	details.DurationUs = float64(evt.DurNs) / 1e3

	switch class {
	case ClassCopyHtoD, ClassCopyDtoH, ClassCopyDtoD:
		// Bytes per nanosecond happens to be gigabytes per second.
		if evt.DurNs > 0 {
			details.BandwidthGbps = float64(details.Size) / float64(evt.DurNs)
		}
	}

	return details
}
