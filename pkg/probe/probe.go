package probe

import (
	"context"
	"os"
	"path/filepath"

	bpf "github.com/maxgio92/libbpfgo"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

const (
	// ProbeName is the compiled BPF object file name, installed next to
	// the cutrace binary by default.
	ProbeName = "cutrace.bpf.o"

	ProgEntry      = "handle_cuda_call"
	ProgExit       = "handle_cuda_ret"
	ProgIoctlEntry = "handle_nvidia_ioctl"
	ProgIoctlExit  = "handle_nvidia_ioctl_ret"

	EventsChBufSize       = 4096
	evtRingBufBPFMapName  = "events"
	evtRingBufPollTimeout = 60
)

// nvidiaIoctlSyms are the kernel entry points of the NVIDIA driver, in
// probe order. Which one exists depends on the driver generation.
var nvidiaIoctlSyms = []string{"nvidia_ioctl", "nv_ioctl"}

type Probe struct {
	Name string
	path string
	data []byte

	bpfMod       *bpf.Module
	bpfProgEntry *bpf.BPFProg
	bpfProgExit  *bpf.BPFProg

	EvtBuf *bpf.RingBuffer

	logger *log.Logger
}

type Option func(p *Probe)

func WithLogger(logger *log.Logger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithPath overrides the BPF object file path.
func WithPath(path string) Option {
	return func(p *Probe) {
		p.path = path
	}
}

func NewProbe(opts ...Option) *Probe {
	p := new(Probe)
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// DefaultPath returns the BPF object path next to the running binary.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ProbeName
	}

	return filepath.Join(filepath.Dir(exe), ProbeName)
}

func (p *Probe) Data() []byte {
	return p.data
}

func (p *Probe) Init(_ context.Context) error {
	if p.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		p.logger = &logger
	}
	if p.path == "" {
		p.path = DefaultPath()
	}
	p.Name = filepath.Base(p.path)
	p.configureBPFLogger()

	var err error
	p.data, err = os.ReadFile(p.path)
	if err != nil {
		return errors.Wrap(err, "error reading bpf program file")
	}

	p.bpfMod, err = bpf.NewModuleFromBuffer(p.Data(), p.Name)
	if err != nil {
		return errors.Wrapf(err, "failed to load bpf module: %s", p.Name)
	}

	p.bpfProgEntry, err = p.bpfMod.GetProgram(ProgEntry)
	if err != nil {
		return errors.Wrapf(err, "failed to get bpf program: %s", ProgEntry)
	}

	if err := p.bpfProgEntry.SetExpectedAttachType(bpf.BPFAttachTypeTraceUprobeMulti); err != nil {
		return errors.Wrapf(err, "failed to set expected attach type %s", bpf.BPFAttachTypeTraceUprobeMulti)
	}

	p.bpfProgExit, err = p.bpfMod.GetProgram(ProgExit)
	if err != nil {
		return errors.Wrapf(err, "failed to get bpf program: %s", ProgExit)
	}

	if err := p.bpfMod.BPFLoadObject(); err != nil {
		return errors.Wrapf(err, "failed to load bpf module %s", p.Name)
	}

	return nil
}

func (p *Probe) configureBPFLogger() {
	bpf.SetLoggerCbs(bpf.Callbacks{
		Log: func(level int, msg string) {
			if level == bpf.LibbpfWarnLevel {
				// TODO: filter for specific attach failures.
				p.logger.Debug().Msgf("libbpf warning: %s", msg)
			}
		},
	})
}

// Attach registers the entry program on every function in a single
// multi-uprobe link, pairing offsets and cookies by index. A positive
// pid scopes the probes to that process, -1 traces all of them.
func (p *Probe) Attach(_ context.Context, pid int, libPath string, offsets, cookies []uint64) error {
	if _, err := p.bpfProgEntry.AttachUprobeMulti(pid, libPath, offsets, cookies); err != nil {
		return errors.Wrapf(err, "error attaching uprobes to %s", libPath)
	}

	return nil
}

// AttachExit registers the return program one offset at a time, as
// multi-uprobe links do not deliver cookies on function return. Attach
// failures on individual functions are skipped. It returns the number
// of functions attached.
func (p *Probe) AttachExit(_ context.Context, pid int, libPath string, offsets []uint64) int {
	var attached int
	for _, offset := range offsets {
		if _, err := p.bpfProgExit.AttachURetprobe(pid, libPath, uint32(offset)); err != nil {
			p.logger.Debug().Err(err).Uint64("offset", offset).Msg("error attaching uretprobe")
			continue
		}
		attached++
	}

	return attached
}

// AttachKprobes hooks the NVIDIA driver ioctl entry point, trying each
// known symbol name and stopping at the first that attaches. It returns
// the symbol hooked, empty when the driver is not loaded.
func (p *Probe) AttachKprobes(_ context.Context) string {
	progEntry, err := p.bpfMod.GetProgram(ProgIoctlEntry)
	if err != nil {
		p.logger.Warn().Err(err).Msg("kernel ioctl programs not found in bpf object")
		return ""
	}
	progExit, err := p.bpfMod.GetProgram(ProgIoctlExit)
	if err != nil {
		p.logger.Warn().Err(err).Msg("kernel ioctl programs not found in bpf object")
		return ""
	}

	for _, sym := range nvidiaIoctlSyms {
		if _, err := progEntry.AttachKprobe(sym); err != nil {
			p.logger.Debug().Err(err).Str("symbol", sym).Msg("error attaching kprobe")
			continue
		}
		if _, err := progExit.AttachKretprobe(sym); err != nil {
			p.logger.Debug().Err(err).Str("symbol", sym).Msg("error attaching kretprobe")
		}

		return sym
	}

	return ""
}

func (p *Probe) InitEventBuf(ctx context.Context) (chan []byte, error) {
	var err error

	events := make(chan []byte, EventsChBufSize)

	p.EvtBuf, err = p.bpfMod.InitRingBuf(evtRingBufBPFMapName, events)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing ring buffer %s", evtRingBufBPFMapName)
	}

	return events, nil
}

// PollEventBuf runs libbpf ring_buffer__poll() on the probe events ring
// buffer.
// PollEventBuf must be called out of a thread-locked goroutine,
// hence after InitEventBuf that calls libbpfgo InitRingBuffer().
// CGO goroutine thread-locked cannot use blocking operations like send
// to channel. Go runtime locks the goroutine to the thread when receiving
// the callback from C.
func (p *Probe) PollEventBuf() {
	p.EvtBuf.Poll(evtRingBufPollTimeout)
}

func (p *Probe) CloseEventBuf() {
	p.EvtBuf.Close()
}
