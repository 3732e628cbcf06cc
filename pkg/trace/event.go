package trace

import (
	"strconv"
	"strings"
)

const (
	// PhaseBegin and PhaseEnd mark the two halves of a traced call,
	// paired by OpID.
	PhaseBegin = "B"
	PhaseEnd   = "E"
)

// Memcpy directions as emitted in event details.
const (
	DirectionHostToDevice   = "host_to_device"
	DirectionDeviceToHost   = "device_to_host"
	DirectionDeviceToDevice = "device_to_device"
)

// Seconds is a timestamp in seconds. It marshals with nine decimal
// digits, the format the LD_PRELOAD hook writes.
type Seconds float64

func (s Seconds) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(s), 'f', 9, 64), nil
}

// Event is one JSONL trace record. Begin and end events of the same call
// share an OpID; Name is always set.
type Event struct {
	TS       Seconds  `json:"ts"`
	OpID     uint64   `json:"op_id"`
	PID      uint32   `json:"pid,omitempty"`
	TID      uint32   `json:"tid,omitempty"`
	Depth    int      `json:"depth"`
	Phase    string   `json:"phase"`
	Category string   `json:"category"`
	Name     string   `json:"name"`
	Details  *Details `json:"details,omitempty"`
}

// Details carries per-call arguments and results. Which fields are set
// depends on the function and on the phase: sizes and dimensions are
// known at begin time, status and duration only at end time.
type Details struct {
	Size          uint64   `json:"size,omitempty"`
	Ptr           string   `json:"ptr,omitempty"`
	Dst           string   `json:"dst,omitempty"`
	Src           string   `json:"src,omitempty"`
	Direction     string   `json:"direction,omitempty"`
	BandwidthGbps float64  `json:"bandwidth_gbps,omitempty"`
	Grid          []uint32 `json:"grid,omitempty"`
	Block         []uint32 `json:"block,omitempty"`
	SharedMem     uint32   `json:"shared_mem,omitempty"`
	Stream        string   `json:"stream,omitempty"`
	TotalThreads  uint32   `json:"total_threads,omitempty"`
	DurationUs    float64  `json:"duration_us,omitempty"`
	Flags         *uint32  `json:"flags,omitempty"`
	Ordinal       *int     `json:"ordinal,omitempty"`

	// Status is the CUresult of the call. CUDA_SUCCESS is 0, so a
	// pointer keeps it from being dropped on end events.
	Status *int32 `json:"status,omitempty"`
}

// Emitter-side event categories, matching the vocabulary of the
// LD_PRELOAD hook library.
const (
	CategoryInit     = "init"
	CategoryDevice   = "device"
	CategoryMemory   = "memory"
	CategoryTransfer = "transfer"
	CategoryKernel   = "kernel"
	CategorySync     = "sync"
	CategoryContext  = "context"
	CategoryStream   = "stream"
	CategoryModule   = "module"
	CategoryIoctl    = "ioctl"
	CategoryOther    = "other"
)

// CategoryForCall classifies a CUDA driver API function by name.
// Synchronize is checked first so that cuCtxSynchronize and
// cuStreamSynchronize land in sync rather than context or stream.
func CategoryForCall(name string) string {
	switch {
	case strings.Contains(name, "Synchronize"):
		return CategorySync
	case strings.Contains(name, "Memcpy"):
		return CategoryTransfer
	case strings.Contains(name, "Mem"):
		return CategoryMemory
	case strings.Contains(name, "Launch"):
		return CategoryKernel
	case strings.Contains(name, "Ctx"):
		return CategoryContext
	case strings.Contains(name, "Stream"):
		return CategoryStream
	case strings.Contains(name, "Module"):
		return CategoryModule
	case strings.Contains(name, "Init"):
		return CategoryInit
	case strings.Contains(name, "Device"):
		return CategoryDevice
	default:
		return CategoryOther
	}
}

// DirectionString maps the on-wire memcpy direction codes to the
// names used in event details.
func DirectionString(dir uint32) string {
	switch dir {
	case 1:
		return DirectionHostToDevice
	case 2:
		return DirectionDeviceToHost
	case 3:
		return DirectionDeviceToDevice
	default:
		return ""
	}
}
