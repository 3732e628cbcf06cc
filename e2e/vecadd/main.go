// Command vecadd simulates a CUDA vector-add workload for end-to-end
// runs without a GPU: it performs the addition on the CPU and appends
// the driver API calls a hooked run would record to the file named by
// the CUDA_TRACE_FILE environment variable.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const vectorLen = 1 << 20

// seconds marshals with nine decimal digits like the hook library.
type seconds float64

func (s seconds) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(s), 'f', 9, 64), nil
}

type details struct {
	Size          uint64   `json:"size,omitempty"`
	Direction     string   `json:"direction,omitempty"`
	BandwidthGbps float64  `json:"bandwidth_gbps,omitempty"`
	Grid          []uint32 `json:"grid,omitempty"`
	Block         []uint32 `json:"block,omitempty"`
	DurationUs    float64  `json:"duration_us,omitempty"`
	Status        *int32   `json:"status,omitempty"`
}

type event struct {
	TS       seconds  `json:"ts"`
	OpID     uint64   `json:"op_id"`
	PID      uint32   `json:"pid,omitempty"`
	Depth    int      `json:"depth"`
	Phase    string   `json:"phase"`
	Category string   `json:"category"`
	Name     string   `json:"name"`
	Details  *details `json:"details,omitempty"`
}

type recorder struct {
	enc  *json.Encoder
	pid  uint32
	opID uint64
}

// call brackets a simulated driver call with a begin and an end event,
// sleeping for the given latency in between. The begin event carries
// the argument details, the end event status and duration.
func (r *recorder) call(name, category string, latency time.Duration, d *details) {
	r.opID++
	begin := time.Now()
	r.enc.Encode(event{
		TS:       seconds(float64(begin.UnixNano()) / 1e9),
		OpID:     r.opID,
		PID:      r.pid,
		Phase:    "B",
		Category: category,
		Name:     name,
		Details:  d,
	})

	time.Sleep(latency)

	end := time.Now()
	elapsed := end.Sub(begin)
	success := int32(0)
	ed := &details{DurationUs: float64(elapsed.Microseconds()), Status: &success}
	if d != nil && d.Direction != "" {
		ed.Size = d.Size
		ed.Direction = d.Direction
		ed.BandwidthGbps = float64(d.Size) / elapsed.Seconds() / 1e9
	}
	r.enc.Encode(event{
		TS:       seconds(float64(end.UnixNano()) / 1e9),
		OpID:     r.opID,
		PID:      r.pid,
		Phase:    "E",
		Category: category,
		Name:     name,
		Details:  ed,
	})
}

func main() {
	path := os.Getenv("CUDA_TRACE_FILE")
	if path == "" {
		fmt.Fprintln(os.Stderr, "CUDA_TRACE_FILE not set")
		os.Exit(1)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	r := &recorder{enc: json.NewEncoder(f), pid: uint32(os.Getpid())}
	bytes := uint64(vectorLen * 4)

	a := make([]float32, vectorLen)
	b := make([]float32, vectorLen)
	c := make([]float32, vectorLen)
	for i := range a {
		a[i] = float32(i)
		b[i] = float32(vectorLen - i)
	}

	r.call("cuInit", "init", 2*time.Millisecond, nil)
	r.call("cuDeviceGet", "device", 100*time.Microsecond, nil)
	r.call("cuCtxCreate", "context", 5*time.Millisecond, nil)
	for i := 0; i < 3; i++ {
		r.call("cuMemAlloc", "memory", 200*time.Microsecond, &details{Size: bytes})
	}
	r.call("cuMemcpyHtoD", "transfer", time.Millisecond, &details{Size: bytes, Direction: "host_to_device"})
	r.call("cuMemcpyHtoD", "transfer", time.Millisecond, &details{Size: bytes, Direction: "host_to_device"})
	r.call("cuLaunchKernel", "kernel", 50*time.Microsecond, &details{
		Grid:  []uint32{vectorLen / 256, 1, 1},
		Block: []uint32{256, 1, 1},
	})

	// The actual work the kernel launch stands in for.
	for i := range c {
		c[i] = a[i] + b[i]
	}

	r.call("cuCtxSynchronize", "sync", 3*time.Millisecond, nil)
	r.call("cuMemcpyDtoH", "transfer", time.Millisecond, &details{Size: bytes, Direction: "device_to_host"})
	for i := 0; i < 3; i++ {
		r.call("cuMemFree", "memory", 100*time.Microsecond, nil)
	}
	r.call("cuCtxDestroy", "context", 2*time.Millisecond, nil)

	fmt.Printf("vecadd: %d elements, c[0]=%g c[last]=%g\n", vectorLen, c[0], c[vectorLen-1])
}
