package trace

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	// DefaultTraceFile is where collectors write when no output path is
	// given. The LD_PRELOAD hook library uses the same default.
	DefaultTraceFile = "cuda_trace.jsonl"

	// ZstdExt marks trace files that are zstd-compressed JSONL.
	ZstdExt = ".zst"
)

// Writer encodes events as JSON Lines. Outputs whose path ends in .zst
// are compressed transparently. Writer is safe for use by a single
// goroutine only; the tracer funnels all events through one consumer.
type Writer struct {
	w     io.Writer
	zw    *zstd.Encoder
	file  *os.File
	enc   *json.Encoder
	count uint64

	mu sync.Mutex
}

// NewWriter opens path for writing, truncating any previous trace.
// The path "-" selects standard output.
func NewWriter(path string) (*Writer, error) {
	tw := new(Writer)

	switch {
	case path == "-":
		tw.w = os.Stdout
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create trace file %s", path)
		}
		tw.file = f
		tw.w = f
	}

	if strings.HasSuffix(path, ZstdExt) {
		zw, err := zstd.NewWriter(tw.w)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd writer")
		}
		tw.zw = zw
		tw.w = zw
	}

	tw.enc = json.NewEncoder(tw.w)

	return tw, nil
}

// NewWriterTo wraps an existing writer, for tests and in-memory use.
func NewWriterTo(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w)}
}

func (w *Writer) WriteEvent(evt *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(evt); err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	w.count++

	return nil
}

// Count returns the number of events written so far.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.count
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return errors.Wrap(err, "failed to close zstd writer")
		}
	}
	if w.file != nil {
		return w.file.Close()
	}

	return nil
}

// OpenTrace opens a trace file for reading, decompressing .zst inputs.
// The returned closer must be closed by the caller.
func OpenTrace(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open trace file %s", path)
	}

	if strings.HasSuffix(path, ZstdExt) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, errors.Wrap(err, "failed to create zstd reader")
		}
		return zr.IOReadCloser(), f, nil
	}

	return f, f, nil
}
