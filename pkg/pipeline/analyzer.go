package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/maxgio92/cutrace/pkg/trace"
)

// Analyzer categories. The vocabulary is the analysis-side one: the
// classifier works on function names only, whatever category the
// collector put on the wire.
const (
	CategoryInit       = "init"
	CategoryMemoryMgmt = "memory_mgmt"
	CategoryTransfer   = "transfer"
	CategoryKernel     = "kernel"
	CategorySync       = "sync"
	CategoryContext    = "context"
	CategoryStream     = "stream"
	CategoryModule     = "module"
	CategoryOther      = "other"
)

// Operation is a begin/end pair matched into one completed call.
// Details carries the end event's details object verbatim.
type Operation struct {
	Name     string
	Start    float64
	End      float64
	Duration float64
	Depth    int
	Details  json.RawMessage
}

// traceEvent is one parsed trace line. Missing fields take the same
// defaults as missing keys in the emitters: ts 0, name unknown,
// phase B, depth 0. Events without an op_id all share the -1 key.
type traceEvent struct {
	ts      float64
	name    string
	phase   string
	opID    int64
	depth   int
	details []byte
}

// Analyzer loads a JSONL trace, pairs begin and end events by op_id
// and groups the resulting operations by category.
type Analyzer struct {
	events []traceEvent

	// Ops holds the matched operations in completion order.
	Ops []Operation
	// Categories groups the matched operations by category name.
	Categories map[string][]Operation

	warnings int

	logger *log.Logger
}

type AnalyzerOption func(*Analyzer)

func WithAnalyzerLogger(logger *log.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	analyzer := &Analyzer{
		Categories: make(map[string][]Operation),
	}
	for _, opt := range opts {
		opt(analyzer)
	}
	if analyzer.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		analyzer.logger = &logger
	}

	return analyzer
}

// Load reads a JSONL trace file, transparently decompressing zstd.
// Unparsable lines are counted and skipped.
func (a *Analyzer) Load(path string) error {
	r, closer, err := trace.OpenTrace(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open trace %s", path)
	}
	defer closer.Close()

	var pool fastjson.ParserPool
	parser := pool.Get()
	defer pool.Put(parser)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		v, err := parser.ParseBytes(line)
		if err != nil {
			a.warnings++
			a.logger.Warn().Err(err).Msg("failed to parse line")
			continue
		}

		evt := traceEvent{
			ts:    v.GetFloat64("ts"),
			name:  "unknown",
			phase: trace.PhaseBegin,
			opID:  -1,
			depth: v.GetInt("depth"),
		}
		if v.Exists("name") {
			evt.name = string(v.GetStringBytes("name"))
		}
		if v.Exists("phase") {
			evt.phase = string(v.GetStringBytes("phase"))
		}
		if v.Exists("op_id") {
			evt.opID = v.GetInt64("op_id")
		}
		if d := v.Get("details"); d != nil {
			evt.details = d.MarshalTo(nil)
		}

		a.events = append(a.events, evt)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read trace %s", path)
	}

	return nil
}

// EventCount returns the number of events loaded so far.
func (a *Analyzer) EventCount() int {
	return len(a.events)
}

// Warnings returns the number of lines skipped as unparsable.
func (a *Analyzer) Warnings() int {
	return a.warnings
}

// Match pairs begin and end events sharing an op_id into operations,
// walking events in timestamp order. End events without an open begin
// are dropped, begins without an end stay unmatched.
func (a *Analyzer) Match() {
	sorted := make([]traceEvent, len(a.events))
	copy(sorted, a.events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ts < sorted[j].ts })

	open := make(map[int64]traceEvent)
	for _, evt := range sorted {
		switch evt.phase {
		case trace.PhaseBegin:
			open[evt.opID] = evt
		case trace.PhaseEnd:
			begin, ok := open[evt.opID]
			if !ok {
				continue
			}
			delete(open, evt.opID)

			op := Operation{
				Name:     evt.name,
				Start:    begin.ts,
				End:      evt.ts,
				Duration: evt.ts - begin.ts,
				Depth:    begin.depth,
				Details:  evt.details,
			}
			a.Ops = append(a.Ops, op)
			category := Categorize(evt.name)
			a.Categories[category] = append(a.Categories[category], op)
		}
	}
}

// Categorize classifies a function name. The rule order is meaningful:
// cuStreamSynchronize matches Stream before Synchronize and lands in
// stream, cuCtxSynchronize lands in context.
func Categorize(name string) string {
	switch {
	case strings.Contains(name, "MemAlloc") || strings.Contains(name, "MemFree"):
		return CategoryMemoryMgmt
	case strings.Contains(name, "Memcpy"):
		return CategoryTransfer
	case strings.Contains(name, "Launch"):
		return CategoryKernel
	case strings.Contains(name, "Ctx"):
		return CategoryContext
	case strings.Contains(name, "Stream"):
		return CategoryStream
	case strings.Contains(name, "Module"):
		return CategoryModule
	case strings.Contains(name, "Init") || strings.Contains(name, "Device"):
		return CategoryInit
	case strings.Contains(name, "Synchronize"):
		return CategorySync
	default:
		return CategoryOther
	}
}
