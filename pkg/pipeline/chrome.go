package pipeline

import (
	"encoding/json"
	"io"
)

type chromeEvent struct {
	Name string          `json:"name"`
	Cat  string          `json:"cat"`
	Ph   string          `json:"ph"`
	TS   float64         `json:"ts"`
	Pid  int             `json:"pid"`
	Tid  int             `json:"tid"`
	Args json.RawMessage `json:"args,omitempty"`
}

type chromeTrace struct {
	TraceEvents []chromeEvent `json:"traceEvents"`
}

// WriteChromeTrace emits the matched operations in the Chrome Trace
// Event Format, loadable in chrome://tracing and in Perfetto. Each
// operation becomes a begin and an end event with microsecond
// timestamps.
func (a *Analyzer) WriteChromeTrace(w io.Writer) error {
	events := make([]chromeEvent, 0, len(a.Ops)*2)
	for _, op := range a.Ops {
		category := Categorize(op.Name)
		events = append(events, chromeEvent{
			Name: op.Name,
			Cat:  category,
			Ph:   "B",
			TS:   op.Start * 1e6,
			Pid:  1,
			Tid:  1,
			Args: op.Details,
		})
		events = append(events, chromeEvent{
			Name: op.Name,
			Cat:  category,
			Ph:   "E",
			TS:   op.End * 1e6,
			Pid:  1,
			Tid:  1,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(chromeTrace{TraceEvents: events})
}
