package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteFlamegraph emits the matched operations as folded stacks, one
// line per operation in start order, weighted by duration in
// microseconds. The output feeds flamegraph.pl directly.
func (a *Analyzer) WriteFlamegraph(w io.Writer) error {
	ops := make([]Operation, len(a.Ops))
	copy(ops, a.Ops)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Start < ops[j].Start })

	for _, op := range ops {
		stack := "CUDA;" + escapeFoldedName(op.Name)
		if _, err := fmt.Fprintf(w, "%s %d\n", stack, int64(op.Duration*1e6)); err != nil {
			return err
		}
	}

	return nil
}

func escapeFoldedName(name string) string {
	// Semicolons separate frames and newlines separate lines in the
	// folded stacks format.
	name = strings.ReplaceAll(name, ";", "_")
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}
