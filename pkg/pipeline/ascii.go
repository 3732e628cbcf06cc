package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	bannerWidth   = 100
	timelineWidth = 80
	timeMarkers   = 10
)

// categorySymbols maps categories to their timeline glyphs, in legend
// order.
var categorySymbols = []struct {
	Category string
	Symbol   rune
}{
	{CategoryInit, '▓'},
	{CategoryMemoryMgmt, '█'},
	{CategoryTransfer, '▒'},
	{CategoryKernel, '●'},
	{CategorySync, '░'},
	{CategoryContext, '◆'},
	{CategoryStream, '◇'},
	{CategoryModule, '▪'},
	{CategoryOther, '·'},
}

func symbolFor(category string) rune {
	for _, cs := range categorySymbols {
		if cs.Category == category {
			return cs.Symbol
		}
	}

	return '·'
}

func banner(w io.Writer, title string) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", bannerWidth))
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", bannerWidth)+"\n")
}

// WriteTimeline renders one fixed-width lane per call depth, each
// operation drawn with its category glyph at its position in time.
func (a *Analyzer) WriteTimeline(w io.Writer) {
	if len(a.Ops) == 0 {
		fmt.Fprintln(w, "No timeline data available")
		return
	}

	banner(w, "CUDA EXECUTION PIPELINE - ASCII Timeline")

	ops := make([]Operation, len(a.Ops))
	copy(ops, a.Ops)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Start < ops[j].Start })

	start := ops[0].Start
	end := ops[len(ops)-1].End
	total := end - start

	fmt.Fprintf(w, "Total execution time: %.3f ms\n\n", total*1000)

	fmt.Fprintln(w, "Legend:")
	for _, cs := range categorySymbols {
		fmt.Fprintf(w, "  %c = %s\n", cs.Symbol, cs.Category)
	}
	fmt.Fprintln(w)

	depthGroups := make(map[int][]Operation)
	maxDepth := 0
	for _, op := range ops {
		depthGroups[op.Depth] = append(depthGroups[op.Depth], op)
		if op.Depth > maxDepth {
			maxDepth = op.Depth
		}
	}

	for depth := 0; depth <= maxDepth; depth++ {
		group, ok := depthGroups[depth]
		if !ok {
			continue
		}

		fmt.Fprintf(w, "\nDepth %d:\n", depth)
		fmt.Fprint(w, "  ")

		lane := make([]rune, timelineWidth)
		for i := range lane {
			lane[i] = ' '
		}

		for _, op := range group {
			var startPos, endPos int
			if total > 0 {
				startPos = int((op.Start - start) / total * timelineWidth)
				endPos = int((op.End - start) / total * timelineWidth)
			}
			// Ensure at least 1 char wide.
			if startPos == endPos {
				endPos = startPos + 1
			}

			symbol := symbolFor(Categorize(op.Name))
			for i := startPos; i < endPos && i < timelineWidth; i++ {
				if i >= 0 {
					lane[i] = symbol
				}
			}
		}

		fmt.Fprintln(w, string(lane))
	}

	fmt.Fprintln(w, "\n  Time scale (ms):")
	fmt.Fprint(w, "  ")
	for i := 0; i <= timeMarkers; i++ {
		fmt.Fprintf(w, "%7.1f", total*float64(i)/timeMarkers*1000)
	}
	fmt.Fprintln(w)
}

// WriteSummary renders the per-category operation breakdown.
func (a *Analyzer) WriteSummary(w io.Writer) {
	banner(w, "PIPELINE SUMMARY - Operation Breakdown")

	type categoryStats struct {
		count int
		total float64
		avg   float64
	}

	stats := make(map[string]categoryStats, len(a.Categories))
	grandTotal := 0.0
	totalCount := 0
	for category, ops := range a.Categories {
		s := categoryStats{count: len(ops)}
		for _, op := range ops {
			s.total += op.Duration
		}
		if s.count > 0 {
			s.avg = s.total / float64(s.count)
		}
		stats[category] = s
		grandTotal += s.total
		totalCount += s.count
	}

	fmt.Fprintf(w, "%-20s %10s %15s %15s %12s\n", "Category", "Count", "Total Time", "Avg Time", "% of Total")
	fmt.Fprintln(w, strings.Repeat("-", bannerWidth))

	categories := make([]string, 0, len(stats))
	for category := range stats {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		s := stats[category]
		percentage := 0.0
		if grandTotal > 0 {
			percentage = s.total / grandTotal * 100
		}
		fmt.Fprintf(w, "%-20s %10d %12.3f ms %12.3f µs %11.1f%%\n",
			category, s.count, s.total*1000, s.avg*1e6, percentage)
	}

	fmt.Fprintln(w, strings.Repeat("-", bannerWidth))
	fmt.Fprintf(w, "%-20s %10d %12.3f ms\n", "TOTAL", totalCount, grandTotal*1000)
}

// WriteTopOps renders the longest operations, busiest first.
func (a *Analyzer) WriteTopOps(w io.Writer, limit int) {
	banner(w, fmt.Sprintf("TOP %d LONGEST OPERATIONS", limit))

	ops := make([]Operation, len(a.Ops))
	copy(ops, a.Ops)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Duration > ops[j].Duration })
	if len(ops) > limit {
		ops = ops[:limit]
	}

	fmt.Fprintf(w, "%-4s %-40s %15s %-15s\n", "#", "Function", "Duration", "Category")
	fmt.Fprintln(w, strings.Repeat("-", bannerWidth))

	for i, op := range ops {
		fmt.Fprintf(w, "%-4d %-40s %12.3f ms %-15s\n",
			i+1, op.Name, op.Duration*1000, Categorize(op.Name))
	}
}
