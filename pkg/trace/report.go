package trace

import (
	"encoding/json"
	"io"
)

// FuncStat is the per-function row of a trace report.
type FuncStat struct {
	Name    string  `json:"name"`
	Calls   uint64  `json:"calls"`
	TotalUs float64 `json:"total_us"`
	AvgUs   float64 `json:"avg_us"`
}

type TraceReport struct {
	LibPath     string     `json:"lib_path"`
	FuncsTraced int        `json:"funcs_traced"`
	FuncsHit    int        `json:"funcs_hit"`
	Events      uint64     `json:"events"`
	Funcs       []FuncStat `json:"funcs"`
}

type TraceReportOption func(*TraceReport)

func NewReport(opts ...TraceReportOption) *TraceReport {
	report := new(TraceReport)
	for _, opt := range opts {
		opt(report)
	}

	return report
}

func WithReportLibPath(path string) TraceReportOption {
	return func(o *TraceReport) {
		o.LibPath = path
	}
}

func WithReportFuncsTraced(traced int) TraceReportOption {
	return func(o *TraceReport) {
		o.FuncsTraced = traced
	}
}

func WithReportFuncsHit(hit int) TraceReportOption {
	return func(o *TraceReport) {
		o.FuncsHit = hit
	}
}

func WithReportEvents(events uint64) TraceReportOption {
	return func(o *TraceReport) {
		o.Events = events
	}
}

func WithReportFuncs(funcs []FuncStat) TraceReportOption {
	return func(o *TraceReport) {
		o.Funcs = funcs
	}
}

func (r *TraceReport) WriteReport(w io.Writer) error {
	encoder := json.NewEncoder(w)
	return encoder.Encode(r)
}
