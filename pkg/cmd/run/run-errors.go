package run

import "github.com/pkg/errors"

var (
	ErrNoWorkload    = errors.New("no workload command specified, pass it after --")
	ErrUnknownMethod = errors.New("unknown method (preload, ebpf, strace, all)")
)
