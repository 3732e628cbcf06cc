package preload

import (
	"github.com/pkg/errors"
)

var (
	ErrHookLibNotFound = errors.New("hook library not found, set --hook-lib or CUDA_HOOK_LIB")
	ErrNoCommand       = errors.New("no workload command specified")
	ErrTraceEmpty      = errors.New("trace file is empty, did the workload use the CUDA driver API?")
)
