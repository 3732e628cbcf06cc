package trace

import (
	"github.com/pkg/errors"
)

var (
	ErrFuncNotFoundForCookie = errors.New("function not found for cookie")
	ErrTraceeNil             = errors.New("tracee is nil")
	ErrTraceeLibPathEmpty    = errors.New("tracee library path is empty")
	ErrTraceeFuncListEmpty   = errors.New("tracee function list is empty")
)
