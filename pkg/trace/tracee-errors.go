package trace

import (
	"github.com/pkg/errors"
)

var (
	ErrNoFunctionSymbols = errors.New("no driver API functions found")
	ErrNoOffsets         = errors.New("no uprobe offsets resolved")
	ErrLibcudaNotFound   = errors.New("libcuda.so not found, is the NVIDIA driver installed?")
	ErrElfFileNil        = errors.New("elf file is nil")
)
