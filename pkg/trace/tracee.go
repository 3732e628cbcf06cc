package trace

import (
	"debug/elf"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/aquasecurity/libbpfgo/helpers"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/maxgio92/cutrace/internal/utils"
)

// DefaultMaxProbes bounds the number of functions instrumented in one
// session: libcuda exports thousands of symbols and registering a probe
// pair for each of them is neither cheap nor useful.
const DefaultMaxProbes = 100

// FuncPrefix selects the CUDA driver API out of the library's dynamic
// symbol table.
const FuncPrefix = "cu"

var defaultLibcudaPaths = []string{
	"/lib/x86_64-linux-gnu/libcuda.so.1",
	"/usr/lib/x86_64-linux-gnu/libcuda.so.1",
	"/usr/lib64/libcuda.so.1",
	"/usr/local/cuda/lib64/libcuda.so.1",
}

// Argument capture classes, carried in the low nibble of the attach
// cookie so that the BPF entry program knows which registers to record.
const (
	ClassGeneric uint8 = iota
	ClassAlloc
	ClassCopyHtoD
	ClassCopyDtoH
	ClassCopyDtoD
	ClassLaunch
)

const cookieClassMask = 0xF

type cookie uint64

type funcInfo struct {
	name   string
	offset uint64
	class  uint8
}

type attachPoint struct {
	offset uint64
	cookie cookie
}

// Tracee resolves the CUDA driver library into the set of functions to
// instrument: it locates libcuda.so, walks its dynamic symbol table and
// computes the uprobe file offset and attach cookie of every selected
// function.
type Tracee struct {
	file   *elf.File
	funcs  map[cookie]funcInfo
	attach []attachPoint

	symIncludeRe *regexp.Regexp
	symExcludeRe *regexp.Regexp

	*TraceeOptions
}

func NewTracee(opts ...TraceeOption) *Tracee {
	tracee := &Tracee{
		TraceeOptions: &TraceeOptions{maxProbes: DefaultMaxProbes},
		funcs:         make(map[cookie]funcInfo),
	}
	for _, opt := range opts {
		opt(tracee)
	}
	return tracee
}

func (t *Tracee) Init() error {
	if t.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		t.logger = &logger
	}

	if t.libPath == "" {
		path, err := findLibcuda()
		if err != nil {
			return err
		}
		t.libPath = path
	}

	var err error
	t.file, err = elf.Open(t.libPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open elf file %s", t.libPath)
	}
	if t.file == nil {
		return ErrElfFileNil
	}

	if err = t.loadFunctions(); err != nil {
		// Fail fast when the library exports nothing to probe.
		if errors.Is(err, elf.ErrNoSymbols) || errors.Is(err, ErrNoFunctionSymbols) || errors.Is(err, ErrNoOffsets) {
			return err
		}
		t.logger.Warn().Err(err).Msg("failed to load functions")
	}

	return nil
}

// findLibcuda probes the usual install locations and falls back to the
// dynamic linker cache.
func findLibcuda() (string, error) {
	for _, path := range defaultLibcudaPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	out, err := exec.Command("ldconfig", "-p").Output()
	if err != nil {
		return "", ErrLibcudaNotFound
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "libcuda.so") {
			continue
		}
		if _, path, found := strings.Cut(line, "=>"); found {
			return strings.TrimSpace(path), nil
		}
	}

	return "", ErrLibcudaNotFound
}

func (t *Tracee) loadFunctions() error {
	funcSyms, err := t.getFuncSyms()
	if err != nil {
		return err
	}
	if len(funcSyms) == 0 {
		return ErrNoFunctionSymbols
	}

	// Deterministic attach order, capped to the probe budget.
	sort.Slice(funcSyms, func(i, j int) bool { return funcSyms[i].Name < funcSyms[j].Name })
	if len(funcSyms) > t.maxProbes {
		funcSyms = funcSyms[:t.maxProbes]
	}

	t.logger.Debug().
		Int("functions", len(funcSyms)).
		Str("lib_path", t.libPath).
		Str("include", t.symPatternInclude).
		Str("exclude", t.symPatternExclude).
		Msg("getting function offsets from symbols")
	for _, sym := range funcSyms {
		offset, err := helpers.SymbolToOffset(t.libPath, sym.Name)
		if err != nil {
			t.logger.Debug().Err(err).Str("symbol", sym.Name).Str("lib_path", t.libPath).Msg("failed to get function offset")
			continue
		}

		ck := cookie(NewCookie(sym.Name))
		t.funcs[ck] = funcInfo{
			name:   sym.Name,
			offset: uint64(offset),
			class:  ClassForFunc(sym.Name),
		}
		t.attach = append(t.attach, attachPoint{offset: uint64(offset), cookie: ck})
	}
	if len(t.funcs) == 0 {
		return ErrNoOffsets
	}

	return nil
}

func (t *Tracee) getFuncSyms() ([]elf.Symbol, error) {
	if t.file == nil {
		return nil, ErrElfFileNil
	}
	syms, err := t.file.DynamicSymbols()
	if err != nil {
		return nil, err
	}

	var funcSyms []elf.Symbol
	for _, sym := range syms {
		// Exclude non-function and undefined symbols.
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if sym.Section == elf.SHN_UNDEF {
			continue
		}
		if !strings.HasPrefix(sym.Name, FuncPrefix) {
			continue
		}

		if !t.ShouldIncludeSymbol(sym) {
			continue
		}

		funcSyms = append(funcSyms, sym)
	}

	return funcSyms, nil
}

func (t *Tracee) ShouldIncludeSymbol(sym elf.Symbol) bool {
	// Exclude symbols that match a specific regex pattern.
	if t.symPatternExclude != "" {
		if t.symExcludeRe == nil {
			t.symExcludeRe = regexp.MustCompile(t.symPatternExclude)
		}
		if t.symExcludeRe.MatchString(sym.Name) {
			return false
		}
	}
	// Include only symbols that match a specific regex pattern.
	if t.symPatternInclude != "" {
		if t.symIncludeRe == nil {
			t.symIncludeRe = regexp.MustCompile(t.symPatternInclude)
		}
		return t.symIncludeRe.MatchString(sym.Name)
	}

	return true
}

// LibPath returns the resolved library path, available after Init.
func (t *Tracee) LibPath() string {
	return t.libPath
}

// FuncOffsets and FuncCookies return slices aligned by index, as the
// multi-uprobe attach API pairs them positionally.
func (t *Tracee) FuncOffsets() []uint64 {
	offsets := make([]uint64, 0, len(t.attach))
	for _, a := range t.attach {
		offsets = append(offsets, a.offset)
	}

	return offsets
}

func (t *Tracee) FuncCookies() []uint64 {
	cookies := make([]uint64, 0, len(t.attach))
	for _, a := range t.attach {
		cookies = append(cookies, uint64(a.cookie))
	}

	return cookies
}

func (t *Tracee) FuncNames() []string {
	names := make([]string, 0, len(t.funcs))
	for _, fn := range t.funcs {
		names = append(names, fn.name)
	}
	sort.Strings(names)

	return names
}

func (t *Tracee) FuncCount() int {
	return len(t.funcs)
}

// LookupName resolves an attach cookie back to its function name.
func (t *Tracee) LookupName(ck uint64) (string, bool) {
	fn, ok := t.funcs[cookie(ck)]
	if !ok {
		return "", false
	}

	return fn.name, true
}

// NewCookie derives the attach cookie of a function: the FNV-1a hash of
// its name with the low nibble replaced by the argument capture class.
func NewCookie(name string) uint64 {
	return (utils.Hash(name) &^ uint64(cookieClassMask)) | uint64(ClassForFunc(name))
}

// ArgClass extracts the argument capture class from a cookie.
func ArgClass(ck uint64) uint8 {
	return uint8(ck & cookieClassMask)
}

// ClassForFunc assigns the argument capture class. Prefix matching
// covers the _v2, _ptds and Async spellings of the same call. Variants
// whose byte count is not in the usual argument register stay generic.
func ClassForFunc(name string) uint8 {
	switch {
	case strings.HasPrefix(name, "cuMemAllocPitch"):
		return ClassGeneric
	case strings.HasPrefix(name, "cuMemAlloc"):
		return ClassAlloc
	case strings.HasPrefix(name, "cuMemcpyHtoD"):
		return ClassCopyHtoD
	case strings.HasPrefix(name, "cuMemcpyDtoH"):
		return ClassCopyDtoH
	case strings.HasPrefix(name, "cuMemcpyDtoD"):
		return ClassCopyDtoD
	case strings.HasPrefix(name, "cuLaunchKernel"):
		return ClassLaunch
	default:
		return ClassGeneric
	}
}
