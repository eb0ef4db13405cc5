// Package platform runs compiled modules in the current process. Code is
// copied into executable memory and entered through the host-to-wasm
// trampoline of the callee's signature, on a separately mapped native
// stack.
//
// Execution is available on linux/amd64 and linux/arm64. A trap in the
// running code is delivered as a signal the Go runtime does not handle and
// ends the process.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/raymyers/wasmbc/pkg/compiler"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/trampoline"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

var (
	ErrUnsupported = errors.New("executing compiled code is not supported on this platform")
	ErrForeign     = errors.New("code was compiled for another architecture")
	ErrDynamic     = errors.New("text section has unresolved dynamic relocations")
)

// Supported reports whether this process can execute compiled code.
func Supported() bool { return supported }

// Instance is a module loaded into executable memory. Calls are
// serialized; the instance owns one native stack.
type Instance struct {
	mod *wasm.Module
	art *compiler.Artifact

	mu  sync.Mutex
	mem *memory
}

// Instantiate compiles m with c and maps the text section.
func Instantiate(ctx context.Context, c *compiler.Compiler, m *wasm.Module) (*Instance, error) {
	if !supported {
		return nil, ErrUnsupported
	}
	if c.Isa().Triple().Arch != triple.Host().Arch {
		return nil, fmt.Errorf("%w: %s", ErrForeign, c.Isa().Triple())
	}
	art, err := c.CompileModule(ctx, m)
	if err != nil {
		return nil, err
	}
	if len(art.Text.Dynamic) > 0 {
		var names []string
		for _, d := range art.Text.Dynamic {
			names = append(names, d.Target.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrDynamic, strings.Join(names, ", "))
	}
	mem, err := mapCode(art.Text.Bytes)
	if err != nil {
		return nil, err
	}
	return &Instance{mod: m, art: art, mem: mem}, nil
}

// Artifact is the compiled module behind the instance.
func (i *Instance) Artifact() *compiler.Artifact { return i.art }

// Invoke calls the exported function name.
func (i *Instance) Invoke(name string, args ...uint64) ([]uint64, error) {
	idx, ok := i.mod.Exports[name]
	if !ok {
		return nil, fmt.Errorf("no exported function %q", name)
	}
	return i.Call(idx, args...)
}

// Call runs function index with args given as raw bits, and returns its
// results the same way. 32-bit values occupy the low half.
func (i *Instance) Call(index uint32, args ...uint64) ([]uint64, error) {
	if int(index) >= len(i.mod.Funcs) {
		return nil, fmt.Errorf("function %d: module defines %d functions", index, len(i.mod.Funcs))
	}
	ty := i.mod.Funcs[index].Type
	if len(args) != len(ty.Params) {
		return nil, fmt.Errorf("function %d takes %d arguments, got %d", index, len(ty.Params), len(args))
	}
	callee, ok := i.art.Function(index)
	if !ok {
		return nil, fmt.Errorf("function %d: %w", index, obj.ErrUnresolved)
	}
	adapter, ok := i.art.Trampoline(ty)
	if !ok {
		return nil, fmt.Errorf("no trampoline for %s", ty)
	}

	const words = trampoline.SlotSize / 8
	values := make([]uint64, words*max(len(args), 1))
	for n, a := range args {
		values[n*words] = a
	}

	i.mu.Lock()
	if i.mem == nil {
		i.mu.Unlock()
		return nil, errors.New("instance is closed")
	}
	i.mem.call(adapter.Start, callee.Start, values)
	i.mu.Unlock()

	if len(ty.Results) == 0 {
		return nil, nil
	}
	r := values[0]
	if !wasm.Is64(ty.Results[0]) {
		r = uint64(uint32(r))
	}
	return []uint64{r}, nil
}

// Close unmaps the code and the native stack.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mem == nil {
		return nil
	}
	err := i.mem.unmap()
	i.mem = nil
	return err
}
