//go:build linux && (amd64 || arm64)

package platform

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	supported = true
	stackSize = 1 << 20
)

// callNative switches to stack and calls adapter(callee, values) with the
// platform C calling convention.
func callNative(adapter, callee uintptr, values unsafe.Pointer, stack uintptr)

type memory struct {
	code  []byte
	stack []byte
}

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func mapCode(text []byte) (*memory, error) {
	if len(text) == 0 {
		return nil, errors.New("empty text section")
	}
	page := unix.Getpagesize()
	code, err := mapAnon((len(text) + page - 1) &^ (page - 1))
	if err != nil {
		return nil, fmt.Errorf("mapping code: %w", err)
	}
	copy(code, text)
	if err := unix.Mprotect(code, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(code)
		return nil, fmt.Errorf("protecting code: %w", err)
	}

	stack, err := mapAnon(stackSize)
	if err != nil {
		_ = unix.Munmap(code)
		return nil, fmt.Errorf("mapping stack: %w", err)
	}
	// Guard page below the usable stack.
	if err := unix.Mprotect(stack[:page], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(code)
		_ = unix.Munmap(stack)
		return nil, fmt.Errorf("protecting stack guard: %w", err)
	}
	return &memory{code: code, stack: stack}, nil
}

func (m *memory) call(adapter, callee uint32, values []uint64) {
	base := uintptr(unsafe.Pointer(&m.code[0]))
	top := uintptr(unsafe.Pointer(&m.stack[0])) + uintptr(len(m.stack))
	callNative(base+uintptr(adapter), base+uintptr(callee), unsafe.Pointer(&values[0]), top)
}

func (m *memory) unmap() error {
	return errors.Join(unix.Munmap(m.code), unix.Munmap(m.stack))
}
