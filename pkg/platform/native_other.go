//go:build !(linux && (amd64 || arm64))

package platform

const supported = false

type memory struct{}

func mapCode([]byte) (*memory, error) { return nil, ErrUnsupported }

func (m *memory) call(adapter, callee uint32, values []uint64) { panic(ErrUnsupported) }

func (m *memory) unmap() error { return nil }
