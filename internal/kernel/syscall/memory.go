package syscall

import "fmt"

// FlatMemory is a MemoryAccessor over a single contiguous window,
// standing in for a user address space in the simulator and in tests.
type FlatMemory struct {
	base uint64
	buf  []byte
}

// NewFlatMemory maps size bytes starting at base.
func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{base: base, buf: make([]byte, size)}
}

func (m *FlatMemory) bounds(addr uint64, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative length %d", n)
	}
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.buf)) || addr+uint64(n) < addr {
		return 0, fmt.Errorf("access [%#x,%#x) outside window [%#x,%#x)",
			addr, addr+uint64(n), m.base, m.base+uint64(len(m.buf)))
	}
	return int(addr - m.base), nil
}

// ReadBytes copies n bytes out of the window.
func (m *FlatMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	off, err := m.bounds(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.buf[off:off+n])
	return out, nil
}

// WriteBytes copies data into the window.
func (m *FlatMemory) WriteBytes(addr uint64, data []byte) error {
	off, err := m.bounds(addr, len(data))
	if err != nil {
		return err
	}
	copy(m.buf[off:], data)
	return nil
}
