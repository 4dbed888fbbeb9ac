package cpu

import (
	"encoding/binary"
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

var (
	// ErrBusError is raised when a physical address falls outside the
	// installed memory.
	ErrBusError = &kernel.Error{Module: "cpu", Message: "physical address outside installed memory"}

	errUnalignedAccess = &kernel.Error{Module: "cpu", Message: "unaligned 64-bit access"}
	errArenaSize       = &kernel.Error{Module: "cpu", Message: "physical memory size must be at least one page"}
)

// PhysicalMemory is the arena backing the machine's physical address space.
// Byte i of the arena is physical address i, so frame N occupies bytes
// [N*PageSize, (N+1)*PageSize).
type PhysicalMemory struct {
	data    []byte
	release func([]byte) error
}

// NewPhysicalMemory reserves an arena of size bytes rounded up to a whole
// number of frames. The arena starts out zeroed.
func NewPhysicalMemory(size mm.Size) (*PhysicalMemory, error) {
	size = mm.AlignUp(size, mm.Size(mm.PageSize))
	if size == 0 {
		return nil, errArenaSize
	}

	data, release, err := reserveArena(int(size))
	if err != nil {
		return nil, err
	}

	return &PhysicalMemory{data: data, release: release}, nil
}

// Close releases the arena. The PhysicalMemory must not be used afterwards.
func (m *PhysicalMemory) Close() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return m.release(data)
}

// Size returns the amount of installed memory.
func (m *PhysicalMemory) Size() mm.Size {
	return mm.Size(len(m.data))
}

// Frames returns the number of installed frames.
func (m *PhysicalMemory) Frames() uint64 {
	return uint64(len(m.data)) >> mm.PageShift
}

// Read64 returns the little-endian word stored at physAddr.
func (m *PhysicalMemory) Read64(physAddr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.word(physAddr))
}

// Write64 stores v as a little-endian word at physAddr.
func (m *PhysicalMemory) Write64(physAddr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(m.word(physAddr), v)
}

// Bytes returns a view of size bytes of physical memory starting at
// physAddr.
func (m *PhysicalMemory) Bytes(physAddr uintptr, size uintptr) []byte {
	if physAddr >= uintptr(len(m.data)) || size > uintptr(len(m.data))-physAddr {
		panic(ErrBusError)
	}

	return m.data[physAddr : physAddr+size : physAddr+size]
}

// ZeroFrame clears the contents of frame.
func (m *PhysicalMemory) ZeroFrame(frame mm.Frame) {
	clear(m.Bytes(frame.Address(), mm.PageSize))
}

func (m *PhysicalMemory) word(physAddr uintptr) []byte {
	if !mm.IsAligned(physAddr, 8) {
		panic(errUnalignedAccess)
	}

	return m.Bytes(physAddr, 8)
}
