package phys

import (
	"encoding/binary"
	"log"
	"sync"
)

// Memory is the simulated physical RAM. Page-table entries live in it as
// little-endian 64-bit words, the same way the hardware walker reads them.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory creates a memory of the given capacity. The capacity is rounded
// down to whole frames.
func NewMemory(capacity uint64) *Memory {
	capacity &^= PageSize - 1
	if capacity == 0 {
		log.Panic("memory must hold at least one frame")
	}

	return &Memory{data: make([]byte, capacity)}
}

// Capacity returns the number of bytes in the memory.
func (m *Memory) Capacity() uint64 {
	return uint64(len(m.data))
}

// NumFrames returns the number of frames in the memory.
func (m *Memory) NumFrames() uint64 {
	return m.Capacity() >> PageShift
}

// Contains tells if [addr, addr+n) lies entirely in the memory.
func (m *Memory) Contains(addr PAddr, n uint64) bool {
	end := uint64(addr) + n
	return end >= uint64(addr) && end <= m.Capacity()
}

func (m *Memory) mustContain(addr PAddr, n uint64) {
	if !m.Contains(addr, n) {
		log.Panicf("physical access [%s, +%d) beyond end of memory", addr, n)
	}
}

// Read copies len(buf) bytes starting at addr into buf.
func (m *Memory) Read(addr PAddr, buf []byte) {
	m.mustContain(addr, uint64(len(buf)))

	m.mu.RLock()
	copy(buf, m.data[addr:])
	m.mu.RUnlock()
}

// Write copies data into the memory starting at addr.
func (m *Memory) Write(addr PAddr, data []byte) {
	m.mustContain(addr, uint64(len(data)))

	m.mu.Lock()
	copy(m.data[addr:], data)
	m.mu.Unlock()
}

// ZeroFrame fills a frame with zeros.
func (m *Memory) ZeroFrame(f Frame) {
	addr := f.Address()
	m.mustContain(addr, PageSize)

	m.mu.Lock()
	clear(m.data[addr : uint64(addr)+PageSize])
	m.mu.Unlock()
}

// CopyFrame copies the content of src into dst.
func (m *Memory) CopyFrame(dst, src Frame) {
	d, s := dst.Address(), src.Address()
	m.mustContain(d, PageSize)
	m.mustContain(s, PageSize)

	m.mu.Lock()
	copy(m.data[d:uint64(d)+PageSize], m.data[s:uint64(s)+PageSize])
	m.mu.Unlock()
}

func (m *Memory) word(addr PAddr) []byte {
	if addr&7 != 0 {
		log.Panicf("unaligned word access at %s", addr)
	}

	m.mustContain(addr, 8)

	return m.data[addr : addr+8]
}

// LoadWord reads the 64-bit word at addr.
func (m *Memory) LoadWord(addr PAddr) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return binary.LittleEndian.Uint64(m.word(addr))
}

// StoreWord writes the 64-bit word at addr.
func (m *Memory) StoreWord(addr PAddr, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binary.LittleEndian.PutUint64(m.word(addr), v)
}

// SwapWord writes v at addr and returns the previous value as one atomic
// step.
func (m *Memory) SwapWord(addr PAddr, v uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.word(addr)
	old := binary.LittleEndian.Uint64(w)
	binary.LittleEndian.PutUint64(w, v)

	return old
}

// OrWord sets bits in the word at addr and returns the new value. The
// hardware walker uses it to set the accessed and dirty bits without racing
// with software updates of the other bits.
func (m *Memory) OrWord(addr PAddr, bits uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.word(addr)
	v := binary.LittleEndian.Uint64(w) | bits
	binary.LittleEndian.PutUint64(w, v)

	return v
}

// CompareAndSwapWord writes v at addr if the word still holds old. It
// reports whether the write happened.
func (m *Memory) CompareAndSwapWord(addr PAddr, old, v uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.word(addr)
	if binary.LittleEndian.Uint64(w) != old {
		return false
	}

	binary.LittleEndian.PutUint64(w, v)

	return true
}
