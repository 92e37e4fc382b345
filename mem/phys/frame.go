// Package phys models the physical side of the memory system: the frames of
// RAM and the allocator that hands them out.
package phys

import (
	"fmt"
	"math"
)

// The machine uses 4 KiB pages only.
const (
	PageShift = 12
	PageSize  = uint64(1) << PageShift
)

// PAddr is a physical byte address.
type PAddr uint64

// Frame is a physical page frame number.
type Frame uint64

// InvalidFrame never refers to a real frame.
const InvalidFrame = Frame(math.MaxUint64)

// Address returns the address of the first byte of the frame.
func (f Frame) Address() PAddr {
	return PAddr(f) << PageShift
}

func (f Frame) String() string {
	return fmt.Sprintf("frame 0x%x", uint64(f))
}

// FrameOf returns the frame that contains the address.
func FrameOf(a PAddr) Frame {
	return Frame(a >> PageShift)
}

// Offset returns the offset of the address within its frame.
func (a PAddr) Offset() uint64 {
	return uint64(a) & (PageSize - 1)
}

// IsAligned tells if the address is at the start of a frame.
func (a PAddr) IsAligned() bool {
	return a.Offset() == 0
}

func (a PAddr) String() string {
	return fmt.Sprintf("0x%016x", uint64(a))
}
