// Package vm defines the vocabulary shared by the virtual-memory packages:
// address ranges, permissions, mappings, and the layout of the virtual
// address space.
package vm

import "github.com/sarchlab/vmcore/mem/phys"

// PID stands for Process ID.
type PID uint32

// KernelPID is the owner of the kernel address space.
const KernelPID PID = 0

// PageSize is the size of a virtual page. It equals the frame size.
const PageSize = phys.PageSize

// Layout of the 48-bit virtual address space. Addresses below UserEnd belong
// to processes. Addresses from KernelBase up are shared by every address
// space. The zero page is never mapped so that null pointers fault.
const (
	UserBase   uint64 = PageSize
	UserEnd    uint64 = 0x0000_8000_0000_0000
	KernelBase uint64 = 0xffff_8000_0000_0000

	// MmapBase is where MapAnywhere starts looking for free space.
	MmapBase uint64 = 0x0000_1000_0000_0000

	// SlotSpan is the amount of virtual memory covered by one root entry.
	SlotSpan uint64 = 1 << 39
)

// UserRange is the part of the address space private to a process.
var UserRange = Range{Start: UserBase, End: UserEnd}

// KernelRange returns the shared kernel region covered by the given number
// of root slots.
func KernelRange(slots int) Range {
	return Range{Start: KernelBase, End: KernelBase + uint64(slots)*SlotSpan}
}

// IsCanonical tells if bits 63 to 47 of the address are all equal.
func IsCanonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1ffff
}

// IsKernelAddr tells if the address is in the upper half of the address
// space.
func IsKernelAddr(addr uint64) bool {
	return addr >= KernelBase
}

// PageAlignDown rounds the address down to a page boundary.
func PageAlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageAlignUp rounds the address up to a page boundary.
func PageAlignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// IsPageAligned tells if the address is at a page boundary.
func IsPageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}
