package pagetable

// Geometry of the four-level table.
const (
	Levels          = 4
	EntriesPerTable = 512
	EntrySize       = 8
)

// Root slots with special meaning. Slots from KernelFirstSlot up belong to
// the kernel half of the address space. RecursiveSlot points back at the
// root table itself.
const (
	KernelFirstSlot = 256
	RecursiveSlot   = 511
)

var levelShifts = [Levels]uint{39, 30, 21, 12}

var levelNames = [Levels]string{"PML4", "PDPT", "PD", "PT"}

// Index returns the index into the table at the level that the address
// selects. Level 0 is the root.
func Index(vaddr uint64, level int) int {
	return int(vaddr>>levelShifts[level]) & (EntriesPerTable - 1)
}

// Span returns the amount of virtual memory covered by one entry at the
// level.
func Span(level int) uint64 {
	return uint64(1) << levelShifts[level]
}

// LevelName returns the conventional name of the table at the level.
func LevelName(level int) string {
	return levelNames[level]
}

// Address builds the canonical address selected by the four indexes.
func Address(pml4, pdpt, pd, pt int) uint64 {
	addr := uint64(pml4)<<39 | uint64(pdpt)<<30 | uint64(pd)<<21 |
		uint64(pt)<<12
	if pml4 >= KernelFirstSlot {
		addr |= 0xffff_0000_0000_0000
	}

	return addr
}

// RecursiveAddress returns the address through which the recursive slot
// exposes the leaf entry that maps vaddr.
func RecursiveAddress(vaddr uint64) uint64 {
	return Address(RecursiveSlot, Index(vaddr, 0), Index(vaddr, 1),
		Index(vaddr, 2)) + uint64(Index(vaddr, 3))*EntrySize
}
