package pagetable

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

// Errors returned by table walks.
var (
	ErrUnmapped     = errors.New("no page table for address")
	ErrHugePage     = errors.New("huge page in walk path")
	ErrReservedSlot = errors.New("address in recursive slot")
)

// Slot is the location of one entry in physical memory.
type Slot struct {
	mem   *phys.Memory
	Addr  phys.PAddr
	Level int
}

// IsValid tells if the slot refers to an entry.
func (s Slot) IsValid() bool {
	return s.mem != nil
}

// Load reads the entry.
func (s Slot) Load() Entry {
	return Entry(s.mem.LoadWord(s.Addr))
}

// Store writes the entry.
func (s Slot) Store(e Entry) {
	s.mem.StoreWord(s.Addr, uint64(e))
}

// Swap replaces the entry and returns the previous one.
func (s Slot) Swap(e Entry) Entry {
	return Entry(s.mem.SwapWord(s.Addr, uint64(e)))
}

// Or sets flags in the entry without disturbing the other bits.
func (s Slot) Or(flags Entry) Entry {
	return Entry(s.mem.OrWord(s.Addr, uint64(flags)))
}

// CompareAndSwap replaces the entry only if it still equals old.
func (s Slot) CompareAndSwap(old, e Entry) bool {
	return s.mem.CompareAndSwapWord(s.Addr, uint64(old), uint64(e))
}

// Tables creates and edits page tables in physical memory. Tables does not
// lock anything; the owner of the root serializes edits.
type Tables struct {
	mem   *phys.Memory
	alloc phys.FrameAllocator
}

// New creates a Tables that keeps tables in mem and gets frames from alloc.
func New(mem *phys.Memory, alloc phys.FrameAllocator) *Tables {
	return &Tables{mem: mem, alloc: alloc}
}

// Memory returns the physical memory the tables live in.
func (t *Tables) Memory() *phys.Memory {
	return t.mem
}

// SlotAt returns the slot of the idx-th entry of the table.
func (t *Tables) SlotAt(table phys.Frame, idx int, level int) Slot {
	return Slot{
		mem:   t.mem,
		Addr:  table.Address() + phys.PAddr(idx*EntrySize),
		Level: level,
	}
}

func (t *Tables) newTable() (phys.Frame, error) {
	f, err := t.alloc.Allocate()
	if err != nil {
		return phys.InvalidFrame, err
	}

	t.mem.ZeroFrame(f)

	return f, nil
}

// NewRoot allocates an empty root table whose recursive slot points at
// itself.
func (t *Tables) NewRoot() (phys.Frame, error) {
	root, err := t.newTable()
	if err != nil {
		return phys.InvalidFrame, fmt.Errorf("allocating root table: %w", err)
	}

	t.SlotAt(root, RecursiveSlot, 0).
		Store(MakeEntry(root, FlagPresent|FlagWritable|FlagNoExecute))

	return root, nil
}

// AllocateSlot installs a fresh, empty table under a root slot. It is used
// to preallocate the kernel half so that every root can share it.
func (t *Tables) AllocateSlot(root phys.Frame, slot int) error {
	if slot == RecursiveSlot {
		return ErrReservedSlot
	}

	s := t.SlotAt(root, slot, 0)
	if s.Load().IsPresent() {
		return nil
	}

	f, err := t.newTable()
	if err != nil {
		return fmt.Errorf("allocating %s table: %w", LevelName(1), err)
	}

	s.Store(MakeEntry(f, FlagPresent|FlagWritable))

	return nil
}

// ShareSlots copies root entries [from, to) from src into dst. Both roots
// then see the same subtrees.
func (t *Tables) ShareSlots(dst, src phys.Frame, from, to int) {
	for i := from; i < to; i++ {
		if i == RecursiveSlot {
			continue
		}

		t.SlotAt(dst, i, 0).Store(t.SlotAt(src, i, 0).Load())
	}
}

// Walk descends from the root to the leaf slot of vaddr. If allocate is
// true, missing tables are allocated and installed present and writable,
// with the user bit when flags carries it. On failure every table installed
// by this walk is removed again.
func (t *Tables) Walk(
	root phys.Frame,
	vaddr uint64,
	allocate bool,
	flags Entry,
) (Slot, error) {
	if allocate && Index(vaddr, 0) == RecursiveSlot {
		return Slot{}, ErrReservedSlot
	}

	var fresh []Slot

	table := root
	for level := 0; level < Levels-1; level++ {
		s := t.SlotAt(table, Index(vaddr, level), level)
		e := s.Load()

		switch {
		case e.IsPresent() && e.HasFlags(FlagHuge):
			t.rollback(fresh)
			return Slot{}, fmt.Errorf("%w: %s entry %s for %#x",
				ErrHugePage, LevelName(level), e, vaddr)
		case !e.IsPresent() && !allocate:
			return Slot{}, ErrUnmapped
		case !e.IsPresent():
			f, err := t.newTable()
			if err != nil {
				t.rollback(fresh)
				return Slot{}, fmt.Errorf("allocating %s table for %#x: %w",
					LevelName(level+1), vaddr, err)
			}

			e = MakeEntry(f, FlagPresent|FlagWritable|flags&FlagUser)
			s.Store(e)
			fresh = append(fresh, s)
		case allocate && flags.HasFlags(FlagUser) && !e.HasFlags(FlagUser):
			e = s.Or(FlagUser)
		}

		table = e.Frame()
	}

	return t.SlotAt(table, Index(vaddr, Levels-1), Levels-1), nil
}

func (t *Tables) rollback(fresh []Slot) {
	for i := len(fresh) - 1; i >= 0; i-- {
		e := fresh[i].Swap(0)
		t.alloc.Release(e.Frame())
	}
}

// SetLeaf maps the page of vaddr to the frame, allocating missing tables.
// It returns the entry it replaced.
func (t *Tables) SetLeaf(
	root phys.Frame,
	vaddr uint64,
	f phys.Frame,
	flags Entry,
) (Entry, error) {
	s, err := t.Walk(root, vaddr, true, flags)
	if err != nil {
		return 0, err
	}

	return s.Swap(MakeEntry(f, flags)), nil
}

// ClearLeaf removes the leaf of vaddr and returns it. The bool is false if
// there was no populated leaf.
func (t *Tables) ClearLeaf(root phys.Frame, vaddr uint64) (Entry, bool) {
	s, err := t.Walk(root, vaddr, false, 0)
	if err != nil {
		return 0, false
	}

	e := s.Swap(0)

	return e, e.IsPopulated()
}

// Lookup returns the leaf entry of vaddr without allocating. The bool is
// false if the leaf is not present.
func (t *Tables) Lookup(root phys.Frame, vaddr uint64) (Entry, bool) {
	s, err := t.Walk(root, vaddr, false, 0)
	if err != nil {
		return 0, false
	}

	e := s.Load()

	return e, e.IsPresent()
}

// LeafSlot returns the leaf slot of vaddr if all the tables above it exist.
func (t *Tables) LeafSlot(root phys.Frame, vaddr uint64) (Slot, bool) {
	s, err := t.Walk(root, vaddr, false, 0)
	return s, err == nil
}

// VisitLeaves calls fn for every populated leaf in r, in address order,
// skipping the subtrees that have no tables. Returning false from fn stops
// the visit.
func (t *Tables) VisitLeaves(
	root phys.Frame,
	r vm.Range,
	fn func(vaddr uint64, s Slot) bool,
) {
	va := r.Start
	for va < r.End {
		table, missing, ok := t.leafTable(root, va)
		if !ok {
			span := Span(missing)
			next := va&^(span-1) + span
			if next <= va {
				return
			}

			va = next

			continue
		}

		for idx := Index(va, Levels-1); idx < EntriesPerTable && va < r.End; idx++ {
			s := t.SlotAt(table, idx, Levels-1)
			if s.Load().IsPopulated() && !fn(va, s) {
				return
			}

			va += vm.PageSize
		}
	}
}

// leafTable finds the last-level table of vaddr. When a table is missing it
// returns the level of the entry that was absent.
func (t *Tables) leafTable(root phys.Frame, vaddr uint64) (phys.Frame, int, bool) {
	table := root
	for level := 0; level < Levels-1; level++ {
		e := t.SlotAt(table, Index(vaddr, level), level).Load()
		if !e.IsPresent() {
			return phys.InvalidFrame, level, false
		}

		if e.HasFlags(FlagHuge) {
			log.Panicf("huge %s entry %s for %#x", LevelName(level), e, vaddr)
		}

		table = e.Frame()
	}

	return table, 0, true
}

// FreeTables releases every table below root slots [from, to), deepest
// first, and clears those slots. The recursive slot is never followed. All
// leaves must have been cleared before. It returns the number of tables
// freed.
func (t *Tables) FreeTables(root phys.Frame, from, to int) int {
	freed := 0

	for i := from; i < to; i++ {
		if i == RecursiveSlot {
			continue
		}

		s := t.SlotAt(root, i, 0)
		e := s.Load()
		if !e.IsPresent() {
			continue
		}

		freed += t.freeTable(e.Frame(), 1)
		s.Store(0)
	}

	return freed
}

func (t *Tables) freeTable(table phys.Frame, level int) int {
	freed := 0

	for i := 0; i < EntriesPerTable; i++ {
		e := t.SlotAt(table, i, level).Load()

		if level == Levels-1 {
			if e.IsPopulated() {
				log.Panicf("freeing %s %s with live leaf %s",
					LevelName(level), table, e)
			}

			continue
		}

		if e.IsPresent() {
			freed += t.freeTable(e.Frame(), level+1)
		}
	}

	t.alloc.Release(table)

	return freed + 1
}

// CountTables returns the number of tables below root slots [from, to).
func (t *Tables) CountTables(root phys.Frame, from, to int) int {
	count := 0

	for i := from; i < to; i++ {
		if i == RecursiveSlot {
			continue
		}

		e := t.SlotAt(root, i, 0).Load()
		if e.IsPresent() {
			count += t.countTable(e.Frame(), 1)
		}
	}

	return count
}

func (t *Tables) countTable(table phys.Frame, level int) int {
	count := 1
	if level == Levels-1 {
		return count
	}

	for i := 0; i < EntriesPerTable; i++ {
		e := t.SlotAt(table, i, level).Load()
		if e.IsPresent() {
			count += t.countTable(e.Frame(), level+1)
		}
	}

	return count
}
