package mm

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// Lock takes the address-space lock exclusively.
func (s *AddressSpace) Lock() {
	s.mu.Lock()
}

// Unlock releases the lock taken by Lock.
func (s *AddressSpace) Unlock() {
	s.mu.Unlock()
}

// FindMappingLocked returns the mapping that covers the address. The caller
// holds the lock.
func (s *AddressSpace) FindMappingLocked(addr uint64) (vm.Mapping, bool) {
	if s.destroyed {
		return vm.Mapping{}, false
	}

	return s.findLocked(addr)
}

// LeafLocked returns the present leaf of the address.
func (s *AddressSpace) LeafLocked(addr uint64) (pagetable.Entry, bool) {
	if s.destroyed {
		return 0, false
	}

	return s.tables.Lookup(s.root, addr)
}

// DemandPageLocked gives the page of addr a private frame. A leaf of the
// zero frame is replaced.
func (s *AddressSpace) DemandPageLocked(addr uint64, m vm.Mapping) error {
	va := vm.PageAlignDown(addr)
	if !m.Range.Contains(va) {
		return fmt.Errorf("%w: %#x outside %s", vm.ErrNotMapped, addr, m.Range)
	}

	return s.installLocked(va, m)
}

// BreakCopyOnWriteLocked makes the copy-on-write page of addr private and
// writable. A frame nobody else references is claimed in place. A page of
// the zero frame gets a fresh zeroed frame. Otherwise the content moves to
// a fresh frame and the other cores drop the old translation before the
// shared frame loses this reference.
func (s *AddressSpace) BreakCopyOnWriteLocked(
	addr uint64,
	m vm.Mapping,
) (copied bool, err error) {
	va := vm.PageAlignDown(addr)

	slot, ok := s.tables.LeafSlot(s.root, va)
	if !ok {
		return false, fmt.Errorf("%w: no tables for %#x", pagetable.ErrUnmapped, va)
	}

	e := slot.Load()
	if !e.IsPresent() || !e.HasFlags(pagetable.FlagCopyOnWrite) {
		return false, fmt.Errorf("%w: %#x has %s", vm.ErrInvalidMapping, va, e)
	}

	old := e.Frame()
	zero := old == s.zero
	flags := pagetable.FlagsFor(m.Perm, false, s.kernel) |
		e.Flags()&(pagetable.FlagAccessed|pagetable.FlagDirty)

	if !zero && s.allocator.RefCount(old) == 1 {
		slot.Store(pagetable.MakeEntry(old, flags))
		return false, nil
	}

	f, err := s.allocator.Allocate()
	if err != nil {
		return false, err
	}

	if zero {
		s.memory.ZeroFrame(f)
	} else {
		s.memory.CopyFrame(f, old)
	}

	slot.Store(pagetable.MakeEntry(f, flags))
	s.invalidate(vm.RangeOf(va, 1))

	if !zero {
		s.allocator.Release(old)
	}

	return !zero, nil
}

// MapAnywhere maps pages at the lowest free range above the mmap base and
// returns where it put them.
func (s *AddressSpace) MapAnywhere(
	name string,
	pages uint64,
	perm vm.Perm,
	backing vm.Backing,
) (vm.Range, error) {
	if pages == 0 {
		return vm.Range{}, fmt.Errorf("%w: zero pages", vm.ErrInvalidRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return vm.Range{}, vm.ErrDestroyed
	}

	r, ok := s.findGapLocked(pages)
	if !ok {
		return vm.Range{}, fmt.Errorf("%w: %d pages", vm.ErrNoSpace, pages)
	}

	m := vm.Mapping{Name: name, Range: r, Perm: perm, Backing: backing}
	if err := m.Validate(); err != nil {
		return vm.Range{}, err
	}

	if err := s.mapLocked(m); err != nil {
		return vm.Range{}, err
	}

	s.invokeHook(HookPosMap, &Event{Mapping: m, Range: r, Perm: perm})

	return r, nil
}

// MapStack maps a stack of pages with a guard page below it and returns
// the top of the stack. Touching the guard page is a protection violation.
func (s *AddressSpace) MapStack(pages uint64, perm vm.Perm) (uint64, error) {
	if pages == 0 || !perm.Has(vm.PermWrite) {
		return 0, fmt.Errorf("%w: stack of %d pages with %s",
			vm.ErrInvalidPerm, pages, perm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return 0, vm.ErrDestroyed
	}

	r, ok := s.findGapLocked(pages + 1)
	if !ok {
		return 0, fmt.Errorf("%w: stack of %d pages", vm.ErrNoSpace, pages)
	}

	guard := vm.Mapping{
		Name:  "[stack guard]",
		Range: vm.RangeOf(r.Start, 1),
		Perm:  vm.PermNone,
	}
	stack := vm.Mapping{
		Name:  "[stack]",
		Range: vm.Range{Start: guard.Range.End, End: r.End},
		Perm:  perm,
	}

	if err := s.mapLocked(guard); err != nil {
		return 0, err
	}

	if err := s.mapLocked(stack); err != nil {
		s.mappings.Delete(guard)
		return 0, err
	}

	s.invokeHook(HookPosMap, &Event{Mapping: stack, Range: r, Perm: perm})

	return r.End, nil
}

func (s *AddressSpace) findGapLocked(pages uint64) (vm.Range, bool) {
	limit := s.region.End
	start := max(s.region.Start, vm.MmapBase)
	if s.kernel {
		start = s.region.Start
	}

	length := pages * vm.PageSize
	if length/vm.PageSize != pages {
		return vm.Range{}, false
	}

	found := false
	pivot := vm.Mapping{Range: vm.Range{Start: start}}
	s.mappings.DescendLessOrEqual(pivot, func(m vm.Mapping) bool {
		start = max(start, m.Range.End)
		return false
	})

	s.mappings.AscendGreaterOrEqual(pivot, func(m vm.Mapping) bool {
		if m.Range.Start >= start && m.Range.Start-start >= length {
			found = true
			return false
		}

		start = max(start, m.Range.End)

		return true
	})

	if !found && (start > limit || limit-start < length) {
		return vm.Range{}, false
	}

	return vm.Range{Start: start, End: start + length}, true
}

// Frames returns the frame behind every present page of r. Pages that still
// map the zero frame are absent.
func (s *AddressSpace) Frames(r vm.Range) map[uint64]phys.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frames := make(map[uint64]phys.Frame)
	if s.destroyed {
		return frames
	}

	s.tables.VisitLeaves(s.root, r, func(va uint64, slot pagetable.Slot) bool {
		if e := slot.Load(); e.IsPresent() && e.Frame() != s.zero {
			frames[va] = e.Frame()
		}

		return true
	})

	return frames
}
