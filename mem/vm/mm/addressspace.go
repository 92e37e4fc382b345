// Package mm implements address spaces: the record of what is mapped where
// and the page tables that make the hardware agree with it.
package mm

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/sim"
)

// Hook positions of address-space operations. The hook item is an *Event.
var (
	HookPosMap     = &sim.HookPos{Name: "Map"}
	HookPosUnmap   = &sim.HookPos{Name: "Unmap"}
	HookPosProtect = &sim.HookPos{Name: "Protect"}
	HookPosFork    = &sim.HookPos{Name: "Fork"}
	HookPosDestroy = &sim.HookPos{Name: "Destroy"}
)

// Event describes a completed address-space operation.
type Event struct {
	Space   *AddressSpace
	Mapping vm.Mapping
	Range   vm.Range
	Perm    vm.Perm
	Child   *AddressSpace
}

// AddressSpace is the virtual memory of one process, or of the kernel. One
// lock covers both the mapping set and the page tables. Translate only reads
// and takes the lock shared.
type AddressSpace struct {
	*sim.HookableBase

	mu sync.RWMutex

	name        string
	pid         vm.PID
	kernel      bool
	kernelSlots int
	root        phys.Frame
	zero        phys.Frame
	region      vm.Range

	memory      *phys.Memory
	allocator   phys.FrameAllocator
	tables      *pagetable.Tables
	invalidator Invalidator
	kernelSpace *AddressSpace

	mappings  *btree.BTreeG[vm.Mapping]
	destroyed bool

	// active counts the cores that have the space loaded. It is -1 once the
	// space is destroyed.
	active atomic.Int32
}

// Name returns the name of the address space.
func (s *AddressSpace) Name() string {
	return s.name
}

// PID returns the process that owns the address space.
func (s *AddressSpace) PID() vm.PID {
	return s.pid
}

// IsKernel tells if this is the kernel address space.
func (s *AddressSpace) IsKernel() bool {
	return s.kernel
}

// Root returns the frame of the root page table.
func (s *AddressSpace) Root() phys.Frame {
	return s.root
}

// ZeroFrame returns the zero-filled frame that every untouched anonymous
// page maps read-only. It is owned by the kernel space and never written.
func (s *AddressSpace) ZeroFrame() phys.Frame {
	return s.zero
}

// Region returns the range of addresses the space may map.
func (s *AddressSpace) Region() vm.Range {
	return s.region
}

// Tables returns the page-table editor the space uses.
func (s *AddressSpace) Tables() *pagetable.Tables {
	return s.tables
}

// Activate records that a core loaded the space. It fails once the space is
// destroyed.
func (s *AddressSpace) Activate() error {
	for {
		n := s.active.Load()
		if n < 0 {
			return vm.ErrDestroyed
		}

		if s.active.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Deactivate records that a core switched away from the space.
func (s *AddressSpace) Deactivate() {
	if s.active.Add(-1) < 0 {
		log.Panicf("address space %s deactivated more often than activated",
			s.name)
	}
}

// ActiveCores returns the number of cores that have the space loaded.
func (s *AddressSpace) ActiveCores() int {
	return max(int(s.active.Load()), 0)
}

func (s *AddressSpace) invokeHook(pos *sim.HookPos, e *Event) {
	e.Space = s
	s.InvokeHook(sim.HookCtx{Domain: s, Pos: pos, Item: e})
}

func (s *AddressSpace) checkRange(r vm.Range) error {
	if !r.Valid() || !s.region.IsSupersetOf(r) {
		return fmt.Errorf("%w: %s outside %s", vm.ErrInvalidRange, r, s.region)
	}

	return nil
}

// overlapping returns the mappings that share addresses with r, in address
// order.
func (s *AddressSpace) overlapping(r vm.Range) []vm.Mapping {
	var found []vm.Mapping

	pivot := vm.Mapping{Range: vm.Range{Start: r.End - 1}}
	s.mappings.DescendLessOrEqual(pivot, func(m vm.Mapping) bool {
		if m.Range.End <= r.Start {
			return false
		}

		found = append(found, m)

		return true
	})

	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}

	return found
}

// covers tells if the mappings, sorted and disjoint, leave no hole in r.
func covers(ms []vm.Mapping, r vm.Range) bool {
	next := r.Start
	for _, m := range ms {
		if m.Range.Start > next {
			return false
		}

		next = max(next, m.Range.End)
	}

	return next >= r.End
}

func (s *AddressSpace) findLocked(addr uint64) (vm.Mapping, bool) {
	var found vm.Mapping

	ok := false
	pivot := vm.Mapping{Range: vm.Range{Start: addr}}
	s.mappings.DescendLessOrEqual(pivot, func(m vm.Mapping) bool {
		ok = m.Range.Contains(addr)
		found = m

		return false
	})

	return found, ok
}

// FindMapping returns the mapping that covers the address.
func (s *AddressSpace) FindMapping(addr uint64) (vm.Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findLocked(addr)
}

// Mappings returns all mappings in address order.
func (s *AddressSpace) Mappings() []vm.Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mappingsLocked()
}

func (s *AddressSpace) mappingsLocked() []vm.Mapping {
	ms := make([]vm.Mapping, 0, s.mappings.Len())
	s.mappings.Ascend(func(m vm.Mapping) bool {
		ms = append(ms, m)
		return true
	})

	return ms
}

func (s *AddressSpace) invalidate(r vm.Range) {
	s.invalidator.Invalidate(s.root, r, s.kernel)
}

// Map adds a mapping. It fails with vm.ErrOverlap if any page of the range
// is already mapped. Direct mappings, mappings with source frames, and eager
// mappings get their own frames right away. The pages of other mappings map
// the zero frame copy-on-write until the first write. If populating fails,
// nothing of the mapping is left behind.
func (s *AddressSpace) Map(m vm.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	if err := s.checkRange(m.Range); err != nil {
		return err
	}

	if m.Backing == vm.Direct && !s.memory.Contains(m.PhysBase, m.Range.Length()) {
		return fmt.Errorf("%w: direct range at %s beyond physical memory",
			vm.ErrInvalidMapping, m.PhysBase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return vm.ErrDestroyed
	}

	if err := s.mapLocked(m); err != nil {
		return err
	}

	s.invokeHook(HookPosMap, &Event{Mapping: m, Range: m.Range, Perm: m.Perm})

	return nil
}

func (s *AddressSpace) mapLocked(m vm.Mapping) error {
	if s.kernel && m.Perm.Has(vm.PermUser) {
		return fmt.Errorf("%w: %s in the kernel space", vm.ErrInvalidPerm, m.Perm)
	}

	if others := s.overlapping(m.Range); len(others) > 0 {
		return fmt.Errorf("%w: %s overlaps %s", vm.ErrOverlap, m.Range, others[0])
	}

	if err := s.populateLocked(m); err != nil {
		return err
	}

	s.mappings.ReplaceOrInsert(m)

	return nil
}

func (s *AddressSpace) populateLocked(m vm.Mapping) error {
	install := s.installLocked
	if !m.Eager && m.Backing != vm.Direct && len(m.Source) == 0 {
		install = s.installZeroLocked
	}

	for va := m.Range.Start; va < m.Range.End; va += vm.PageSize {
		err := install(va, m)
		if err == nil {
			continue
		}

		if va > m.Range.Start {
			done := vm.Range{Start: m.Range.Start, End: va}
			frames := s.clearLeavesLocked(done, m.Backing, nil)
			s.invalidate(done)
			s.releaseFrames(frames)
		}

		return fmt.Errorf("populating %s: %w", m.Range, err)
	}

	return nil
}

// installLocked fills the leaf of one page of m.
func (s *AddressSpace) installLocked(va uint64, m vm.Mapping) error {
	var (
		f   phys.Frame
		cow bool
	)

	src, shared := m.SourceFor(va)

	switch {
	case m.Backing == vm.Direct:
		f = m.FrameFor(va)
	case shared:
		s.allocator.IncRef(src)
		f = src
		cow = true
	default:
		var err error

		f, err = s.allocator.Allocate()
		if err != nil {
			return err
		}

		s.memory.ZeroFrame(f)
	}

	flags := pagetable.FlagsFor(m.Perm, cow, s.kernel)

	old, err := s.tables.SetLeaf(s.root, va, f, flags)
	if err != nil {
		if m.Backing.Owned() {
			s.allocator.Release(f)
		}

		return err
	}

	if old.IsPopulated() && old.Frame() == s.zero {
		s.invalidate(vm.RangeOf(va, 1))
	}

	return nil
}

// installZeroLocked maps one page of m to the zero frame. The leaf is
// read-only and copy-on-write so that the first write gets a private frame.
// Leaves of the zero frame hold no reference.
func (s *AddressSpace) installZeroLocked(va uint64, m vm.Mapping) error {
	flags := pagetable.FlagsFor(m.Perm, true, s.kernel)
	_, err := s.tables.SetLeaf(s.root, va, s.zero, flags)

	return err
}

// clearLeavesLocked empties every leaf in r and appends the frames that
// must be released once no core can use them any more.
func (s *AddressSpace) clearLeavesLocked(
	r vm.Range,
	backing vm.Backing,
	frames []phys.Frame,
) []phys.Frame {
	s.tables.VisitLeaves(s.root, r, func(_ uint64, slot pagetable.Slot) bool {
		e := slot.Swap(0)
		if backing.Owned() && e.Frame() != s.zero {
			frames = append(frames, e.Frame())
		}

		return true
	})

	return frames
}

func (s *AddressSpace) releaseFrames(frames []phys.Frame) {
	for _, f := range frames {
		if s.allocator.RefCount(f) == 0 {
			log.Panicf("leaf of %s points at unowned %s", s.name, f)
		}

		s.allocator.Release(f)
	}
}

// Unmap removes every page of r. It fails with vm.ErrNotMapped unless the
// whole range is mapped. Mappings that stick out of r are cut. The frames
// are released only after every core has dropped its translations.
func (s *AddressSpace) Unmap(r vm.Range) error {
	if err := s.checkRange(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return vm.ErrDestroyed
	}

	ms := s.overlapping(r)
	if !covers(ms, r) {
		return fmt.Errorf("%w: %s", vm.ErrNotMapped, r)
	}

	var frames []phys.Frame

	for _, m := range ms {
		s.mappings.Delete(m)

		before, inside, after := m.Carve(r)
		if before != nil {
			s.mappings.ReplaceOrInsert(*before)
		}

		if after != nil {
			s.mappings.ReplaceOrInsert(*after)
		}

		frames = s.clearLeavesLocked(inside.Range, inside.Backing, frames)
	}

	s.invalidate(r)
	s.releaseFrames(frames)

	s.invokeHook(HookPosUnmap, &Event{Range: r})

	return nil
}

// Protect changes the permission of every page in r, which must be fully
// mapped. Removing a right takes effect on every core before Protect
// returns. Added rights reach the other cores lazily, through spurious
// faults.
func (s *AddressSpace) Protect(r vm.Range, perm vm.Perm) error {
	if err := s.checkRange(r); err != nil {
		return err
	}

	if s.kernel && perm.Has(vm.PermUser) {
		return fmt.Errorf("%w: %s in the kernel space", vm.ErrInvalidPerm, perm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return vm.ErrDestroyed
	}

	ms := s.overlapping(r)
	if !covers(ms, r) {
		return fmt.Errorf("%w: %s", vm.ErrNotMapped, r)
	}

	narrowed := false

	for _, m := range ms {
		s.mappings.Delete(m)

		before, inside, after := m.Carve(r)
		if before != nil {
			s.mappings.ReplaceOrInsert(*before)
		}

		if after != nil {
			s.mappings.ReplaceOrInsert(*after)
		}

		narrowed = narrowed || m.Perm.Narrows(perm)

		inside.Perm = perm
		s.mappings.ReplaceOrInsert(*inside)
		s.reprotectLeavesLocked(inside.Range, perm)
	}

	if narrowed {
		s.invalidate(r)
	}

	s.invokeHook(HookPosProtect, &Event{Range: r, Perm: perm})

	return nil
}

func (s *AddressSpace) reprotectLeavesLocked(r vm.Range, perm vm.Perm) {
	const kept = pagetable.FlagAccessed | pagetable.FlagDirty |
		pagetable.FlagWriteThrough | pagetable.FlagCacheDisable

	s.tables.VisitLeaves(s.root, r, func(_ uint64, slot pagetable.Slot) bool {
		e := slot.Load()
		cow := e.HasFlags(pagetable.FlagCopyOnWrite)
		flags := pagetable.FlagsFor(perm, cow, s.kernel) | e.Flags()&kept
		slot.Store(pagetable.MakeEntry(e.Frame(), flags))

		return true
	})
}

// Translate returns the physical address that vaddr maps to. It never
// allocates and never faults.
func (s *AddressSpace) Translate(vaddr uint64) (phys.PAddr, bool) {
	if !vm.IsCanonical(vaddr) {
		return 0, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return 0, false
	}

	e, ok := s.tables.Lookup(s.root, vaddr)
	if !ok {
		return 0, false
	}

	return e.Frame().Address() + phys.PAddr(vaddr&(vm.PageSize-1)), true
}

// Fork creates a copy of the address space for a child process. Owned
// pages are shared copy-on-write: both leaves become read-only with the COW
// bit and the frame gains a reference. No page is copied.
func (s *AddressSpace) Fork(name string, pid vm.PID) (*AddressSpace, error) {
	if s.kernel {
		return nil, vm.ErrKernelSpace
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, vm.ErrDestroyed
	}

	child, err := s.kernelSpace.NewUserSpace(name, pid)
	if err != nil {
		return nil, fmt.Errorf("forking %s: %w", s.name, err)
	}

	child.mu.Lock()
	defer child.mu.Unlock()

	shared := false
	for _, m := range s.mappingsLocked() {
		child.mappings.ReplaceOrInsert(m)

		var changed bool

		changed, err = s.shareLeavesLocked(child, m)
		shared = shared || changed

		if err != nil {
			break
		}
	}

	if shared {
		s.invalidate(s.region)
	}

	if err != nil {
		child.destroyLocked()
		return nil, fmt.Errorf("forking %s: %w", s.name, err)
	}

	s.invokeHook(HookPosFork, &Event{Child: child})

	return child, nil
}

func (s *AddressSpace) shareLeavesLocked(
	child *AddressSpace,
	m vm.Mapping,
) (changed bool, err error) {
	const dropped = pagetable.FlagAccessed | pagetable.FlagDirty

	s.tables.VisitLeaves(s.root, m.Range, func(va uint64, slot pagetable.Slot) bool {
		e := slot.Load()
		owned := m.Backing.Owned() && e.Frame() != s.zero

		if owned {
			if e.HasFlags(pagetable.FlagWritable) ||
				!e.HasFlags(pagetable.FlagCopyOnWrite) {
				e = e.WithoutFlags(pagetable.FlagWritable).
					WithFlags(pagetable.FlagCopyOnWrite)
				slot.Store(e)
				changed = true
			}

			s.allocator.IncRef(e.Frame())
		}

		_, err = child.tables.SetLeaf(child.root, va, e.Frame(),
			e.Flags()&^dropped)
		if err != nil {
			if owned {
				s.allocator.Release(e.Frame())
			}

			return false
		}

		return true
	})

	return changed, err
}

// Destroy releases every frame and table of the address space. The space
// must not be active on any core.
func (s *AddressSpace) Destroy() error {
	if s.kernel {
		return vm.ErrKernelSpace
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return vm.ErrDestroyed
	}

	if !s.active.CompareAndSwap(0, -1) {
		return fmt.Errorf("%w: %d cores", vm.ErrActive, s.active.Load())
	}

	s.destroyLocked()

	s.invokeHook(HookPosDestroy, &Event{Range: s.region})

	return nil
}

func (s *AddressSpace) destroyLocked() {
	var frames []phys.Frame

	s.mappings.Ascend(func(m vm.Mapping) bool {
		frames = s.clearLeavesLocked(m.Range, m.Backing, frames)
		return true
	})
	s.mappings.Clear(false)

	s.invalidate(s.region)
	s.releaseFrames(frames)

	s.tables.FreeTables(s.root, 0, pagetable.KernelFirstSlot)
	s.allocator.Release(s.root)

	s.active.Store(-1)
	s.destroyed = true
}

// IsDestroyed tells if Destroy has completed.
func (s *AddressSpace) IsDestroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.destroyed
}
