package mmu

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
)

// Read copies len(buf) bytes at vaddr into buf.
func (c *Core) Read(mode Mode, vaddr uint64, buf []byte) error {
	return c.access(mode, vm.AccessRead, vaddr, buf)
}

// Write stores data at vaddr.
func (c *Core) Write(mode Mode, vaddr uint64, data []byte) error {
	return c.access(mode, vm.AccessWrite, vaddr, data)
}

// Fetch reads instruction bytes at vaddr. It needs execute rights.
func (c *Core) Fetch(mode Mode, vaddr uint64, buf []byte) error {
	return c.access(mode, vm.AccessExec, vaddr, buf)
}

func (c *Core) access(mode Mode, a vm.Access, vaddr uint64, buf []byte) error {
	for done := uint64(0); done < uint64(len(buf)); {
		va := vaddr + done
		n := min(uint64(len(buf))-done, vm.PageSize-va%vm.PageSize)

		if err := c.accessPage(mode, a, va, buf[done:done+n]); err != nil {
			return err
		}

		done += n
	}

	return nil
}

// accessPage performs an access that stays within one page. A fault is
// handed to the fault handler with the core lock released; once resolved,
// the access starts over.
func (c *Core) accessPage(mode Mode, a vm.Access, va uint64, chunk []byte) error {
	c.accesses.Add(1)

	for attempt := 0; ; attempt++ {
		f, err := c.tryAccess(mode, a, va, chunk)
		if err != nil || f == nil {
			return err
		}

		c.faults.Add(1)
		if attempt >= c.maxRetries {
			c.livelock(f)
		}

		space := c.Space()
		c.handler.Handle(space, f)

		if f.State != fault.Resolved {
			return &fault.Error{Fault: *f}
		}

		c.retries.Add(1)
		c.FlushPage(va)
	}
}

// tryAccess translates and accesses under the core lock. It returns the
// fault to raise when translation fails.
func (c *Core) tryAccess(
	mode Mode,
	a vm.Access,
	va uint64,
	chunk []byte,
) (*fault.Fault, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paging {
		return nil, c.copy(phys.PAddr(va), a, chunk)
	}

	if !vm.IsCanonical(va) {
		return nil, fmt.Errorf("%w: %#x", ErrNonCanonical, va)
	}

	if c.space == nil {
		return nil, ErrNoSpace
	}

	user := mode == UserMode

	e, hit := c.tlb.Lookup(va)
	if !hit || !allowed(e.Flags, a, user) ||
		(a == vm.AccessWrite && !e.Flags.HasFlags(pagetable.FlagDirty)) {
		var code fault.Code

		e, code, hit = c.walk(va, a, user)
		if !hit {
			return fault.New(c.space.PID(), c.id, va, code, c.pc), nil
		}
	}

	pa := e.Frame.Address() + phys.PAddr(va%vm.PageSize)

	return nil, c.copy(pa, a, chunk)
}

func (c *Core) copy(pa phys.PAddr, a vm.Access, chunk []byte) error {
	if !c.memory.Contains(pa, uint64(len(chunk))) {
		return fmt.Errorf("%w: %s", ErrBusError, pa)
	}

	if a == vm.AccessWrite {
		c.memory.Write(pa, chunk)
	} else {
		c.memory.Read(pa, chunk)
	}

	return nil
}

// walk is the hardware page walk. It starts at the root register, combines
// the rights of every level, sets the Accessed and Dirty bits of the leaf,
// and caches the result. When it fails it returns the error code of the
// page fault.
func (c *Core) walk(
	va uint64,
	a vm.Access,
	user bool,
) (tlb.Translation, fault.Code, bool) {
	for {
		c.walks.Add(1)

		entry, code, ok, stale := c.walkOnce(va, a, user)
		if !stale {
			return entry, code, ok
		}
	}
}

// walkOnce reports stale when software rewrote the leaf between the load
// and the update of the status bits.
func (c *Core) walkOnce(
	va uint64,
	a vm.Access,
	user bool,
) (entry tlb.Translation, code fault.Code, ok, stale bool) {
	rights := pagetable.FlagWritable | pagetable.FlagUser
	noExec := pagetable.Entry(0)

	table := c.cr3
	for level := 0; level < pagetable.Levels-1; level++ {
		e := c.tables.SlotAt(table, pagetable.Index(va, level), level).Load()
		if !e.IsPresent() {
			return entry, fault.MakeCode(false, a, user), false, false
		}

		rights &= e.Flags()
		noExec |= e.Flags() & pagetable.FlagNoExecute
		table = e.Frame()
	}

	slot := c.tables.SlotAt(table, pagetable.Index(va, pagetable.Levels-1),
		pagetable.Levels-1)
	e := slot.Load()
	if !e.IsPresent() {
		return entry, fault.MakeCode(false, a, user), false, false
	}

	rights &= e.Flags()
	noExec |= e.Flags() & pagetable.FlagNoExecute

	eff := e.Flags()&^(pagetable.FlagWritable|pagetable.FlagUser|
		pagetable.FlagNoExecute) | rights | noExec
	if !allowed(eff, a, user) {
		return entry, fault.MakeCode(true, a, user), false, false
	}

	set := pagetable.FlagAccessed
	if a == vm.AccessWrite {
		set |= pagetable.FlagDirty
	}

	if !e.HasFlags(set) && !slot.CompareAndSwap(e, e.WithFlags(set)) {
		return entry, 0, false, true
	}

	entry = tlb.Translation{Frame: e.Frame(), Flags: eff | set}
	c.tlb.Insert(va, entry)

	return entry, 0, true, false
}

func allowed(eff pagetable.Entry, a vm.Access, user bool) bool {
	if user && !eff.HasFlags(pagetable.FlagUser) {
		return false
	}

	switch a {
	case vm.AccessWrite:
		return eff.HasFlags(pagetable.FlagWritable)
	case vm.AccessExec:
		return !eff.HasFlags(pagetable.FlagNoExecute)
	default:
		return true
	}
}
