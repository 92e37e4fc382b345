package fault

import (
	"errors"
	"log"
	"sync/atomic"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/sim"
)

// HookPosFault is triggered once a fault leaves the handler, resolved or
// delivered. The hook item is the *Fault.
var HookPosFault = &sim.HookPos{Name: "PageFault"}

// AddressSpace is the view of an address space that the handler needs. The
// Locked methods may only be called between Lock and Unlock.
type AddressSpace interface {
	PID() vm.PID
	IsKernel() bool

	Lock()
	Unlock()

	// FindMappingLocked returns the mapping that covers the address.
	FindMappingLocked(addr uint64) (vm.Mapping, bool)

	// LeafLocked returns the leaf entry of the address. The bool is false
	// if the leaf is not present.
	LeafLocked(addr uint64) (pagetable.Entry, bool)

	// DemandPageLocked installs a zero-filled frame, or the source frame of
	// a shared mapping, for the page of the address.
	DemandPageLocked(addr uint64, mapping vm.Mapping) error

	// BreakCopyOnWriteLocked gives the page of the address a private,
	// writable frame. It reports whether the content had to be copied.
	BreakCopyOnWriteLocked(addr uint64, mapping vm.Mapping) (copied bool, err error)

	// ZeroFrame returns the shared zero-filled frame that backs untouched
	// anonymous pages.
	ZeroFrame() phys.Frame
}

// A Deliverer receives the faults that cannot be resolved, usually to
// signal or terminate the faulting process.
type Deliverer interface {
	DeliverUnresolved(pid vm.PID, reason Reason, addr uint64)
}

// Stats counts the faults seen by a handler.
type Stats struct {
	Faults    uint64
	Resolved  uint64
	Delivered uint64
	Spurious  uint64
	Zeroed    uint64
	Claimed   uint64
	Copied    uint64
}

// Handler runs the page-fault state machine.
type Handler struct {
	*sim.HookableBase

	deliverer Deliverer
	kernel    AddressSpace

	faults    atomic.Uint64
	resolved  atomic.Uint64
	delivered atomic.Uint64
	spurious  atomic.Uint64
	zeroed    atomic.Uint64
	claimed   atomic.Uint64
	copied    atomic.Uint64
}

// NewHandler creates a handler that hands unresolved faults to deliverer.
func NewHandler(deliverer Deliverer) *Handler {
	return &Handler{
		HookableBase: sim.NewHookableBase(),
		deliverer:    deliverer,
	}
}

// SetKernelSpace sets the address space that owns the kernel half. Kernel
// mode faults on kernel addresses are resolved against it, whatever space
// is active.
func (h *Handler) SetKernelSpace(k AddressSpace) {
	h.kernel = k
}

// Handle moves the fault from Received to Resolved or Delivered. space is
// the address space active on the faulting core.
func (h *Handler) Handle(space AddressSpace, f *Fault) {
	h.faults.Add(1)

	f.Kind = Classify(f.Code, f.Addr)
	f.State = Classified

	owner := space
	if vm.IsKernelAddr(f.Addr) && !f.Code.User() && h.kernel != nil {
		owner = h.kernel
	}

	reason, ok := h.resolve(owner, f)
	if ok {
		f.State = Resolved
		h.resolved.Add(1)
		h.countAction(f.Action)
	} else {
		f.State = Delivered
		f.Reason = reason
		h.delivered.Add(1)
		h.deliverer.DeliverUnresolved(space.PID(), reason, f.Addr)
	}

	h.InvokeHook(sim.HookCtx{
		Domain: h,
		Pos:    HookPosFault,
		Item:   f,
	})
}

func (h *Handler) countAction(a Action) {
	switch a {
	case Spurious:
		h.spurious.Add(1)
	case DemandZero:
		h.zeroed.Add(1)
	case CopyOnWriteClaim:
		h.claimed.Add(1)
	case CopyOnWriteCopy:
		h.copied.Add(1)
	}
}

func (h *Handler) resolve(space AddressSpace, f *Fault) (Reason, bool) {
	if f.Code.User() && vm.IsKernelAddr(f.Addr) {
		return ProtectionViolation, false
	}

	space.Lock()
	defer space.Unlock()

	m, found := space.FindMappingLocked(f.Addr)
	if !found {
		return NoMapping, false
	}

	access := f.Code.Access()
	user := f.Code.User()

	if user && !m.Perm.Has(vm.PermUser) {
		return ProtectionViolation, false
	}

	if !m.Perm.Allows(access) {
		return ProtectionViolation, false
	}

	e, present := space.LeafLocked(f.Addr)
	if present && e.Permits(access, user) {
		f.Action = Spurious
		return NoReason, true
	}

	switch f.Kind {
	case NotPresent:
		return h.demandPage(space, f, m, present)
	case WriteToReadOnly:
		return h.breakCopyOnWrite(space, f, m, e, present)
	default:
		if !present {
			// The page went away after the access; retrying faults again
			// with an accurate code.
			f.Action = Spurious
			return NoReason, true
		}

		return ProtectionViolation, false
	}
}

func (h *Handler) demandPage(
	space AddressSpace,
	f *Fault,
	m vm.Mapping,
	present bool,
) (Reason, bool) {
	if present {
		f.Action = Spurious
		return NoReason, true
	}

	if !m.Backing.Owned() {
		log.Panicf("direct mapping %s has no leaf for %#x", m, f.Addr)
	}

	err := space.DemandPageLocked(f.Addr, m)
	if err != nil {
		return h.failed(space, f, err)
	}

	f.Action = DemandZero

	return NoReason, true
}

func (h *Handler) breakCopyOnWrite(
	space AddressSpace,
	f *Fault,
	m vm.Mapping,
	e pagetable.Entry,
	present bool,
) (Reason, bool) {
	if !present {
		f.Action = Spurious
		return NoReason, true
	}

	if !e.HasFlags(pagetable.FlagCopyOnWrite) {
		return ProtectionViolation, false
	}

	zero := e.Frame() == space.ZeroFrame()

	copied, err := space.BreakCopyOnWriteLocked(f.Addr, m)
	if err != nil {
		return h.failed(space, f, err)
	}

	switch {
	case zero:
		f.Action = DemandZero
	case copied:
		f.Action = CopyOnWriteCopy
	default:
		f.Action = CopyOnWriteClaim
	}

	return NoReason, true
}

func (h *Handler) failed(space AddressSpace, f *Fault, err error) (Reason, bool) {
	if !errors.Is(err, phys.ErrOutOfMemory) {
		log.Panicf("resolving %s: %v", f, err)
	}

	if space.IsKernel() {
		log.Panicf("out of memory resolving kernel %s", f)
	}

	return NoMemory, false
}

// Stats returns the counters of the handler.
func (h *Handler) Stats() Stats {
	return Stats{
		Faults:    h.faults.Load(),
		Resolved:  h.resolved.Load(),
		Delivered: h.delivered.Load(),
		Spurious:  h.spurious.Load(),
		Zeroed:    h.zeroed.Load(),
		Claimed:   h.claimed.Load(),
		Copied:    h.copied.Load(),
	}
}
