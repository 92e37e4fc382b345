// Package mmu models the cores of the machine: their root register, their
// TLB, the hardware page walk, and the interrupt that delivers TLB
// shootdowns.
package mmu

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/sim"
)

// HookPosContextSwitch marks a core loading another address space. The hook
// item is a *ContextSwitch.
var HookPosContextSwitch = &sim.HookPos{Name: "ContextSwitch"}

// Errors returned by accesses that do not raise page faults.
var (
	ErrNonCanonical = errors.New("non-canonical address")
	ErrBusError     = errors.New("physical address beyond memory")
	ErrNoSpace      = errors.New("no address space loaded")
)

// Mode is the privilege level of an access.
type Mode uint8

// Privilege levels.
const (
	KernelMode Mode = iota
	UserMode
)

func (m Mode) String() string {
	if m == UserMode {
		return "user"
	}

	return "kernel"
}

// A FaultHandler resolves or delivers the page faults raised by a core.
type FaultHandler interface {
	Handle(space fault.AddressSpace, f *fault.Fault)
}

// ContextSwitch describes a core changing address spaces.
type ContextSwitch struct {
	Core *Core
	From *mm.AddressSpace
	To   *mm.AddressSpace
}

// Stats counts the work of a core.
type Stats struct {
	Accesses   uint64
	Walks      uint64
	Faults     uint64
	Retries    uint64
	Interrupts uint64
	Switches   uint64
	TLB        tlb.Stats
}

// Core is one processor. Its mutex plays the part of "between two
// instructions": a TLB shootdown is applied while no walk and no access of
// the core is in flight. The mutex is never held while an address-space
// lock is taken.
type Core struct {
	*sim.HookableBase

	id   int
	name string

	mu     sync.Mutex
	paging bool
	cr3    phys.Frame
	space  *mm.AddressSpace
	pc     uint64
	tlb    *tlb.TLB

	memory     *phys.Memory
	tables     *pagetable.Tables
	handler    FaultHandler
	maxRetries int

	runMu sync.Mutex
	ipi   chan *tlb.FlushReq
	done  chan struct{}
	wg    sync.WaitGroup

	accesses   atomic.Uint64
	walks      atomic.Uint64
	faults     atomic.Uint64
	retries    atomic.Uint64
	interrupts atomic.Uint64
	switches   atomic.Uint64
}

// ID returns the index of the core.
func (c *Core) ID() int {
	return c.id
}

// Name returns the name of the core.
func (c *Core) Name() string {
	return c.name
}

// ActiveRoot returns the root register. The bool is false when paging is
// off.
func (c *Core) ActiveRoot() (phys.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cr3, c.paging
}

// Space returns the address space loaded on the core.
func (c *Core) Space() *mm.AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.space
}

// IsPagingEnabled tells if addresses are translated.
func (c *Core) IsPagingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paging
}

// SetPC sets the program counter reported with page faults.
func (c *Core) SetPC(pc uint64) {
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
}

// PC returns the program counter.
func (c *Core) PC() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pc
}

// EnablePaging loads the address space and turns translation on.
func (c *Core) EnablePaging(space *mm.AddressSpace) error {
	if err := c.SwitchTo(space); err != nil {
		return err
	}

	c.mu.Lock()
	c.paging = true
	c.tlb.Flush(true)
	c.mu.Unlock()

	return nil
}

// DisablePaging turns translation off. Addresses are physical afterwards.
func (c *Core) DisablePaging() {
	c.mu.Lock()
	c.paging = false
	c.tlb.Flush(true)
	c.mu.Unlock()
}

// FlushAll drops the cached translations of the core. Global ones survive
// unless includeGlobal is set.
func (c *Core) FlushAll(includeGlobal bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tlb.Flush(includeGlobal)
}

// FlushPage drops the cached translation of the page that holds vaddr.
func (c *Core) FlushPage(vaddr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tlb.InvalidatePage(vaddr)
}

// SwitchTo loads another address space into the root register and drops
// every non-global translation.
func (c *Core) SwitchTo(space *mm.AddressSpace) error {
	if space == nil {
		return ErrNoSpace
	}

	c.mu.Lock()
	old := c.space
	c.mu.Unlock()

	if old == space {
		return nil
	}

	if err := space.Activate(); err != nil {
		return fmt.Errorf("switching %s to %s: %w", c.name, space.Name(), err)
	}

	c.mu.Lock()
	old = c.space
	c.space = space
	c.cr3 = space.Root()
	c.tlb.Flush(false)
	c.mu.Unlock()

	if old != nil {
		old.Deactivate()
	}

	c.switches.Add(1)
	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    HookPosContextSwitch,
		Item:   &ContextSwitch{Core: c, From: old, To: space},
	})

	return nil
}

// Start runs the goroutine that takes interrupts.
func (c *Core) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	select {
	case <-c.done:
	default:
		return
	}

	done := make(chan struct{})
	c.done = done

	c.wg.Add(1)
	go c.run(done)
}

// Stop ends the interrupt goroutine. Later interrupts are served by the
// issuer.
func (c *Core) Stop() {
	c.runMu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.runMu.Unlock()

	c.wg.Wait()
}

func (c *Core) run(done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case req := <-c.ipi:
			c.serve(req)
		case <-done:
			return
		}
	}
}

// Interrupt delivers a TLB flush request to the core.
func (c *Core) Interrupt(req *tlb.FlushReq) error {
	c.runMu.Lock()
	done := c.done
	c.runMu.Unlock()

	select {
	case c.ipi <- req:
	case <-done:
		c.serve(req)
	}

	return nil
}

func (c *Core) serve(req *tlb.FlushReq) {
	c.mu.Lock()
	rsp := req.Apply(c.tlb, c.name)
	c.mu.Unlock()

	c.interrupts.Add(1)
	req.Respond(rsp)
}

// Stats returns the counters of the core.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	tlbStats := c.tlb.Stats()
	c.mu.Unlock()

	return Stats{
		Accesses:   c.accesses.Load(),
		Walks:      c.walks.Load(),
		Faults:     c.faults.Load(),
		Retries:    c.retries.Load(),
		Interrupts: c.interrupts.Load(),
		Switches:   c.switches.Load(),
		TLB:        tlbStats,
	}
}

func (c *Core) livelock(f *fault.Fault) {
	log.Panicf("%s: %s resolved %d times without progress",
		c.name, f, c.maxRetries)
}
