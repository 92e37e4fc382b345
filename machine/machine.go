// Package machine puts memory, cores, address spaces and the fault handler
// together into a running system.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/monitoring"
	"github.com/sarchlab/vmcore/sim"
)

// Errors about processes.
var (
	ErrPIDInUse   = errors.New("pid in use")
	ErrNoProcess  = errors.New("no such process")
	ErrKernelPID  = errors.New("pid 0 belongs to the kernel")
	ErrCoreNumber = errors.New("no such core")
)

// A Signal is a fault that reached its process.
type Signal struct {
	PID    vm.PID
	Reason fault.Reason
	Addr   uint64
}

type signalLog struct {
	mu      sync.Mutex
	signals []Signal
}

// Machine is a simulated multi-core computer with paged virtual memory.
type Machine struct {
	memory     *phys.Memory
	allocator  *phys.BitmapAllocator
	controller *tlb.Controller
	handler    *fault.Handler
	kernel     *mm.AddressSpace
	cores      []*mmu.Core
	recorder   datarecording.DataRecorder
	monitor    *monitoring.Monitor

	signals   *signalLog
	deliverer fault.Deliverer

	mu     sync.Mutex
	spaces map[vm.PID]*mm.AddressSpace
}

// PhysmapName names the mapping of all physical memory in the kernel half.
const PhysmapName = "physmap"

func (m *Machine) mapPhysmap() error {
	err := m.kernel.Map(vm.Mapping{
		Name:     PhysmapName,
		Range:    vm.RangeOf(vm.KernelBase, m.memory.NumFrames()),
		Perm:     vm.PermRW,
		Backing:  vm.Direct,
		PhysBase: 0,
	})
	if err != nil {
		return fmt.Errorf("mapping physical memory: %w", err)
	}

	return nil
}

// PhysToVirt returns the kernel address at which a physical address is
// mapped.
func PhysToVirt(pa phys.PAddr) uint64 {
	return vm.KernelBase + uint64(pa)
}

// Memory returns the physical memory.
func (m *Machine) Memory() *phys.Memory {
	return m.memory
}

// Allocator returns the frame allocator.
func (m *Machine) Allocator() *phys.BitmapAllocator {
	return m.allocator
}

// Controller returns the TLB shootdown controller.
func (m *Machine) Controller() *tlb.Controller {
	return m.controller
}

// FaultHandler returns the page-fault handler.
func (m *Machine) FaultHandler() *fault.Handler {
	return m.handler
}

// Monitor returns the monitor, or nil if monitoring is off.
func (m *Machine) Monitor() *monitoring.Monitor {
	return m.monitor
}

// Kernel returns the kernel address space.
func (m *Machine) Kernel() *mm.AddressSpace {
	return m.kernel
}

// Core returns core i.
func (m *Machine) Core(i int) *mmu.Core {
	if i < 0 || i >= len(m.cores) {
		panic(fmt.Sprintf("%v: %d of %d", ErrCoreNumber, i, len(m.cores)))
	}

	return m.cores[i]
}

// Cores returns every core.
func (m *Machine) Cores() []*mmu.Core {
	return append([]*mmu.Core(nil), m.cores...)
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// DeliverUnresolved records the signal and passes it on to the deliverer
// given to the builder.
func (m *Machine) DeliverUnresolved(pid vm.PID, reason fault.Reason, addr uint64) {
	m.signals.mu.Lock()
	m.signals.signals = append(m.signals.signals, Signal{pid, reason, addr})
	m.signals.mu.Unlock()

	if m.deliverer != nil {
		m.deliverer.DeliverUnresolved(pid, reason, addr)
	}
}

// Signals returns the faults delivered so far, oldest first.
func (m *Machine) Signals() []Signal {
	m.signals.mu.Lock()
	defer m.signals.mu.Unlock()

	return append([]Signal(nil), m.signals.signals...)
}

// NewAddressSpace creates an empty address space for a new process.
func (m *Machine) NewAddressSpace(pid vm.PID) (*mm.AddressSpace, error) {
	if pid == vm.KernelPID {
		return nil, ErrKernelPID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spaces[pid]; ok {
		return nil, fmt.Errorf("%w: %d", ErrPIDInUse, pid)
	}

	s, err := m.kernel.NewUserSpace(fmt.Sprintf("pid-%d", pid), pid)
	if err != nil {
		return nil, err
	}

	m.spaces[pid] = s

	return s, nil
}

// Space returns the address space of a process.
func (m *Machine) Space(pid vm.PID) (*mm.AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.spaces[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	return s, nil
}

// Fork copies the address space of parent for a new process child.
func (m *Machine) Fork(parent, child vm.PID) (*mm.AddressSpace, error) {
	p, err := m.Space(parent)
	if err != nil {
		return nil, err
	}

	if child == vm.KernelPID {
		return nil, ErrKernelPID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spaces[child]; ok {
		return nil, fmt.Errorf("%w: %d", ErrPIDInUse, child)
	}

	c, err := p.Fork(fmt.Sprintf("pid-%d", child), child)
	if err != nil {
		return nil, err
	}

	m.spaces[child] = c

	return c, nil
}

// Destroy destroys the address space of a process. Cores running it switch to
// the kernel space first. The process is forgotten only once its space is
// gone, so a failed Destroy can be retried.
func (m *Machine) Destroy(pid vm.PID) error {
	m.mu.Lock()
	s, ok := m.spaces[pid]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	for _, c := range m.cores {
		if c.Space() != s {
			continue
		}

		if err := c.SwitchTo(m.kernel); err != nil {
			return err
		}
	}

	if err := s.Destroy(); err != nil {
		return fmt.Errorf("destroying pid %d: %w", pid, err)
	}

	m.mu.Lock()
	if m.spaces[pid] == s {
		delete(m.spaces, pid)
	}
	m.mu.Unlock()

	return nil
}

// Spaces returns the kernel space followed by the process spaces in pid
// order.
func (m *Machine) Spaces() []*mm.AddressSpace {
	m.mu.Lock()
	spaces := make([]*mm.AddressSpace, 0, len(m.spaces)+1)
	for _, s := range m.spaces {
		spaces = append(spaces, s)
	}
	m.mu.Unlock()

	sort.Slice(spaces, func(i, j int) bool {
		return spaces[i].PID() < spaces[j].PID()
	})

	return append([]*mm.AddressSpace{m.kernel}, spaces...)
}

// OnContextSwitch calls fn every time a core switches address spaces.
func (m *Machine) OnContextSwitch(fn func(cs *mmu.ContextSwitch)) {
	hook := sim.HookFunc(func(ctx sim.HookCtx) {
		if ctx.Pos == mmu.HookPosContextSwitch {
			fn(ctx.Item.(*mmu.ContextSwitch))
		}
	})

	for _, c := range m.cores {
		c.AcceptHook(hook)
	}
}

// MemInfo reports the use of physical memory.
func (m *Machine) MemInfo() mm.MemInfo {
	return mm.CollectMemInfo(m.allocator.Stats(), m.Spaces())
}

// FaultStats returns the counters of the fault handler.
func (m *Machine) FaultStats() fault.Stats {
	return m.handler.Stats()
}

// ShootdownStats returns the counters of the shootdown controller.
func (m *Machine) ShootdownStats() tlb.ControllerStats {
	return m.controller.Stats()
}

// Shutdown stops the cores and the monitor and flushes the recorder.
func (m *Machine) Shutdown() {
	for _, c := range m.cores {
		c.Stop()
	}

	if m.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = m.monitor.StopServer(ctx)
	}

	if m.recorder != nil {
		m.recorder.Flush()
	}
}
