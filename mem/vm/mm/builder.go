package mm

import (
	"fmt"

	"github.com/google/btree"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/sim"
)

// An Invalidator removes stale translations from the cores.
type Invalidator interface {
	Invalidate(root phys.Frame, r vm.Range, global bool)
}

type noInvalidation struct{}

func (noInvalidation) Invalidate(phys.Frame, vm.Range, bool) {}

// A Builder can build the kernel address space. User address spaces are
// derived from it.
type Builder struct {
	memory      *phys.Memory
	allocator   phys.FrameAllocator
	invalidator Invalidator
	kernelSlots int
}

// MakeBuilder returns a Builder with four kernel slots, 2 TiB of kernel
// address space.
func MakeBuilder() Builder {
	return Builder{
		kernelSlots: 4,
		invalidator: noInvalidation{},
	}
}

// WithMemory sets the physical memory that holds the page tables.
func (b Builder) WithMemory(m *phys.Memory) Builder {
	b.memory = m
	return b
}

// WithAllocator sets the frame allocator.
func (b Builder) WithAllocator(a phys.FrameAllocator) Builder {
	b.allocator = a
	return b
}

// WithInvalidator sets who is told about changed translations.
func (b Builder) WithInvalidator(i Invalidator) Builder {
	b.invalidator = i
	return b
}

// WithKernelSlots sets the number of root slots, from slot 256 up, that form
// the shared kernel region.
func (b Builder) WithKernelSlots(n int) Builder {
	b.kernelSlots = n
	return b
}

// BuildKernel creates the kernel address space. The tables of the whole
// kernel region are allocated up front so that every address space created
// later shares them. The zero frame is allocated here too.
func (b Builder) BuildKernel(name string) (*AddressSpace, error) {
	if b.memory == nil || b.allocator == nil {
		panic("kernel address space needs memory and an allocator")
	}

	maxSlots := pagetable.RecursiveSlot - pagetable.KernelFirstSlot
	if b.kernelSlots <= 0 || b.kernelSlots > maxSlots {
		return nil, fmt.Errorf("%w: %d kernel slots, want 1 to %d",
			vm.ErrInvalidRange, b.kernelSlots, maxSlots)
	}

	tables := pagetable.New(b.memory, b.allocator)

	zero, err := b.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	b.memory.ZeroFrame(zero)

	root, err := tables.NewRoot()
	if err != nil {
		b.allocator.Release(zero)
		return nil, err
	}

	for i := 0; i < b.kernelSlots; i++ {
		err = tables.AllocateSlot(root, pagetable.KernelFirstSlot+i)
		if err != nil {
			tables.FreeTables(root, pagetable.KernelFirstSlot,
				pagetable.KernelFirstSlot+i)
			b.allocator.Release(root)
			b.allocator.Release(zero)

			return nil, err
		}
	}

	s := &AddressSpace{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		pid:          vm.KernelPID,
		kernel:       true,
		kernelSlots:  b.kernelSlots,
		root:         root,
		zero:         zero,
		region:       vm.KernelRange(b.kernelSlots),
		memory:       b.memory,
		allocator:    b.allocator,
		tables:       tables,
		invalidator:  b.invalidator,
		mappings:     newMappingTree(),
	}

	return s, nil
}

func newMappingTree() *btree.BTreeG[vm.Mapping] {
	return btree.NewG(8, func(a, b vm.Mapping) bool {
		return a.Range.Start < b.Range.Start
	})
}

// NewUserSpace creates an empty address space for a process. Its root shares
// the kernel region with the kernel address space.
func (s *AddressSpace) NewUserSpace(name string, pid vm.PID) (*AddressSpace, error) {
	if !s.kernel {
		return nil, fmt.Errorf("%w: user spaces derive from the kernel space",
			vm.ErrKernelSpace)
	}

	root, err := s.tables.NewRoot()
	if err != nil {
		return nil, err
	}

	s.tables.ShareSlots(root, s.root, pagetable.KernelFirstSlot,
		pagetable.KernelFirstSlot+s.kernelSlots)

	u := &AddressSpace{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		pid:          pid,
		kernelSlots:  s.kernelSlots,
		root:         root,
		zero:         s.zero,
		region:       vm.UserRange,
		memory:       s.memory,
		allocator:    s.allocator,
		tables:       s.tables,
		invalidator:  s.invalidator,
		kernelSpace:  s,
		mappings:     newMappingTree(),
	}

	s.CopyHooksTo(u)

	return u, nil
}
