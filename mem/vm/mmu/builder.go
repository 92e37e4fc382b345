package mmu

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/sim"
)

// A Builder can build cores.
type Builder struct {
	memory     *phys.Memory
	handler    FaultHandler
	tlbBuilder tlb.Builder
	maxRetries int
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		tlbBuilder: tlb.MakeBuilder(),
		maxRetries: 8,
	}
}

// WithMemory sets the physical memory the cores access.
func (b Builder) WithMemory(m *phys.Memory) Builder {
	b.memory = m
	return b
}

// WithFaultHandler sets who resolves the page faults raised by the cores.
func (b Builder) WithFaultHandler(h FaultHandler) Builder {
	b.handler = h
	return b
}

// WithTLB sets how the TLB of each core is built.
func (b Builder) WithTLB(tb tlb.Builder) Builder {
	b.tlbBuilder = tb
	return b
}

// WithMaxRetries sets how many times an access may fault and be resolved
// before the core gives up.
func (b Builder) WithMaxRetries(n int) Builder {
	b.maxRetries = n
	return b
}

// Build creates a core with paging off. It does not start the interrupt
// goroutine.
func (b Builder) Build(id int) *Core {
	if b.memory == nil || b.handler == nil {
		panic("core needs memory and a fault handler")
	}

	c := &Core{
		HookableBase: sim.NewHookableBase(),
		id:           id,
		name:         fmt.Sprintf("core[%d]", id),
		memory:       b.memory,
		tables:       pagetable.New(b.memory, nil),
		handler:      b.handler,
		tlb:          b.tlbBuilder.Build(),
		maxRetries:   b.maxRetries,
		ipi:          make(chan *tlb.FlushReq),
		done:         make(chan struct{}),
	}
	close(c.done)

	return c
}
