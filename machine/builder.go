package machine

import (
	"fmt"
	"log"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/monitoring"
)

// Builder can be used to build a machine.
type Builder struct {
	numCores       int
	memorySize     uint64
	tlbSets        int
	tlbWays        int
	flushThreshold uint64
	kernelSlots    int
	reserved       []phys.Region
	deliverer      fault.Deliverer
	recorder       datarecording.DataRecorder
	logger         *log.Logger
	faultLogRate   float64
	monitorOn      bool
	monitorPort    int
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		numCores:       4,
		memorySize:     64 << 20,
		tlbSets:        16,
		tlbWays:        4,
		flushThreshold: 32,
		kernelSlots:    4,
		faultLogRate:   100,
		monitorOn:      true,
	}
}

// FromConfig returns a builder with the values of the configuration.
func FromConfig(c config.Config) Builder {
	b := MakeBuilder().
		WithNumCores(c.NumCores).
		WithMemorySize(c.MemoryMiB<<20).
		WithTLBGeometry(c.TLBSets, c.TLBWays).
		WithFlushThreshold(c.FlushThreshold).
		WithKernelSlots(c.KernelSlots)

	if !c.Monitor {
		return b.WithoutMonitoring()
	}

	return b.WithMonitorPort(c.MonitorPort)
}

// WithNumCores sets the number of cores.
func (b Builder) WithNumCores(n int) Builder {
	b.numCores = n
	return b
}

// WithMemorySize sets the amount of physical memory in bytes.
func (b Builder) WithMemorySize(bytes uint64) Builder {
	b.memorySize = bytes
	return b
}

// WithTLBGeometry sets the number of sets and ways of every TLB.
func (b Builder) WithTLBGeometry(sets, ways int) Builder {
	b.tlbSets = sets
	b.tlbWays = ways

	return b
}

// WithFlushThreshold sets the number of pages above which an invalidation
// flushes whole TLBs.
func (b Builder) WithFlushThreshold(pages uint64) Builder {
	b.flushThreshold = pages
	return b
}

// WithKernelSlots sets the number of 512 GiB root slots of the kernel half.
func (b Builder) WithKernelSlots(n int) Builder {
	b.kernelSlots = n
	return b
}

// WithReservedRegion keeps a range of frames away from the allocator, for
// firmware or devices.
func (b Builder) WithReservedRegion(r phys.Region) Builder {
	b.reserved = append(append([]phys.Region(nil), b.reserved...), r)
	return b
}

// WithDeliverer sets who receives the faults that cannot be resolved. By
// default they are only recorded by the machine.
func (b Builder) WithDeliverer(d fault.Deliverer) Builder {
	b.deliverer = d
	return b
}

// WithRecorder records every fault and shootdown.
func (b Builder) WithRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// WithLogger logs the work of every component.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithFaultLogRate limits the fault log to n lines per second. Zero removes
// the limit.
func (b Builder) WithFaultLogRate(n float64) Builder {
	b.faultLogRate = n
	return b
}

// WithoutMonitoring sets the machine to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}

	if b.numCores <= 0 {
		panic("a machine needs at least one core")
	}

	if b.memorySize < 64*phys.PageSize {
		panic(fmt.Sprintf("%d bytes of memory is too little", b.memorySize))
	}
}

// Build builds the machine. Every core starts with paging on and the kernel
// address space loaded.
func (b Builder) Build() (*Machine, error) {
	b.parametersMustBeValid()

	m := &Machine{
		memory:    phys.NewMemory(b.memorySize),
		spaces:    make(map[vm.PID]*mm.AddressSpace),
		recorder:  b.recorder,
		signals:   &signalLog{},
		deliverer: b.deliverer,
	}

	m.allocator = phys.NewBitmapAllocator(m.memory.NumFrames(), b.reserved...)
	m.controller = tlb.NewController("shootdown", b.flushThreshold)

	kernel, err := mm.MakeBuilder().
		WithMemory(m.memory).
		WithAllocator(m.allocator).
		WithInvalidator(m.controller).
		WithKernelSlots(b.kernelSlots).
		BuildKernel("kernel")
	if err != nil {
		return nil, fmt.Errorf("building kernel space: %w", err)
	}

	m.kernel = kernel

	if err := m.mapPhysmap(); err != nil {
		return nil, err
	}

	m.handler = fault.NewHandler(m)
	m.handler.SetKernelSpace(kernel)

	b.attachHooks(m)

	coreBuilder := mmu.MakeBuilder().
		WithMemory(m.memory).
		WithFaultHandler(m.handler).
		WithTLB(tlb.MakeBuilder().
			WithNumSets(b.tlbSets).
			WithNumWays(b.tlbWays))

	for i := 0; i < b.numCores; i++ {
		c := coreBuilder.Build(i)
		if b.logger != nil {
			c.AcceptHook(mmu.NewLogHook(b.logger))
		}

		m.controller.RegisterTarget(c)
		c.Start()

		if err := c.EnablePaging(kernel); err != nil {
			m.Shutdown()
			return nil, err
		}

		m.cores = append(m.cores, c)
	}

	if b.monitorOn {
		m.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			m.monitor.WithPortNumber(b.monitorPort)
		}

		m.monitor.RegisterMachine(m)
		m.monitor.StartServer()
	}

	return m, nil
}

func (b Builder) attachHooks(m *Machine) {
	if b.recorder != nil {
		m.handler.AcceptHook(fault.NewRecordHook(b.recorder))
		m.controller.AcceptHook(tlb.NewRecordHook(b.recorder))
	}

	if b.logger != nil {
		m.handler.AcceptHook(fault.NewLogHook(b.logger, b.faultLogRate, false))
		m.controller.AcceptHook(tlb.NewLogHook(b.logger))
		m.kernel.AcceptHook(mm.NewLogHook(b.logger))
	}
}
