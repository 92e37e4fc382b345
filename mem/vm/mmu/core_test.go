package mmu

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/sim"
)

type delivery struct {
	pid    vm.PID
	reason fault.Reason
	addr   uint64
}

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (d *recordingDeliverer) DeliverUnresolved(
	pid vm.PID,
	reason fault.Reason,
	addr uint64,
) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deliveries = append(d.deliveries, delivery{pid, reason, addr})
}

func reasonOf(err error) fault.Reason {
	var ferr *fault.Error
	Expect(errors.As(err, &ferr)).To(BeTrue(), "want a page fault, got %v", err)

	return ferr.Reason()
}

var _ = Describe("Core", func() {
	var (
		mem       *phys.Memory
		alloc     *phys.BitmapAllocator
		ctrl      *tlb.Controller
		kernel    *mm.AddressSpace
		space     *mm.AddressSpace
		deliverer *recordingDeliverer
		handler   *fault.Handler
		cores     []*Core
	)

	anon := func(start, pages uint64, perm vm.Perm) vm.Mapping {
		return vm.Mapping{
			Range:   vm.RangeOf(start, pages),
			Perm:    perm,
			Backing: vm.Anonymous,
		}
	}

	BeforeEach(func() {
		mem = phys.NewMemory(512 * phys.PageSize)
		alloc = phys.NewBitmapAllocator(mem.NumFrames())
		ctrl = tlb.NewController("shootdown", 32)

		var err error
		kernel, err = mm.MakeBuilder().
			WithMemory(mem).
			WithAllocator(alloc).
			WithInvalidator(ctrl).
			BuildKernel("kernel")
		Expect(err).NotTo(HaveOccurred())

		deliverer = &recordingDeliverer{}
		handler = fault.NewHandler(deliverer)
		handler.SetKernelSpace(kernel)

		cores = nil
		for i := 0; i < 2; i++ {
			c := MakeBuilder().
				WithMemory(mem).
				WithFaultHandler(handler).
				Build(i)
			ctrl.RegisterTarget(c)
			c.Start()
			Expect(c.EnablePaging(kernel)).To(Succeed())
			cores = append(cores, c)
		}

		space, err = kernel.NewUserSpace("proc", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(cores[0].SwitchTo(space)).To(Succeed())
	})

	AfterEach(func() {
		for _, c := range cores {
			c.Stop()
		}
	})

	It("should use physical addresses with paging off", func() {
		c := MakeBuilder().WithMemory(mem).WithFaultHandler(handler).Build(9)

		Expect(c.Write(KernelMode, 0x2010, []byte("boot"))).To(Succeed())

		buf := make([]byte, 4)
		mem.Read(0x2010, buf)
		Expect(string(buf)).To(Equal("boot"))

		err := c.Read(KernelMode, mem.Capacity(), buf)
		Expect(err).To(MatchError(ErrBusError))
	})

	It("should demand-page across a page boundary", func() {
		Expect(space.Map(anon(0x400000, 2, vm.PermUserRW))).To(Succeed())

		data := []byte("spans two pages of anonymous memory")
		Expect(cores[0].Write(UserMode, 0x400ff0, data)).To(Succeed())

		buf := make([]byte, len(data))
		Expect(cores[0].Read(UserMode, 0x400ff0, buf)).To(Succeed())
		Expect(buf).To(Equal(data))
		Expect(handler.Stats().Zeroed).To(Equal(uint64(2)))
	})

	It("should read untouched pages from the zero frame without faulting", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		buf := []byte("not zero")
		Expect(cores[0].Read(UserMode, 0x400000, buf)).To(Succeed())
		Expect(buf).To(Equal(make([]byte, 8)))
		Expect(handler.Stats().Faults).To(BeZero())

		Expect(cores[0].Write(UserMode, 0x400000, []byte("written"))).
			To(Succeed())
		Expect(handler.Stats().Zeroed).To(Equal(uint64(1)))

		pa, ok := space.Translate(0x400000)
		Expect(ok).To(BeTrue())
		Expect(phys.FrameOf(pa)).NotTo(Equal(space.ZeroFrame()))

		zero := make([]byte, 7)
		mem.Read(space.ZeroFrame().Address(), zero)
		Expect(zero).To(Equal(make([]byte, 7)))
	})

	It("should set the accessed and dirty bits", func() {
		Expect(space.Map(anon(0x400000, 2, vm.PermUserRW))).To(Succeed())

		Expect(cores[0].Read(UserMode, 0x400000, make([]byte, 8))).To(Succeed())
		Expect(cores[0].Write(UserMode, 0x401000, []byte{1})).To(Succeed())

		space.Lock()
		read, _ := space.LeafLocked(0x400000)
		written, _ := space.LeafLocked(0x401000)
		space.Unlock()

		Expect(read.HasFlags(pagetable.FlagAccessed)).To(BeTrue())
		Expect(read.HasFlags(pagetable.FlagDirty)).To(BeFalse())
		Expect(written.HasFlags(pagetable.FlagAccessed | pagetable.FlagDirty)).
			To(BeTrue())
	})

	It("should hit the TLB the second time", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		buf := make([]byte, 8)
		Expect(cores[0].Read(UserMode, 0x400000, buf)).To(Succeed())
		hits := cores[0].Stats().TLB.Hits
		walks := cores[0].Stats().Walks

		Expect(cores[0].Read(UserMode, 0x400008, buf)).To(Succeed())
		Expect(cores[0].Stats().TLB.Hits).To(Equal(hits + 1))
		Expect(cores[0].Stats().Walks).To(Equal(walks))
	})

	It("should deliver writes to read-only pages", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRead))).To(Succeed())

		err := cores[0].Write(UserMode, 0x400000, []byte{1})
		Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))
		Expect(deliverer.deliveries).To(ConsistOf(
			delivery{1, fault.ProtectionViolation, 0x400000}))
	})

	It("should deliver accesses to unmapped pages", func() {
		err := cores[0].Read(UserMode, 0x900000, make([]byte, 1))
		Expect(reasonOf(err)).To(Equal(fault.NoMapping))
	})

	It("should keep user mode out of the kernel half", func() {
		err := cores[0].Read(UserMode, vm.KernelBase, make([]byte, 1))
		Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))
	})

	It("should refuse to execute data", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())
		Expect(space.Map(anon(0x500000, 1, vm.PermUserRX))).To(Succeed())

		err := cores[0].Fetch(UserMode, 0x400000, make([]byte, 4))
		Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))

		Expect(cores[0].Fetch(UserMode, 0x500000, make([]byte, 4))).To(Succeed())
	})

	It("should reject non-canonical addresses without faulting", func() {
		err := cores[0].Read(UserMode, 0x0000_9000_0000_0000, make([]byte, 1))
		Expect(err).To(MatchError(ErrNonCanonical))
		Expect(handler.Stats().Faults).To(BeZero())
	})

	It("should resolve kernel faults against the kernel space", func() {
		Expect(kernel.Map(anon(vm.KernelBase, 1, vm.PermRW))).To(Succeed())

		Expect(cores[0].Write(KernelMode, vm.KernelBase, []byte("k"))).
			To(Succeed())

		_, ok := space.Translate(vm.KernelBase)
		Expect(ok).To(BeTrue())
		Expect(deliverer.deliveries).To(BeEmpty())
	})

	Context("with the space active on two cores", func() {
		BeforeEach(func() {
			Expect(cores[1].SwitchTo(space)).To(Succeed())
			Expect(space.Map(anon(0x400000, 2, vm.PermUserRW))).To(Succeed())

			Expect(cores[0].Write(UserMode, 0x400000, []byte("shared"))).
				To(Succeed())
			Expect(cores[1].Read(UserMode, 0x400000, make([]byte, 6))).
				To(Succeed())
		})

		It("should shoot down unmapped pages on every core", func() {
			free := alloc.Stats().Free
			before := ctrl.Stats().Interrupts

			Expect(space.Unmap(vm.RangeOf(0x400000, 1))).To(Succeed())

			Expect(ctrl.Stats().Interrupts - before).To(Equal(uint64(2)))
			Expect(alloc.Stats().Free).To(Equal(free + 1))

			for _, c := range cores {
				err := c.Read(UserMode, 0x400000, make([]byte, 1))
				Expect(reasonOf(err)).To(Equal(fault.NoMapping))
			}
		})

		It("should shoot down removed rights", func() {
			Expect(space.Protect(vm.RangeOf(0x400000, 1), vm.PermUserRead)).
				To(Succeed())

			err := cores[1].Write(UserMode, 0x400000, []byte{1})
			Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))
		})

		It("should pick up added rights through a spurious fault", func() {
			Expect(space.Protect(vm.RangeOf(0x400000, 1), vm.PermUserRead)).
				To(Succeed())
			Expect(cores[1].Read(UserMode, 0x400000, make([]byte, 1))).
				To(Succeed())
			Expect(space.Protect(vm.RangeOf(0x400000, 1), vm.PermUserRW)).
				To(Succeed())

			Expect(cores[1].Write(UserMode, 0x400000, []byte{1})).To(Succeed())
		})

		It("should not interrupt cores running other spaces", func() {
			other, err := kernel.NewUserSpace("other", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(cores[1].SwitchTo(other)).To(Succeed())

			before := ctrl.Stats().Interrupts
			Expect(space.Unmap(vm.RangeOf(0x401000, 1))).To(Succeed())
			Expect(ctrl.Stats().Interrupts - before).To(Equal(uint64(1)))
		})
	})

	It("should copy on write after a fork", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())
		Expect(cores[0].Write(UserMode, 0x400000, []byte("parent"))).
			To(Succeed())

		child, err := space.Fork("child", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(cores[1].SwitchTo(child)).To(Succeed())

		buf := make([]byte, 6)
		Expect(cores[1].Read(UserMode, 0x400000, buf)).To(Succeed())
		Expect(string(buf)).To(Equal("parent"))

		Expect(cores[0].Write(UserMode, 0x400000, []byte("PARENT"))).
			To(Succeed())
		Expect(cores[1].Read(UserMode, 0x400000, buf)).To(Succeed())
		Expect(string(buf)).To(Equal("parent"))

		Expect(cores[1].Write(UserMode, 0x400000, []byte("child!"))).
			To(Succeed())
		Expect(cores[0].Read(UserMode, 0x400000, buf)).To(Succeed())
		Expect(string(buf)).To(Equal("PARENT"))

		Expect(handler.Stats().Copied).To(Equal(uint64(1)))
		Expect(handler.Stats().Claimed).To(Equal(uint64(1)))
	})

	Context("when switching spaces", func() {
		It("should report the switch and flush user translations", func() {
			var switches []*ContextSwitch
			cores[1].AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				switches = append(switches, ctx.Item.(*ContextSwitch))
			}))

			Expect(cores[1].SwitchTo(space)).To(Succeed())
			Expect(switches).To(HaveLen(1))
			Expect(switches[0].From).To(BeIdenticalTo(kernel))
			Expect(switches[0].To).To(BeIdenticalTo(space))

			root, paging := cores[1].ActiveRoot()
			Expect(paging).To(BeTrue())
			Expect(root).To(Equal(space.Root()))
			Expect(space.ActiveCores()).To(Equal(2))
		})

		It("should not load destroyed spaces", func() {
			Expect(space.Destroy()).To(MatchError(vm.ErrActive))
			Expect(cores[0].SwitchTo(kernel)).To(Succeed())
			Expect(space.Destroy()).To(Succeed())

			Expect(cores[0].SwitchTo(space)).To(MatchError(vm.ErrDestroyed))
			Expect(cores[0].Space()).To(BeIdenticalTo(kernel))
		})
	})

	It("should serve interrupts after the core stopped", func() {
		cores[0].Stop()

		req := tlb.FlushReqBuilder{}.WithFullFlush().Build()
		Expect(cores[0].Interrupt(req)).To(Succeed())
		Expect(req.Wait().Src).To(Equal(cores[0].Name()))
	})

	It("should run accesses on several cores concurrently", func() {
		Expect(cores[1].SwitchTo(space)).To(Succeed())
		Expect(space.Map(anon(0x400000, 16, vm.PermUserRW))).To(Succeed())
		Expect(space.Map(anon(0x800000, 1, vm.PermUserRW))).To(Succeed())

		var wg sync.WaitGroup
		for i, c := range cores {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				for round := 0; round < 50; round++ {
					va := 0x400000 + uint64(i*8+round%8)*vm.PageSize
					Expect(c.Write(UserMode, va, []byte{byte(round)})).
						To(Succeed())
				}
			}()
		}

		for round := 0; round < 20; round++ {
			perm := vm.PermUserRead
			if round%2 == 1 {
				perm = vm.PermUserRW
			}
			Expect(space.Protect(vm.RangeOf(0x800000, 1), perm)).To(Succeed())
		}

		wg.Wait()
		Expect(space.Stats().ResidentPages).To(Equal(uint64(16)))
	})
})

var _ = Describe("Core with a broken fault handler", func() {
	var (
		mockCtrl *gomock.Controller
		handler  *MockFaultHandler
		core     *Core
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		handler = NewMockFaultHandler(mockCtrl)

		mem := phys.NewMemory(64 * phys.PageSize)
		alloc := phys.NewBitmapAllocator(mem.NumFrames())
		kernel, err := mm.MakeBuilder().
			WithMemory(mem).
			WithAllocator(alloc).
			BuildKernel("kernel")
		Expect(err).NotTo(HaveOccurred())

		core = MakeBuilder().
			WithMemory(mem).
			WithFaultHandler(handler).
			WithMaxRetries(3).
			Build(0)
		Expect(core.EnablePaging(kernel)).To(Succeed())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should panic when faults never make progress", func() {
		handler.EXPECT().
			Handle(gomock.Any(), gomock.Any()).
			Do(func(_ fault.AddressSpace, f *fault.Fault) {
				f.State = fault.Resolved
			}).
			Times(3)

		Expect(func() {
			_ = core.Read(KernelMode, vm.KernelBase, make([]byte, 1))
		}).To(Panic())
	})

	It("should report the program counter", func() {
		core.SetPC(0xdead)

		handler.EXPECT().
			Handle(gomock.Any(), gomock.Any()).
			Do(func(_ fault.AddressSpace, f *fault.Fault) {
				Expect(f.PC).To(Equal(uint64(0xdead)))
				Expect(f.Code.Present()).To(BeFalse())
				f.State = fault.Delivered
				f.Reason = fault.NoMapping
			})

		err := core.Read(KernelMode, vm.KernelBase, make([]byte, 1))
		Expect(reasonOf(err)).To(Equal(fault.NoMapping))
	})
})
