package machine

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
)

func reasonOf(err error) fault.Reason {
	var ferr *fault.Error
	Expect(errors.As(err, &ferr)).To(BeTrue(), "want a page fault, got %v", err)

	return ferr.Reason()
}

func word(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return buf
}

func readWord(c *mmu.Core, addr uint64) uint64 {
	buf := make([]byte, 8)
	Expect(c.Read(mmu.UserMode, addr, buf)).To(Succeed())

	return binary.LittleEndian.Uint64(buf)
}

var _ = Describe("Builder", func() {
	It("should reject a machine without cores", func() {
		Expect(func() {
			_, _ = MakeBuilder().WithNumCores(0).WithoutMonitoring().Build()
		}).To(Panic())
	})

	It("should reject a monitor port without monitoring", func() {
		Expect(func() {
			_, _ = MakeBuilder().
				WithoutMonitoring().
				WithMonitorPort(8080).
				Build()
		}).To(Panic())
	})

	It("should take its parameters from a configuration", func() {
		c := config.Default()
		c.NumCores = 3
		c.MemoryMiB = 4
		c.Monitor = false

		m, err := FromConfig(c).Build()
		Expect(err).NotTo(HaveOccurred())
		defer m.Shutdown()

		Expect(m.NumCores()).To(Equal(3))
		Expect(m.Memory().NumFrames()).To(Equal(uint64(1024)))
		Expect(m.Monitor()).To(BeNil())
	})

	It("should keep reserved frames away from the allocator", func() {
		m, err := MakeBuilder().
			WithNumCores(1).
			WithMemorySize(1 << 20).
			WithReservedRegion(phys.Region{Start: 0x10000, Length: 4 * phys.PageSize}).
			WithoutMonitoring().
			Build()
		Expect(err).NotTo(HaveOccurred())
		defer m.Shutdown()

		Expect(m.MemInfo().Reserved).To(Equal(uint64(5 * phys.PageSize)))
	})
})

var _ = Describe("Machine", func() {
	var (
		m     *Machine
		space *mm.AddressSpace
	)

	anon := func(start, pages uint64, perm vm.Perm) vm.Mapping {
		return vm.Mapping{
			Range:   vm.RangeOf(start, pages),
			Perm:    perm,
			Backing: vm.Anonymous,
		}
	}

	BeforeEach(func() {
		var err error
		m, err = MakeBuilder().
			WithNumCores(2).
			WithMemorySize(8 << 20).
			WithoutMonitoring().
			Build()
		Expect(err).NotTo(HaveOccurred())

		space, err = m.NewAddressSpace(1)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		m.Shutdown()
	})

	It("should boot every core into the kernel space", func() {
		for _, c := range m.Cores() {
			Expect(c.IsPagingEnabled()).To(BeTrue())
			Expect(c.Space()).To(BeIdenticalTo(m.Kernel()))
		}

		Expect(m.Kernel().ActiveCores()).To(Equal(2))
	})

	It("should map all physical memory into the kernel half", func() {
		pa, ok := m.Kernel().Translate(PhysToVirt(0x7ff008))
		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(phys.PAddr(0x7ff008)))

		m.Memory().StoreWord(0x7ff008, 0xfeed)

		buf := make([]byte, 8)
		Expect(m.Core(0).Read(mmu.KernelMode, PhysToVirt(0x7ff008), buf)).
			To(Succeed())
		Expect(binary.LittleEndian.Uint64(buf)).To(Equal(uint64(0xfeed)))

		err := m.Core(0).Read(mmu.UserMode, PhysToVirt(0x7ff008), buf)
		Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))
	})

	It("should see user pages through the physmap", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x400010, word(42))).To(Succeed())

		pa, ok := space.Translate(0x400010)
		Expect(ok).To(BeTrue())

		buf := make([]byte, 8)
		Expect(c.Read(mmu.KernelMode, PhysToVirt(pa), buf)).To(Succeed())
		Expect(binary.LittleEndian.Uint64(buf)).To(Equal(uint64(42)))
	})

	It("should reject duplicate and kernel pids", func() {
		_, err := m.NewAddressSpace(1)
		Expect(err).To(MatchError(ErrPIDInUse))

		_, err = m.NewAddressSpace(vm.KernelPID)
		Expect(err).To(MatchError(ErrKernelPID))

		_, err = m.Fork(1, 1)
		Expect(err).To(MatchError(ErrPIDInUse))

		_, err = m.Fork(7, 8)
		Expect(err).To(MatchError(ErrNoProcess))
	})

	It("should translate every touched page and none after unmap", func() {
		r := vm.RangeOf(0x400000, 4)
		Expect(space.Map(anon(r.Start, 4, vm.PermUserRW))).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())

		for a := r.Start; a < r.End; a += vm.PageSize {
			Expect(c.Write(mmu.UserMode, a, word(a))).To(Succeed())

			_, ok := space.Translate(a)
			Expect(ok).To(BeTrue())
		}

		Expect(space.Unmap(r)).To(Succeed())

		for a := r.Start; a < r.End; a += vm.PageSize {
			_, ok := space.Translate(a)
			Expect(ok).To(BeFalse())
		}

		Expect(space.Unmap(r)).To(MatchError(vm.ErrNotMapped))
	})

	It("should fault every core after an unmap", func() {
		r := vm.RangeOf(0x400000, 2)
		Expect(space.Map(anon(r.Start, 2, vm.PermUserRW))).To(Succeed())

		for _, c := range m.Cores() {
			Expect(c.SwitchTo(space)).To(Succeed())
			Expect(c.Write(mmu.UserMode, r.Start, word(1))).To(Succeed())
			Expect(readWord(c, r.Start+vm.PageSize)).To(BeZero())
		}

		Expect(space.Unmap(r)).To(Succeed())

		for _, c := range m.Cores() {
			for a := r.Start; a < r.End; a += vm.PageSize {
				err := c.Read(mmu.UserMode, a, make([]byte, 8))
				Expect(reasonOf(err)).To(Equal(fault.NoMapping))
			}
		}

		Expect(m.ShootdownStats().Shootdowns).NotTo(BeZero())
		Expect(m.Signals()).To(ContainElement(
			Signal{PID: 1, Reason: fault.NoMapping, Addr: r.Start}))
	})

	It("should fault on fetch from a mapping without exec", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		c := m.Core(1)
		Expect(c.SwitchTo(space)).To(Succeed())
		c.SetPC(0x400000)

		err := c.Fetch(mmu.UserMode, 0x400000, make([]byte, 16))
		Expect(reasonOf(err)).To(Equal(fault.ProtectionViolation))

		Expect(m.Signals()).To(ConsistOf(
			Signal{PID: 1, Reason: fault.ProtectionViolation, Addr: 0x400000}))
	})

	It("should keep forked writes private in both directions", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		parent := m.Core(0)
		Expect(parent.SwitchTo(space)).To(Succeed())
		Expect(readWord(parent, 0x400000)).To(BeZero())
		Expect(parent.Write(mmu.UserMode, 0x400000, word(1))).To(Succeed())

		child, err := m.Fork(1, 2)
		Expect(err).NotTo(HaveOccurred())

		childCore := m.Core(1)
		Expect(childCore.SwitchTo(child)).To(Succeed())
		Expect(readWord(childCore, 0x400000)).To(Equal(uint64(1)))

		Expect(childCore.Write(mmu.UserMode, 0x400000, word(2))).To(Succeed())
		Expect(readWord(parent, 0x400000)).To(Equal(uint64(1)))

		Expect(parent.Write(mmu.UserMode, 0x400000, word(3))).To(Succeed())
		Expect(readWord(childCore, 0x400000)).To(Equal(uint64(2)))
		Expect(readWord(parent, 0x400000)).To(Equal(uint64(3)))

		stats := m.FaultStats()
		Expect(stats.Copied + stats.Claimed).To(BeNumerically(">=", 2))
	})

	It("should keep other mappings intact when an overlapping map fails", func() {
		a := anon(0x400000, 4, vm.PermUserRW)
		b := anon(0x800000, 2, vm.PermUserRW)
		Expect(space.Map(a)).To(Succeed())
		Expect(space.Map(b)).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x800008, word(7))).To(Succeed())

		err := space.Map(anon(0x402000, 4, vm.PermUserRW))
		Expect(err).To(MatchError(vm.ErrOverlap))

		Expect(readWord(c, 0x800008)).To(Equal(uint64(7)))
		Expect(space.Mappings()).To(HaveLen(2))
	})

	It("should move cores off a space before destroying it", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x400000, word(1))).To(Succeed())

		before := m.MemInfo().MemFree

		Expect(m.Destroy(1)).To(Succeed())
		Expect(c.Space()).To(BeIdenticalTo(m.Kernel()))
		Expect(space.IsDestroyed()).To(BeTrue())
		Expect(m.MemInfo().MemFree).To(BeNumerically(">", before))

		_, err := m.Space(1)
		Expect(err).To(MatchError(ErrNoProcess))
		Expect(m.Destroy(1)).To(MatchError(ErrNoProcess))
	})

	It("should keep a process whose space is still in use", func() {
		Expect(space.Map(anon(0x400000, 1, vm.PermUserRW))).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x400000, word(1))).To(Succeed())

		before := m.MemInfo().MemFree

		Expect(space.Activate()).To(Succeed())
		Expect(m.Destroy(1)).To(MatchError(vm.ErrActive))
		Expect(space.IsDestroyed()).To(BeFalse())

		s, err := m.Space(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeIdenticalTo(space))

		space.Deactivate()
		Expect(m.Destroy(1)).To(Succeed())
		Expect(m.MemInfo().MemFree).To(BeNumerically(">", before))

		_, err = m.Space(1)
		Expect(err).To(MatchError(ErrNoProcess))
	})

	It("should report context switches", func() {
		var (
			mu       sync.Mutex
			switches []mmu.ContextSwitch
		)

		m.OnContextSwitch(func(cs *mmu.ContextSwitch) {
			mu.Lock()
			defer mu.Unlock()

			switches = append(switches, *cs)
		})

		Expect(m.Core(1).SwitchTo(space)).To(Succeed())

		mu.Lock()
		defer mu.Unlock()

		Expect(switches).To(HaveLen(1))
		Expect(switches[0].Core).To(BeIdenticalTo(m.Core(1)))
		Expect(switches[0].From).To(BeIdenticalTo(m.Kernel()))
		Expect(switches[0].To).To(BeIdenticalTo(space))
	})

	It("should report memory use", func() {
		info := m.MemInfo()
		Expect(info.MemTotal).To(Equal(uint64(8 << 20)))
		Expect(info.DirectPages).To(Equal(uint64((8 << 20) / phys.PageSize)))
		Expect(info.Spaces).To(HaveLen(2))
		Expect(info.Spaces[0].Kernel).To(BeTrue())

		m4 := anon(0x400000, 4, vm.PermUserRW)
		m4.Eager = true
		Expect(space.Map(m4)).To(Succeed())

		after := m.MemInfo()
		Expect(after.AnonPages - info.AnonPages).To(Equal(uint64(4)))
		Expect(info.MemFree - after.MemFree).
			To(BeNumerically(">=", 4*phys.PageSize))
		Expect(after.String()).To(ContainSubstring("MemTotal:"))
	})

	It("should panic on a core that does not exist", func() {
		Expect(func() { m.Core(2) }).To(Panic())
	})
})

var _ = Describe("Recording", func() {
	It("should write faults and shootdowns to the database", func() {
		path := filepath.Join(GinkgoT().TempDir(), "trace")
		recorder := datarecording.New(path)
		defer func() { _ = recorder.Close() }()

		m, err := MakeBuilder().
			WithNumCores(2).
			WithMemorySize(4 << 20).
			WithRecorder(recorder).
			WithoutMonitoring().
			Build()
		Expect(err).NotTo(HaveOccurred())

		space, err := m.NewAddressSpace(5)
		Expect(err).NotTo(HaveOccurred())
		Expect(space.Map(vm.Mapping{
			Range: vm.RangeOf(0x400000, 2),
			Perm:  vm.PermUserRW,
		})).To(Succeed())

		c := m.Core(0)
		Expect(c.SwitchTo(space)).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x400000, word(1))).To(Succeed())
		Expect(c.Write(mmu.UserMode, 0x401000, word(1))).To(Succeed())
		Expect(space.Unmap(vm.RangeOf(0x400000, 2))).To(Succeed())

		m.Shutdown()

		Expect(recorder.ListTables()).To(ConsistOf("page_fault", "shootdown"))

		db, err := sql.Open("sqlite3", path+".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()

		var faults, shootdowns int
		Expect(db.QueryRow("SELECT COUNT(*) FROM page_fault").Scan(&faults)).
			To(Succeed())
		Expect(db.QueryRow("SELECT COUNT(*) FROM shootdown").Scan(&shootdowns)).
			To(Succeed())

		Expect(faults).To(Equal(2))
		Expect(shootdowns).To(BeNumerically(">=", 1))
	})
})
