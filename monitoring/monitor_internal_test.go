package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
)

type nopDeliverer struct{}

func (nopDeliverer) DeliverUnresolved(vm.PID, fault.Reason, uint64) {}

type sampleMachine struct {
	alloc   *phys.BitmapAllocator
	spaces  []*mm.AddressSpace
	cores   []*mmu.Core
	handler *fault.Handler
	ctrl    *tlb.Controller
}

func (s *sampleMachine) MemInfo() mm.MemInfo {
	return mm.CollectMemInfo(s.alloc.Stats(), s.spaces)
}

func (s *sampleMachine) Spaces() []*mm.AddressSpace {
	return s.spaces
}

func (s *sampleMachine) Cores() []*mmu.Core {
	return s.cores
}

func (s *sampleMachine) FaultStats() fault.Stats {
	return s.handler.Stats()
}

func (s *sampleMachine) ShootdownStats() tlb.ControllerStats {
	return s.ctrl.Stats()
}

func newSampleMachine() *sampleMachine {
	mem := phys.NewMemory(128 * phys.PageSize)
	alloc := phys.NewBitmapAllocator(mem.NumFrames())
	ctrl := tlb.NewController("shootdown", 32)

	kernel, err := mm.MakeBuilder().
		WithMemory(mem).
		WithAllocator(alloc).
		WithInvalidator(ctrl).
		BuildKernel("kernel")
	Expect(err).NotTo(HaveOccurred())

	space, err := kernel.NewUserSpace("init", 1)
	Expect(err).NotTo(HaveOccurred())
	Expect(space.Map(vm.Mapping{
		Name:    "heap",
		Range:   vm.RangeOf(0x400000, 4),
		Perm:    vm.PermUserRW,
		Backing: vm.Anonymous,
		Eager:   true,
	})).To(Succeed())

	handler := fault.NewHandler(nopDeliverer{})
	core := mmu.MakeBuilder().
		WithMemory(mem).
		WithFaultHandler(handler).
		Build(0)
	Expect(core.EnablePaging(space)).To(Succeed())

	return &sampleMachine{
		alloc:   alloc,
		spaces:  []*mm.AddressSpace{kernel, space},
		cores:   []*mmu.Core{core},
		handler: handler,
		ctrl:    ctrl,
	}
}

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		machine *sampleMachine
	)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		m.router().ServeHTTP(w, req)

		return w
	}

	BeforeEach(func() {
		machine = newSampleMachine()
		m = NewMonitor()
		m.RegisterMachine(machine)
	})

	It("should report meminfo", func() {
		w := get("/api/meminfo")
		Expect(w.Code).To(Equal(http.StatusOK))

		var info mm.MemInfo
		Expect(json.Unmarshal(w.Body.Bytes(), &info)).To(Succeed())
		Expect(info.MemTotal).To(Equal(128 * phys.PageSize))
		Expect(info.AnonPages).To(Equal(uint64(4)))
	})

	It("should list address spaces", func() {
		w := get("/api/spaces")

		var stats []mm.Stats
		Expect(json.Unmarshal(w.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(HaveLen(2))
		Expect(stats[1].Name).To(Equal("init"))
		Expect(stats[1].ResidentPages).To(Equal(uint64(4)))
	})

	It("should serialize one address space", func() {
		w := get("/api/space/1")

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("heap"))
	})

	It("should answer 404 for unknown pids", func() {
		Expect(get("/api/space/42").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/space/x").Code).To(Equal(http.StatusBadRequest))
	})

	It("should list cores", func() {
		w := get("/api/cores")

		var cores []map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &cores)).To(Succeed())
		Expect(cores).To(HaveLen(1))
		Expect(cores[0]["space"]).To(Equal("init"))
		Expect(cores[0]["paging"]).To(BeTrue())
	})

	It("should report fault and shootdown counters", func() {
		w := get("/api/faults")

		var rsp faultRsp
		Expect(json.Unmarshal(w.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Faults.Faults).To(BeZero())
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("stress", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)

		var bars []ProgressSnapshot
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(), &bars)).
			To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(), &bars)).
			To(Succeed())
		Expect(bars).To(BeEmpty())
	})

	It("should serve the web page", func() {
		w := get("/")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should start and stop the server", func() {
		port := m.StartServer()
		Expect(port).To(BeNumerically(">", 0))
		Expect(m.URL()).To(ContainSubstring(":"))

		Expect(m.StopServer(context.Background())).To(Succeed())
		Expect(m.URL()).To(BeEmpty())
	})
})
