package mm

import (
	"fmt"
	"strings"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// Stats summarizes the memory use of one address space.
type Stats struct {
	Name          string
	PID           vm.PID
	Kernel        bool
	Destroyed     bool
	ActiveCores   int
	Mappings      int
	MappedPages   uint64
	ResidentPages uint64
	SharedPages   uint64
	ZeroPages     uint64
	DirectPages   uint64
	PageTables    int
}

// Stats counts the mappings, pages and tables of the space. Resident pages
// are the owned ones. Pages of the zero frame and Direct pages are counted
// apart. Page tables of
// the shared kernel region are counted for the kernel space only.
func (s *AddressSpace) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Name:        s.name,
		PID:         s.pid,
		Kernel:      s.kernel,
		Destroyed:   s.destroyed,
		ActiveCores: s.ActiveCores(),
	}

	if s.destroyed {
		return st
	}

	st.Mappings = s.mappings.Len()
	s.mappings.Ascend(func(m vm.Mapping) bool {
		st.MappedPages += m.Range.Pages()
		s.countResidentLocked(m, &st)

		return true
	})

	from, to := 0, pagetable.KernelFirstSlot
	if s.kernel {
		from, to = pagetable.KernelFirstSlot, pagetable.KernelFirstSlot+s.kernelSlots
	}

	st.PageTables = 1 + s.tables.CountTables(s.root, from, to)

	return st
}

func (s *AddressSpace) countResidentLocked(m vm.Mapping, st *Stats) {
	s.tables.VisitLeaves(s.root, m.Range, func(_ uint64, slot pagetable.Slot) bool {
		e := slot.Load()
		if !m.Backing.Owned() {
			st.DirectPages++
			return true
		}

		if e.Frame() == s.zero {
			st.ZeroPages++
			return true
		}

		st.ResidentPages++
		if s.allocator.RefCount(e.Frame()) > 1 {
			st.SharedPages++
		}

		return true
	})
}

func (st Stats) String() string {
	return fmt.Sprintf(
		"%s pid %d: %d mappings, %d pages mapped, %d resident, %d shared, %d tables",
		st.Name, st.PID, st.Mappings, st.MappedPages, st.ResidentPages,
		st.SharedPages, st.PageTables)
}

// MemInfo is a system-wide memory report in the spirit of /proc/meminfo.
type MemInfo struct {
	MemTotal    uint64
	MemFree     uint64
	MemUsed     uint64
	Reserved    uint64
	PageTables  uint64
	AnonPages   uint64
	SharedPages uint64
	DirectPages uint64

	Spaces []Stats
}

// CollectMemInfo builds a report from the allocator counters and the
// statistics of every live address space. Sizes are in bytes.
func CollectMemInfo(frames phys.Stats, spaces []*AddressSpace) MemInfo {
	info := MemInfo{
		MemTotal:    frames.Total * phys.PageSize,
		MemFree:     frames.Free * phys.PageSize,
		MemUsed:     frames.Used() * phys.PageSize,
		Reserved:    frames.Reserved * phys.PageSize,
		SharedPages: frames.Shared,
	}

	for _, s := range spaces {
		st := s.Stats()
		info.Spaces = append(info.Spaces, st)
		info.PageTables += uint64(st.PageTables) * phys.PageSize
		info.AnonPages += st.ResidentPages
		info.DirectPages += st.DirectPages
	}

	return info
}

func (i MemInfo) String() string {
	var b strings.Builder

	line := func(name string, bytes uint64) {
		fmt.Fprintf(&b, "%-16s%10d kB\n", name+":", bytes/1024)
	}

	line("MemTotal", i.MemTotal)
	line("MemFree", i.MemFree)
	line("MemUsed", i.MemUsed)
	line("Reserved", i.Reserved)
	line("PageTables", i.PageTables)
	line("AnonPages", i.AnonPages*phys.PageSize)
	line("SharedPages", i.SharedPages*phys.PageSize)
	line("DirectMap", i.DirectPages*phys.PageSize)

	for _, st := range i.Spaces {
		fmt.Fprintln(&b, st)
	}

	return b.String()
}
