// Package tlb models the per-core translation caches and the controller that
// keeps them coherent across cores.
package tlb

import (
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb/internal"
)

// A Translation is a cached page translation.
type Translation struct {
	Frame phys.Frame

	// Flags are the effective rights of the walk that produced the entry:
	// Writable and User only if every level granted them, NoExecute if any
	// level denied execution. Global and Dirty come from the leaf.
	Flags pagetable.Entry
}

// Stats counts TLB events.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Flushes       uint64
}

// TLB is a set-associative translation cache with LRU replacement. A TLB is
// not safe for concurrent use; its core serializes access.
type TLB struct {
	numSets int
	numWays int
	Sets    []internal.Set

	stats Stats
}

func (t *TLB) reset() {
	t.Sets = make([]internal.Set, t.numSets)
	for i := 0; i < t.numSets; i++ {
		set := internal.NewSet(t.numWays)
		t.Sets[i] = set
	}
}

func vpnOf(vaddr uint64) uint64 {
	return vaddr / vm.PageSize
}

func (t *TLB) setOf(vpn uint64) internal.Set {
	return t.Sets[vpn%uint64(t.numSets)]
}

// Lookup returns the cached translation of the page that holds vaddr.
func (t *TLB) Lookup(vaddr uint64) (Translation, bool) {
	vpn := vpnOf(vaddr)
	set := t.setOf(vpn)

	wayID, e, found := set.Lookup(vpn)
	if !found || !e.Valid {
		t.stats.Misses++
		return Translation{}, false
	}

	set.Visit(wayID)
	t.stats.Hits++

	return Translation{Frame: e.Frame, Flags: pagetable.Entry(e.Flags)}, true
}

// Insert caches a translation, replacing the least recently used way of the
// set if needed.
func (t *TLB) Insert(vaddr uint64, e Translation) {
	vpn := vpnOf(vaddr)
	set := t.setOf(vpn)

	wayID, _, found := set.Lookup(vpn)
	if !found {
		var ok bool

		wayID, ok = set.Evict()
		if !ok {
			return
		}
	}

	set.Update(wayID, internal.Entry{
		VPN:   vpn,
		Frame: e.Frame,
		Flags: uint64(e.Flags),
	})
	set.Visit(wayID)
}

// InvalidatePage drops the translation of the page that holds vaddr, global
// or not.
func (t *TLB) InvalidatePage(vaddr uint64) bool {
	vpn := vpnOf(vaddr)

	if t.setOf(vpn).Invalidate(vpn) {
		t.stats.Invalidations++
		return true
	}

	return false
}

// Flush drops every translation. Global translations survive unless
// includeGlobal is set. It returns the number of entries dropped.
func (t *TLB) Flush(includeGlobal bool) int {
	keep := func(e internal.Entry) bool {
		return pagetable.Entry(e.Flags).HasFlags(pagetable.FlagGlobal)
	}
	if includeGlobal {
		keep = nil
	}

	dropped := 0
	for _, set := range t.Sets {
		dropped += set.Reset(keep)
	}

	t.stats.Flushes++

	return dropped
}

// Stats returns the event counters.
func (t *TLB) Stats() Stats {
	return t.stats
}

// NumEntries returns the capacity of the TLB.
func (t *TLB) NumEntries() int {
	return t.numSets * t.numWays
}
