// Package internal provides the definition required for defining TLB.
package internal

import (
	"github.com/sarchlab/vmcore/mem/phys"
)

// An Entry is one cached translation. Flags holds the effective rights of
// the whole walk, in page-table entry format.
type Entry struct {
	VPN   uint64
	Frame phys.Frame
	Flags uint64
	Valid bool
}

// A Set holds a certain number of entries that compete for the same ways.
type Set interface {
	Lookup(vpn uint64) (wayID int, entry Entry, found bool)
	Update(wayID int, entry Entry)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(vpn uint64) bool
	Reset(keep func(Entry) bool) int
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.vpnWayIDMap = make(map[uint64]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	entry     Entry
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks      []*block
	vpnWayIDMap map[uint64]int

	// visitList is ordered from the least to the most recently visited.
	visitList  []*block
	visitCount uint64
}

func (s *setImpl) Lookup(vpn uint64) (wayID int, entry Entry, found bool) {
	wayID, ok := s.vpnWayIDMap[vpn]
	if !ok {
		return 0, Entry{}, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.entry, true
}

func (s *setImpl) Update(wayID int, entry Entry) {
	block := s.blocks[wayID]
	if block.entry.Valid {
		delete(s.vpnWayIDMap, block.entry.VPN)
	}

	entry.Valid = true
	block.entry = entry
	s.vpnWayIDMap[entry.VPN] = wayID
}

// Evict picks the way to replace. Invalid ways are used first, then the
// least recently visited one.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if len(s.visitList) == 0 {
		return 0, false
	}

	for _, b := range s.visitList {
		if !b.entry.Valid {
			return b.wayID, true
		}
	}

	return s.visitList[0].wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount
	s.visitList = append(s.visitList, block)
}

func (s *setImpl) Invalidate(vpn uint64) bool {
	wayID, ok := s.vpnWayIDMap[vpn]
	if !ok {
		return false
	}

	delete(s.vpnWayIDMap, vpn)
	s.blocks[wayID].entry = Entry{}

	return true
}

// Reset invalidates every entry for which keep returns false and reports how
// many were dropped.
func (s *setImpl) Reset(keep func(Entry) bool) int {
	dropped := 0

	for _, b := range s.blocks {
		if !b.entry.Valid || (keep != nil && keep(b.entry)) {
			continue
		}

		delete(s.vpnWayIDMap, b.entry.VPN)
		b.entry = Entry{}
		dropped++
	}

	return dropped
}
