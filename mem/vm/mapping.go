package vm

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/phys"
)

// Backing tells where the frames behind a mapping come from.
type Backing uint8

// Kinds of backing.
const (
	// Anonymous pages read as zeros and get a private frame on the first
	// write.
	Anonymous Backing = iota

	// CopyOnWriteShared pages start out sharing frames with another mapping
	// and get a private copy on the first write.
	CopyOnWriteShared

	// Direct pages map a fixed physical range, such as device memory or the
	// identity map. Their frames are not owned by the address space.
	Direct
)

func (b Backing) String() string {
	switch b {
	case Anonymous:
		return "anonymous"
	case CopyOnWriteShared:
		return "cow-shared"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("backing(%d)", uint8(b))
	}
}

// Owned tells if the frames behind the backing are reference counted by the
// frame allocator.
func (b Backing) Owned() bool {
	return b != Direct
}

// A Mapping describes one contiguous range of an address space.
type Mapping struct {
	Name    string
	Range   Range
	Perm    Perm
	Backing Backing

	// PhysBase is the first physical address of a Direct mapping.
	PhysBase phys.PAddr

	// Source lists the frames a CopyOnWriteShared mapping starts out
	// sharing, one per page. An empty Source makes it behave like
	// Anonymous until the first fork.
	Source []phys.Frame

	// Eager mappings get private frames when they are created rather than
	// on the first write.
	Eager bool
}

// Validate checks the mapping on its own, without looking at any address
// space.
func (m Mapping) Validate() error {
	if !m.Range.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, m.Range)
	}

	switch m.Backing {
	case Anonymous:
	case CopyOnWriteShared:
		if len(m.Source) != 0 && uint64(len(m.Source)) != m.Range.Pages() {
			return fmt.Errorf("%w: %d source frames for %d pages",
				ErrInvalidMapping, len(m.Source), m.Range.Pages())
		}
	case Direct:
		if !m.PhysBase.IsAligned() {
			return fmt.Errorf("%w: physical base %s not aligned",
				ErrInvalidMapping, m.PhysBase)
		}
	default:
		return fmt.Errorf("%w: unknown backing %s", ErrInvalidMapping, m.Backing)
	}

	return nil
}

// Sub returns the part of the mapping that covers r, which must be inside
// the mapping.
func (m Mapping) Sub(r Range) Mapping {
	if !m.Range.IsSupersetOf(r) {
		panic(fmt.Sprintf("range %s is not inside mapping %s", r, m.Range))
	}

	skip := (r.Start - m.Range.Start) / PageSize

	sub := m
	sub.Range = r

	if m.Backing == Direct {
		sub.PhysBase = m.PhysBase + phys.PAddr(skip*PageSize)
	}

	if len(m.Source) > 0 {
		sub.Source = m.Source[skip : skip+r.Pages()]
	}

	return sub
}

// Carve splits the mapping around r. It returns the parts before and after
// r, either of which may be absent, and the part inside r.
func (m Mapping) Carve(r Range) (before, inside, after *Mapping) {
	i := m.Range.Intersect(r)
	if i.IsEmpty() {
		return nil, nil, nil
	}

	in := m.Sub(i)
	inside = &in

	if m.Range.Start < i.Start {
		b := m.Sub(Range{Start: m.Range.Start, End: i.Start})
		before = &b
	}

	if i.End < m.Range.End {
		a := m.Sub(Range{Start: i.End, End: m.Range.End})
		after = &a
	}

	return before, inside, after
}

// FrameFor returns the frame a Direct mapping maps the address to.
func (m Mapping) FrameFor(addr uint64) phys.Frame {
	off := PageAlignDown(addr) - m.Range.Start
	return phys.FrameOf(m.PhysBase + phys.PAddr(off))
}

// SourceFor returns the source frame of the page that holds the address.
func (m Mapping) SourceFor(addr uint64) (phys.Frame, bool) {
	if len(m.Source) == 0 {
		return phys.InvalidFrame, false
	}

	return m.Source[(PageAlignDown(addr)-m.Range.Start)/PageSize], true
}

func (m Mapping) String() string {
	name := m.Name
	if name == "" {
		name = "-"
	}

	return fmt.Sprintf("%s %s %s %s", m.Range, m.Perm, m.Backing, name)
}
