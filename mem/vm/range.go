package vm

import "fmt"

// Range is a half-open interval [Start, End) of virtual addresses.
type Range struct {
	Start uint64
	End   uint64
}

// RangeOf returns the range of n pages that starts at start.
func RangeOf(start uint64, pages uint64) Range {
	return Range{Start: start, End: start + pages*PageSize}
}

// Valid tells if the range is non-empty and page aligned.
func (r Range) Valid() bool {
	if !IsPageAligned(r.Start) || !IsPageAligned(r.End) {
		return false
	}

	return r.Start < r.End
}

// Length returns the number of bytes in the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// Pages returns the number of pages in the range.
func (r Range) Pages() uint64 {
	return r.Length() / PageSize
}

// Contains tells if the address is in the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps tells if two ranges share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// IsSupersetOf tells if every address of o is also in r.
func (r Range) IsSupersetOf(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Intersect returns the addresses in both ranges. The result is empty when
// the ranges do not overlap.
func (r Range) Intersect(o Range) Range {
	i := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if i.End < i.Start {
		i.End = i.Start
	}

	return i
}

// IsEmpty tells if the range has no addresses.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
