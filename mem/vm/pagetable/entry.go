// Package pagetable manipulates x86-64 four-level page tables stored in
// simulated physical memory. Entries are bit-exact with the hardware format.
package pagetable

import (
	"strings"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

// Entry is one 64-bit page-table entry.
type Entry uint64

// Flags of a page-table entry. CopyOnWrite and ProtNone use bits that the
// hardware leaves to software.
const (
	FlagPresent Entry = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagHuge
	FlagGlobal
	FlagCopyOnWrite
	FlagProtNone

	FlagNoExecute Entry = 1 << 63
)

// AddrMask selects the frame address bits of an entry.
const AddrMask Entry = 0x000f_ffff_ffff_f000

// MakeEntry builds an entry that points at the frame.
func MakeEntry(f phys.Frame, flags Entry) Entry {
	return Entry(f.Address())&AddrMask | flags&^AddrMask
}

// HasFlags tells if every flag in flags is set.
func (e Entry) HasFlags(flags Entry) bool {
	return e&flags == flags
}

// HasAnyFlag tells if at least one flag in flags is set.
func (e Entry) HasAnyFlag(flags Entry) bool {
	return e&flags != 0
}

// WithFlags returns the entry with the flags set.
func (e Entry) WithFlags(flags Entry) Entry {
	return e | flags&^AddrMask
}

// WithoutFlags returns the entry with the flags cleared.
func (e Entry) WithoutFlags(flags Entry) Entry {
	return e &^ (flags &^ AddrMask)
}

// Flags returns the entry without the address bits.
func (e Entry) Flags() Entry {
	return e &^ AddrMask
}

// Frame returns the frame the entry points at.
func (e Entry) Frame() phys.Frame {
	return phys.FrameOf(phys.PAddr(e & AddrMask))
}

// WithFrame returns the entry pointing at another frame, keeping the flags.
func (e Entry) WithFrame(f phys.Frame) Entry {
	return MakeEntry(f, e.Flags())
}

// IsPresent tells if the hardware may use the entry.
func (e Entry) IsPresent() bool {
	return e.HasFlags(FlagPresent)
}

// IsPopulated tells if the entry holds a frame, whether or not the hardware
// may use it. Guard pages keep their frame with the present bit cleared.
func (e Entry) IsPopulated() bool {
	return e.HasAnyFlag(FlagPresent | FlagProtNone)
}

// Permits tells if a present leaf allows the access on its own. Rights of
// the upper levels are not considered.
func (e Entry) Permits(a vm.Access, user bool) bool {
	if !e.IsPresent() {
		return false
	}

	if user && !e.HasFlags(FlagUser) {
		return false
	}

	switch a {
	case vm.AccessWrite:
		return e.HasFlags(FlagWritable)
	case vm.AccessExec:
		return !e.HasFlags(FlagNoExecute)
	default:
		return true
	}
}

var flagNames = []struct {
	flag Entry
	name string
}{
	{FlagPresent, "P"},
	{FlagWritable, "W"},
	{FlagUser, "U"},
	{FlagWriteThrough, "PWT"},
	{FlagCacheDisable, "PCD"},
	{FlagAccessed, "A"},
	{FlagDirty, "D"},
	{FlagHuge, "PS"},
	{FlagGlobal, "G"},
	{FlagCopyOnWrite, "COW"},
	{FlagProtNone, "PN"},
	{FlagNoExecute, "NX"},
}

func (e Entry) String() string {
	b := new(strings.Builder)
	b.WriteString(e.Frame().Address().String())

	for _, f := range flagNames {
		if e.HasFlags(f.flag) {
			b.WriteByte('|')
			b.WriteString(f.name)
		}
	}

	return b.String()
}

// FlagsFor derives the leaf flags for a mapping permission. The result never
// grants more than the permission: a copy-on-write leaf is read-only, a leaf
// without execute right is no-execute, and a guard permission yields a
// non-present entry.
func FlagsFor(perm vm.Perm, cow bool, global bool) Entry {
	var flags Entry

	if perm.IsGuard() {
		flags = FlagProtNone
	} else {
		flags = FlagPresent
	}

	if perm.Has(vm.PermWrite) && !cow {
		flags |= FlagWritable
	}

	if perm.Has(vm.PermUser) {
		flags |= FlagUser
	}

	if !perm.Has(vm.PermExec) {
		flags |= FlagNoExecute
	}

	if cow {
		flags |= FlagCopyOnWrite
	}

	if global {
		flags |= FlagGlobal
	}

	return flags
}
