// Package fault classifies and resolves page faults.
package fault

import (
	"fmt"
	"strings"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/sim"
)

// Code is the error code the hardware pushes with a page fault.
type Code uint32

// Bits of the error code.
const (
	// CodePresent is set when the page was present and the access violated
	// its rights.
	CodePresent Code = 1 << iota
	CodeWrite
	CodeUser
	CodeReserved
	CodeFetch
)

// MakeCode builds the error code of a failed access.
func MakeCode(present bool, a vm.Access, user bool) Code {
	var c Code

	if present {
		c |= CodePresent
	}

	switch a {
	case vm.AccessWrite:
		c |= CodeWrite
	case vm.AccessExec:
		c |= CodeFetch
	}

	if user {
		c |= CodeUser
	}

	return c
}

// Present tells if the page was present.
func (c Code) Present() bool { return c&CodePresent != 0 }

// User tells if the access was made in user mode.
func (c Code) User() bool { return c&CodeUser != 0 }

// Access returns the kind of access that faulted.
func (c Code) Access() vm.Access {
	switch {
	case c&CodeFetch != 0:
		return vm.AccessExec
	case c&CodeWrite != 0:
		return vm.AccessWrite
	default:
		return vm.AccessRead
	}
}

func (c Code) String() string {
	parts := []string{}

	if c.Present() {
		parts = append(parts, "P")
	}

	switch c.Access() {
	case vm.AccessWrite:
		parts = append(parts, "W")
	case vm.AccessExec:
		parts = append(parts, "I")
	default:
		parts = append(parts, "R")
	}

	if c.User() {
		parts = append(parts, "U")
	}

	return strings.Join(parts, "|")
}

// Kind is the class of a fault.
type Kind uint8

// Classes of faults.
const (
	KindUnclassified Kind = iota
	NotPresent
	WriteToReadOnly
	ExecuteFromNonExecutable
	PrivilegeViolation
)

var kindNames = map[Kind]string{
	KindUnclassified:         "Unclassified",
	NotPresent:               "NotPresent",
	WriteToReadOnly:          "WriteToReadOnly",
	ExecuteFromNonExecutable: "ExecuteFromNonExecutable",
	PrivilegeViolation:       "PrivilegeViolation",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Classify derives the class of a fault from its error code and address.
func Classify(c Code, addr uint64) Kind {
	switch {
	case c.User() && vm.IsKernelAddr(addr):
		return PrivilegeViolation
	case !c.Present():
		return NotPresent
	case c.Access() == vm.AccessExec:
		return ExecuteFromNonExecutable
	case c.Access() == vm.AccessWrite:
		return WriteToReadOnly
	default:
		// A read of a present page can only fail the user check.
		return PrivilegeViolation
	}
}

// State is the progress of a fault through the handler.
type State uint8

// States of a fault.
const (
	Received State = iota
	Classified
	Resolved
	Delivered
)

func (s State) String() string {
	switch s {
	case Received:
		return "Received"
	case Classified:
		return "Classified"
	case Resolved:
		return "Resolved"
	case Delivered:
		return "Delivered"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Reason tells why a fault could not be resolved.
type Reason uint8

// Reasons for delivering a fault.
const (
	NoReason Reason = iota
	NoMapping
	ProtectionViolation
	NoMemory
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "None"
	case NoMapping:
		return "NoMapping"
	case ProtectionViolation:
		return "ProtectionViolation"
	case NoMemory:
		return "NoMemory"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// Action is what the handler did to resolve a fault.
type Action uint8

// Actions of the handler.
const (
	NoAction Action = iota
	DemandZero
	CopyOnWriteClaim
	CopyOnWriteCopy
	Spurious
)

func (a Action) String() string {
	switch a {
	case NoAction:
		return "None"
	case DemandZero:
		return "DemandZero"
	case CopyOnWriteClaim:
		return "CopyOnWriteClaim"
	case CopyOnWriteCopy:
		return "CopyOnWriteCopy"
	case Spurious:
		return "Spurious"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// A Fault is one page fault on its way through the handler.
type Fault struct {
	ID   string
	PID  vm.PID
	Core int
	Addr uint64
	Code Code
	PC   uint64

	State  State
	Kind   Kind
	Reason Reason
	Action Action
}

// New creates a fault in the Received state.
func New(pid vm.PID, core int, addr uint64, code Code, pc uint64) *Fault {
	return &Fault{
		ID:    sim.GetIDGenerator().Generate(),
		PID:   pid,
		Core:  core,
		Addr:  addr,
		Code:  code,
		PC:    pc,
		State: Received,
	}
}

func (f *Fault) String() string {
	return fmt.Sprintf(
		"fault %s pid=%d core=%d addr=%#x code=%s pc=%#x kind=%s state=%s reason=%s action=%s",
		f.ID, f.PID, f.Core, f.Addr, f.Code, f.PC,
		f.Kind, f.State, f.Reason, f.Action)
}

// Error is returned to the code whose access caused a delivered fault.
type Error struct {
	Fault Fault
}

func (e *Error) Error() string {
	return fmt.Sprintf("page fault at %#x: %s (%s)",
		e.Fault.Addr, e.Fault.Reason, e.Fault.Kind)
}

// Reason returns the reason the fault was delivered.
func (e *Error) Reason() Reason {
	return e.Fault.Reason
}
