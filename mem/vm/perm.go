package vm

import "strings"

// Perm is a set of access rights on a range of virtual memory.
type Perm uint8

// Rights that can be granted on a mapping. A mapping without PermUser can
// only be touched in kernel mode.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

// Common permission sets.
const (
	PermNone      Perm = 0
	PermRW             = PermRead | PermWrite
	PermRX             = PermRead | PermExec
	PermUserRW         = PermRW | PermUser
	PermUserRX         = PermRX | PermUser
	PermUserRead       = PermRead | PermUser
	permAccessing      = PermRead | PermWrite | PermExec
)

// Has tells if all the rights in q are in p.
func (p Perm) Has(q Perm) bool {
	return p&q == q
}

// IsGuard tells if the permission grants no access at all.
func (p Perm) IsGuard() bool {
	return p&permAccessing == 0
}

// Narrows tells if going from p to q removes any right.
func (p Perm) Narrows(q Perm) bool {
	return p&^q != 0
}

// Allows tells if the access is permitted. The page-table format cannot
// express write-only or execute-only pages, so any accessing right implies
// read.
func (p Perm) Allows(a Access) bool {
	switch a {
	case AccessWrite:
		return p.Has(PermWrite)
	case AccessExec:
		return p.Has(PermExec)
	default:
		return !p.IsGuard()
	}
}

func (p Perm) String() string {
	b := []byte("---")
	if p.Has(PermRead) {
		b[0] = 'r'
	}

	if p.Has(PermWrite) {
		b[1] = 'w'
	}

	if p.Has(PermExec) {
		b[2] = 'x'
	}

	s := string(b)
	if p.Has(PermUser) {
		s += "u"
	}

	return s
}

// ParsePerm reads a permission in the format produced by String.
func ParsePerm(s string) (Perm, error) {
	var p Perm

	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case 'u':
			p |= PermUser
		case '-':
		default:
			return 0, ErrInvalidPerm
		}
	}

	return p, nil
}

// Access is the kind of a memory access.
type Access uint8

// Kinds of memory accesses.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}
