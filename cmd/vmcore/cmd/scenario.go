package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/vmcore/machine"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
)

// A scenario is a workload run against a freshly built machine.
type scenario func(ctx context.Context, m *machine.Machine, out io.Writer) error

var scenarios = map[string]scenario{
	"cow":       runCopyOnWrite,
	"stress":    runStress,
	"shootdown": runShootdown,
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

const (
	cowPages       = 16
	stressRounds   = 64
	stressPages    = 8
	shootdownPages = 4
)

func storeWord(c *mmu.Core, addr, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return c.Write(mmu.UserMode, addr, buf)
}

func loadWord(c *mmu.Core, addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := c.Read(mmu.UserMode, addr, buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf), nil
}

func expectFault(err error, want fault.Reason) error {
	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		return fmt.Errorf("want a %s fault, got %v", want, err)
	}

	if ferr.Reason() != want {
		return fmt.Errorf("want a %s fault, got %s", want, ferr.Reason())
	}

	return nil
}

// on loads space on c if it is not loaded yet and then calls fn.
func on(c *mmu.Core, space *mm.AddressSpace, fn func() error) error {
	if c.Space() != space {
		if err := c.SwitchTo(space); err != nil {
			return err
		}
	}

	return fn()
}

// runCopyOnWrite forks a process and checks that neither side sees the
// writes of the other. With more than one core the child runs on the last
// one.
func runCopyOnWrite(_ context.Context, m *machine.Machine, out io.Writer) error {
	parent, err := m.NewAddressSpace(1)
	if err != nil {
		return err
	}

	r, err := parent.MapAnywhere("[heap]", cowPages, vm.PermUserRW, vm.Anonymous)
	if err != nil {
		return err
	}

	pc := m.Core(0)
	cc := m.Core(m.NumCores() - 1)

	for a := r.Start; a < r.End; a += vm.PageSize {
		if err := on(pc, parent, func() error { return storeWord(pc, a, a) }); err != nil {
			return err
		}
	}

	child, err := m.Fork(1, 2)
	if err != nil {
		return err
	}

	for a := r.Start; a < r.End; a += vm.PageSize {
		err := on(cc, child, func() error { return storeWord(cc, a, ^a) })
		if err != nil {
			return err
		}

		err = on(pc, parent, func() error {
			v, err := loadWord(pc, a)
			if err == nil && v != a {
				err = fmt.Errorf("parent sees %#x at %#x after the child wrote", v, a)
			}

			return err
		})
		if err != nil {
			return err
		}

		err = on(cc, child, func() error {
			v, err := loadWord(cc, a)
			if err == nil && v != ^a {
				err = fmt.Errorf("child sees %#x at %#x", v, a)
			}

			return err
		})
		if err != nil {
			return err
		}
	}

	st := m.FaultStats()
	fmt.Fprintf(out, "cow: %d pages, %d copied, %d claimed\n",
		r.Pages(), st.Copied, st.Claimed)

	if err := m.Destroy(2); err != nil {
		return err
	}

	return m.Destroy(1)
}

// runStress lets every core map, fill, check and unmap its own ranges of one
// shared address space at the same time.
func runStress(ctx context.Context, m *machine.Machine, out io.Writer) error {
	space, err := m.NewAddressSpace(1)
	if err != nil {
		return err
	}

	total := uint64(m.NumCores() * stressRounds)

	var done func(uint64)
	if mon := m.Monitor(); mon != nil {
		pb := mon.CreateProgressBar("stress", total)
		defer mon.CompleteProgressBar(pb)

		done = pb.IncrementFinished
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, c := range m.Cores() {
		g.Go(func() error {
			if err := c.SwitchTo(space); err != nil {
				return err
			}

			for i := 0; i < stressRounds; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := stressRound(c, space, i); err != nil {
					return fmt.Errorf("%s: %w", c.Name(), err)
				}

				if done != nil {
					done(1)
				}
			}

			return c.SwitchTo(m.Kernel())
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "stress: %d rounds on %d cores, %d shootdowns\n",
		total, m.NumCores(), m.ShootdownStats().Shootdowns)

	return m.Destroy(1)
}

func stressRound(c *mmu.Core, space *mm.AddressSpace, round int) error {
	name := fmt.Sprintf("%s-%d", c.Name(), round)

	r, err := space.MapAnywhere(name, stressPages, vm.PermUserRW, vm.Anonymous)
	if err != nil {
		return err
	}

	tag := uint64(c.ID())<<56 | uint64(round)<<40

	for a := r.Start; a < r.End; a += vm.PageSize {
		if err := storeWord(c, a, tag|a); err != nil {
			return err
		}
	}

	for a := r.Start; a < r.End; a += vm.PageSize {
		v, err := loadWord(c, a)
		if err != nil {
			return err
		}

		if v != tag|a {
			return fmt.Errorf("read %#x at %#x, wrote %#x", v, a, tag|a)
		}
	}

	return space.Unmap(r)
}

// runShootdown loads one address space on every core and checks that
// permission changes and unmaps reach all of them.
func runShootdown(_ context.Context, m *machine.Machine, out io.Writer) error {
	space, err := m.NewAddressSpace(1)
	if err != nil {
		return err
	}

	r := vm.RangeOf(vm.MmapBase, shootdownPages)
	if err := space.Map(vm.Mapping{
		Name:  "shared",
		Range: r,
		Perm:  vm.PermUserRW,
		Eager: true,
	}); err != nil {
		return err
	}

	cores := m.Cores()
	for _, c := range cores {
		if err := c.SwitchTo(space); err != nil {
			return err
		}

		for a := r.Start; a < r.End; a += vm.PageSize {
			if err := storeWord(c, a, uint64(c.ID())); err != nil {
				return err
			}
		}
	}

	if err := space.Protect(r, vm.PermUserRead); err != nil {
		return err
	}

	for _, c := range cores {
		if err := expectFault(storeWord(c, r.Start, 0), fault.ProtectionViolation); err != nil {
			return fmt.Errorf("%s after protect: %w", c.Name(), err)
		}
	}

	if err := space.Protect(r, vm.PermUserRW); err != nil {
		return err
	}

	for _, c := range cores {
		if err := storeWord(c, r.Start, uint64(c.ID())); err != nil {
			return fmt.Errorf("%s after unprotect: %w", c.Name(), err)
		}
	}

	if err := space.Unmap(r); err != nil {
		return err
	}

	for _, c := range cores {
		for a := r.Start; a < r.End; a += vm.PageSize {
			_, err := loadWord(c, a)
			if err := expectFault(err, fault.NoMapping); err != nil {
				return fmt.Errorf("%s after unmap: %w", c.Name(), err)
			}
		}
	}

	st := m.ShootdownStats()
	fmt.Fprintf(out, "shootdown: %d cores, %d shootdowns, %d full flushes, %d interrupts\n",
		len(cores), st.Shootdowns, st.FullFlushes, st.Interrupts)

	return m.Destroy(1)
}
