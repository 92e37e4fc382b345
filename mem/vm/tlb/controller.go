package tlb

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/sim"
)

// HookPosShootdown marks the completion of a cross-core invalidation. The
// hook item is a *Shootdown.
var HookPosShootdown = &sim.HookPos{Name: "Shootdown"}

// A Target is a core that caches translations.
type Target interface {
	Name() string

	// ActiveRoot returns the root loaded in the core's root register. The
	// bool is false when paging is off.
	ActiveRoot() (phys.Frame, bool)

	// Interrupt delivers a flush request. The target must answer it with
	// Respond, possibly after Interrupt returns.
	Interrupt(req *FlushReq) error
}

// Shootdown describes one completed invalidation.
type Shootdown struct {
	Req       *FlushReq
	Range     vm.Range
	Targets   []string
	Responses []*FlushRsp
}

// ControllerStats counts the work of a controller.
type ControllerStats struct {
	Shootdowns  uint64
	FullFlushes uint64
	Interrupts  uint64
}

// Controller decides how to invalidate a range and makes sure every core
// that may cache a stale translation has dropped it before returning.
type Controller struct {
	*sim.HookableBase

	name      string
	threshold uint64

	mu      sync.RWMutex
	targets []Target

	shootdowns  atomic.Uint64
	fullFlushes atomic.Uint64
	interrupts  atomic.Uint64
}

// NewController creates a controller. Invalidating more than threshold
// pages turns into a full flush.
func NewController(name string, threshold uint64) *Controller {
	if threshold == 0 {
		threshold = 1
	}

	return &Controller{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		threshold:    threshold,
	}
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// Threshold returns the number of pages above which a full flush is used.
func (c *Controller) Threshold() uint64 {
	return c.threshold
}

// RegisterTarget adds a core to the set that receives invalidations.
func (c *Controller) RegisterTarget(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.targets = append(c.targets, t)
}

// Invalidate removes the translations of r under root from every core that
// has root active, or from every core if global is set. The page-table
// change must be visible in memory before the call.
func (c *Controller) Invalidate(root phys.Frame, r vm.Range, global bool) {
	b := FlushReqBuilder{}.WithSrc(c.name).WithRoot(root)
	if global {
		b = b.WithGlobal()
	}

	if r.Pages() > c.threshold {
		b = b.WithFullFlush()
	} else {
		vaddrs := make([]uint64, 0, r.Pages())
		for va := r.Start; va < r.End; va += vm.PageSize {
			vaddrs = append(vaddrs, va)
		}

		b = b.WithVAddrs(vaddrs)
	}

	c.broadcast(b.Build(), r)
}

// FlushAll drops every non-global translation of root on every core that has
// it active.
func (c *Controller) FlushAll(root phys.Frame) {
	req := FlushReqBuilder{}.
		WithSrc(c.name).
		WithRoot(root).
		WithFullFlush().
		Build()

	c.broadcast(req, vm.UserRange)
}

func (c *Controller) targetsFor(req *FlushReq) []Target {
	c.mu.RLock()
	defer c.mu.RUnlock()

	selected := make([]Target, 0, len(c.targets))
	for _, t := range c.targets {
		if req.Global {
			selected = append(selected, t)
			continue
		}

		root, paging := t.ActiveRoot()
		if paging && root == req.Root {
			selected = append(selected, t)
		}
	}

	return selected
}

func (c *Controller) broadcast(req *FlushReq, r vm.Range) {
	targets := c.targetsFor(req)
	rsps := make([]*FlushRsp, len(targets))
	names := make([]string, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		names[i] = t.Name()
		g.Go(func() error {
			ipi := req.Clone()
			if err := t.Interrupt(ipi); err != nil {
				return fmt.Errorf("interrupting %s: %w", t.Name(), err)
			}

			rsps[i] = ipi.Wait()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Panicf("shootdown %s left stale translations: %v", req.ID, err)
	}

	c.shootdowns.Add(1)
	c.interrupts.Add(uint64(len(targets)))
	if req.All {
		c.fullFlushes.Add(1)
	}

	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    HookPosShootdown,
		Item: &Shootdown{
			Req:       req,
			Range:     r,
			Targets:   names,
			Responses: rsps,
		},
	})
}

// Stats returns the counters of the controller.
func (c *Controller) Stats() ControllerStats {
	return ControllerStats{
		Shootdowns:  c.shootdowns.Load(),
		FullFlushes: c.fullFlushes.Load(),
		Interrupts:  c.interrupts.Load(),
	}
}
