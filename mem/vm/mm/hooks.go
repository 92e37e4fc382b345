package mm

import (
	"log"

	"github.com/sarchlab/vmcore/sim"
)

// LogHook prints the operations on address spaces.
type LogHook struct {
	sim.LogHookBase
}

// NewLogHook creates a LogHook that writes to the logger.
func NewLogHook(logger *log.Logger) *LogHook {
	return &LogHook{LogHookBase: sim.LogHookBase{Logger: logger}}
}

// Func prints the event.
func (h *LogHook) Func(ctx sim.HookCtx) {
	e, ok := ctx.Item.(*Event)
	if !ok {
		return
	}

	name := e.Space.Name()

	switch ctx.Pos {
	case HookPosMap:
		h.Printf("%s: map %s", name, e.Mapping)
	case HookPosUnmap:
		h.Printf("%s: unmap %s", name, e.Range)
	case HookPosProtect:
		h.Printf("%s: protect %s %s", name, e.Range, e.Perm)
	case HookPosFork:
		h.Printf("%s: fork to %s (pid %d)", name, e.Child.Name(), e.Child.PID())
	case HookPosDestroy:
		h.Printf("%s: destroy", name)
	}
}
