package mmu

import (
	"log"

	"github.com/sarchlab/vmcore/sim"
)

// LogHook prints context switches.
type LogHook struct {
	sim.LogHookBase
}

// NewLogHook creates a LogHook that writes to the logger.
func NewLogHook(logger *log.Logger) *LogHook {
	return &LogHook{LogHookBase: sim.LogHookBase{Logger: logger}}
}

// Func prints the switch.
func (h *LogHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != HookPosContextSwitch {
		return
	}

	cs := ctx.Item.(*ContextSwitch)

	from := "-"
	if cs.From != nil {
		from = cs.From.Name()
	}

	h.Printf("%s: %s -> %s", cs.Core.Name(), from, cs.To.Name())
}
