package fault

import (
	"fmt"
	"log"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/sim"
)

// LogHook prints faults. Fault storms are cut down by a rate limiter.
type LogHook struct {
	*sim.RateLimitedLogHookBase

	deliveredOnly bool
}

// NewLogHook creates a LogHook that prints at most perSecond faults each
// second. With deliveredOnly set, resolved faults are not printed.
func NewLogHook(
	logger *log.Logger,
	perSecond float64,
	deliveredOnly bool,
) *LogHook {
	return &LogHook{
		RateLimitedLogHookBase: sim.NewRateLimitedLogHookBase(
			logger, perSecond, 16),
		deliveredOnly: deliveredOnly,
	}
}

// Func prints the fault.
func (h *LogHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != HookPosFault {
		return
	}

	f := ctx.Item.(*Fault)
	if h.deliveredOnly && f.State != Delivered {
		return
	}

	h.Logf("%s", f)
}

// Record is the row written for each fault.
type Record struct {
	ID     string
	PID    uint32
	Core   int
	Addr   string
	Code   uint32
	PC     string
	Kind   string
	State  string
	Reason string
	Action string
}

// RecordHook writes faults to a data recorder.
type RecordHook struct {
	recorder datarecording.DataRecorder
	table    string
}

// NewRecordHook creates a RecordHook and its table.
func NewRecordHook(recorder datarecording.DataRecorder) *RecordHook {
	h := &RecordHook{recorder: recorder, table: "page_fault"}
	recorder.CreateTable(h.table, Record{})

	return h
}

// Func records the fault.
func (h *RecordHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != HookPosFault {
		return
	}

	f := ctx.Item.(*Fault)
	h.recorder.InsertData(h.table, Record{
		ID:     f.ID,
		PID:    uint32(f.PID),
		Core:   f.Core,
		Addr:   fmt.Sprintf("%#x", f.Addr),
		Code:   uint32(f.Code),
		PC:     fmt.Sprintf("%#x", f.PC),
		Kind:   f.Kind.String(),
		State:  f.State.String(),
		Reason: f.Reason.String(),
		Action: f.Action.String(),
	})
}
