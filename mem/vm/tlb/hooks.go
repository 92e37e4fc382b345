package tlb

import (
	"fmt"
	"log"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/sim"
)

// LogHook prints one line per shootdown.
type LogHook struct {
	sim.LogHookBase
}

// NewLogHook creates a LogHook that writes to the logger.
func NewLogHook(logger *log.Logger) *LogHook {
	return &LogHook{LogHookBase: sim.LogHookBase{Logger: logger}}
}

// Func logs the shootdown.
func (h *LogHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != HookPosShootdown {
		return
	}

	s := ctx.Item.(*Shootdown)

	kind := "pages"
	if s.Req.All {
		kind = "full"
	}

	h.Printf("shootdown %s root=%s range=%s kind=%s global=%t targets=%v",
		s.Req.ID, s.Req.Root, s.Range, kind, s.Req.Global, s.Targets)
}

// ShootdownRecord is the row recorded for a shootdown.
type ShootdownRecord struct {
	ID      string
	Root    uint64
	Start   string
	End     string
	Full    bool
	Global  bool
	Targets int
	Dropped int
}

// RecordHook writes shootdowns to a data recorder.
type RecordHook struct {
	recorder datarecording.DataRecorder
	table    string
}

// NewRecordHook creates a RecordHook and its table.
func NewRecordHook(recorder datarecording.DataRecorder) *RecordHook {
	h := &RecordHook{recorder: recorder, table: "shootdown"}
	recorder.CreateTable(h.table, ShootdownRecord{})

	return h
}

// Func records the shootdown.
func (h *RecordHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != HookPosShootdown {
		return
	}

	s := ctx.Item.(*Shootdown)

	dropped := 0
	for _, rsp := range s.Responses {
		dropped += rsp.Dropped
	}

	h.recorder.InsertData(h.table, ShootdownRecord{
		ID:      s.Req.ID,
		Root:    uint64(s.Req.Root),
		Start:   fmt.Sprintf("%#x", s.Range.Start),
		End:     fmt.Sprintf("%#x", s.Range.End),
		Full:    s.Req.All,
		Global:  s.Req.Global,
		Targets: len(s.Targets),
		Dropped: dropped,
	})
}
