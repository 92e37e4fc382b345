package datarecording

import (
	"os"
	"sort"
	"strings"
	"time"
)

const timeFormat = "2006-01-02 15:04:05.000000000"

// RunInfo is one property of a recorded run.
type RunInfo struct {
	Property string
	Value    string
}

// RunRecorder stores what was run next to the data it produced: the command
// line, the machine parameters, and when the run started and ended.
type RunRecorder struct {
	recorder DataRecorder
	table    string
	entries  []RunInfo
}

// NewRunRecorder creates the run table in the recorder.
func NewRunRecorder(recorder DataRecorder) *RunRecorder {
	e := &RunRecorder{recorder: recorder, table: "run_info"}
	recorder.CreateTable(e.table, RunInfo{})

	return e
}

// Start notes the start time, the command line and the given parameters.
func (e *RunRecorder) Start(params map[string]string) {
	e.entries = append(e.entries,
		RunInfo{"Start Time", time.Now().Format(timeFormat)},
		RunInfo{"Command", strings.Join(os.Args, " ")},
	)

	if wd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, RunInfo{"Working Directory", wd})
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		e.entries = append(e.entries, RunInfo{k, params[k]})
	}
}

// End writes the collected properties with the end time and flushes the
// recorder.
func (e *RunRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(e.table, entry)
	}

	e.recorder.InsertData(e.table,
		RunInfo{"End Time", time.Now().Format(timeFormat)})
	e.entries = nil

	e.recorder.Flush()
}
