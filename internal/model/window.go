package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

// SplitWindows cuts [from, to) into chunks aligned to size. The first and last
// chunks may be shorter when from or to are not aligned.
func SplitWindows(from, to time.Time, size time.Duration) ([]Window, error) {
	if size <= 0 {
		return nil, eris.New("window: size must be positive")
	}
	if !to.After(from) {
		return nil, nil
	}
	var out []Window
	start := from
	for start.Before(to) {
		end := start.Truncate(size).Add(size)
		if end.After(to) {
			end = to
		}
		out = append(out, Window{Start: start, End: end})
		start = end
	}
	return out, nil
}

// AlignWindow widens [from, to) outward to multiples of size, so every chunk
// SplitWindows produces from it is a full window.
func AlignWindow(from, to time.Time, size time.Duration) Window {
	w := Window{Start: from.Truncate(size), End: to.Truncate(size)}
	if w.End.Before(to) {
		w.End = w.End.Add(size)
	}
	return w
}

// Watermark is the persisted boundary of the last finalized window.
type Watermark struct {
	Pipeline  string    `json:"pipeline"`
	WindowEnd time.Time `json:"window_end"`
	Cursor    string    `json:"cursor,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the state of one pipeline run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// RunStats counts what a run did.
type RunStats struct {
	Windows        int   `json:"windows"`
	Fetched        int64 `json:"fetched"`
	Processed      int64 `json:"processed"`
	Malformed      int64 `json:"malformed"`
	Unattributable int64 `json:"unattributable"`
	UnknownEvent   int64 `json:"unknown_event"`
	BucketsWritten int64 `json:"buckets_written"`
	LeadActions    int64 `json:"lead_actions"`
	LeadsRescored  int64 `json:"leads_rescored"`
	RollupsApplied int64 `json:"rollups_applied"`
	RollupsStale   int64 `json:"rollups_stale"`
}

// Add accumulates o into s.
func (s *RunStats) Add(o RunStats) {
	s.Windows += o.Windows
	s.Fetched += o.Fetched
	s.Processed += o.Processed
	s.Malformed += o.Malformed
	s.Unattributable += o.Unattributable
	s.UnknownEvent += o.UnknownEvent
	s.BucketsWritten += o.BucketsWritten
	s.LeadActions += o.LeadActions
	s.LeadsRescored += o.LeadsRescored
	s.RollupsApplied += o.RollupsApplied
	s.RollupsStale += o.RollupsStale
}

// Rejected returns the total number of skipped events.
func (s RunStats) Rejected() int64 {
	return s.Malformed + s.Unattributable + s.UnknownEvent
}

// Run is one row of the run log.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Replay      bool       `json:"replay"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
	Error       string     `json:"error,omitempty"`
}

// WindowBatch is everything one window produced, committed atomically.
type WindowBatch struct {
	Pipeline      string
	Window        Window
	Contributions []Contribution
	LeadActions   []LeadActionRecord
	Outbound      []OutboundRecord
	// AdvanceWatermark moves the pipeline watermark to Window.End on commit.
	AdvanceWatermark bool
	Cursor           string
}

// CommitResult reports what a window commit changed.
type CommitResult struct {
	BucketsWritten int
	// Entities are the entities whose rollups received a pending delta.
	Entities []EntityRef
	// Leads are the leads that gained at least one new action.
	Leads []string
	// Contacted counts leads that moved from new to contacted.
	Contacted int
	// OrphanOutbound counts outbound messages with no matching lead.
	OrphanOutbound int
}
