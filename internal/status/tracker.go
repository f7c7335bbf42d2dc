// Package status holds the crawl status read by pollers and written by the
// active run. Readers always observe a whole snapshot.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of crawl status.
type Snapshot struct {
	Running         bool      `json:"running"`
	RunID           string    `json:"run_id,omitempty"`
	CurrentKeyword  string    `json:"current_keyword"`
	Progress        int       `json:"progress"`
	DistinctAuthors int       `json:"distinct_author_count"`
	Message         string    `json:"message"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Tracker is a single-writer, multi-reader status holder.
type Tracker struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	now  func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.snap.Store(&Snapshot{Message: "idle"})
	return t
}

// Snapshot returns the current status without blocking writers.
func (t *Tracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

// TryBegin atomically resets status for a new run. It returns false, leaving
// the active run untouched, when a run is already in progress.
func (t *Tracker) TryBegin(runID, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Load().Running {
		return false
	}
	t.snap.Store(&Snapshot{
		Running:   true,
		RunID:     runID,
		Message:   message,
		StartedAt: t.now(),
	})
	return true
}

// Finish marks the run complete with progress 100.
func (t *Tracker) Finish(message string) {
	t.update(func(s *Snapshot) {
		s.Running = false
		s.Progress = 100
		s.Message = message
		s.FinishedAt = t.now()
	})
}

// SetKeyword records the keyword being processed.
func (t *Tracker) SetKeyword(keyword string) {
	t.update(func(s *Snapshot) { s.CurrentKeyword = keyword })
}

// SetProgress records percent, clamped to [0,100] and never decreasing within
// a run.
func (t *Tracker) SetProgress(percent int) {
	percent = max(0, min(100, percent))
	t.update(func(s *Snapshot) {
		if percent > s.Progress {
			s.Progress = percent
		}
	})
}

// SetAuthors records the number of distinct authors touched by the run.
func (t *Tracker) SetAuthors(count int) {
	t.update(func(s *Snapshot) { s.DistinctAuthors = count })
}

// SetMessage records a human-readable status line.
func (t *Tracker) SetMessage(msg string) {
	t.update(func(s *Snapshot) { s.Message = msg })
}

func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := *t.snap.Load()
	fn(&next)
	t.snap.Store(&next)
}
