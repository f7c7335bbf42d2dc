// Package progress defines the events a crawl run emits while it works.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a run milestone.
type Stage string

// Run stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageKeywordStart Stage = "KEYWORD_START"
	StageItemDone     Stage = "ITEM_DONE"
	StageItemSkipped  Stage = "ITEM_SKIPPED"
	StageMerge        Stage = "MERGE"
)

// Event is one milestone of a run.
type Event struct {
	RunID   [16]byte
	TS      time.Time
	Stage   Stage
	Keyword string
	ItemID  string
	UserID  string
	// Comments is the number of comments merged for an ITEM_DONE event.
	Comments int64
	// Created is set on MERGE events that produced a new author record.
	Created bool
	Dur     time.Duration
	// Note carries a short reason, e.g. the error kind for skipped items.
	Note string
}

// Validate rejects events that sinks cannot attribute.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageKeywordStart:
		if e.Keyword == "" {
			return errors.New("keyword start requires keyword")
		}
	case StageItemDone, StageItemSkipped:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
	case StageMerge:
		if e.UserID == "" {
			return errors.New("merge requires user id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID returns the run id as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ParseRunID converts a textual run id. Unparseable ids map to a stable
// name-based UUID so events from any id stay attributable.
func ParseRunID(runID string) [16]byte {
	if id, err := uuid.Parse(runID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
}
