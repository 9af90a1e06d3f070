package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Stage classifies an Event for sinks that aggregate.
type Stage string

// Supported progress stages.
const (
	StageTaskAccepted  Stage = "TASK_ACCEPTED"
	StageTaskStart     Stage = "TASK_START"
	StageTaskDone      Stage = "TASK_DONE"
	StageTaskError     Stage = "TASK_ERROR"
	StageTaskCancelled Stage = "TASK_CANCELLED"
	StagePageDone      Stage = "PAGE_DONE"
	StagePageSkipped   Stage = "PAGE_SKIPPED"
	StageChallenge     Stage = "CHALLENGE"
	StageState         Stage = "STATE"
)

// Event is one status event as seen by sinks.
type Event struct {
	crawler.StatusEvent
	// Stage is derived from the status event by FromStatus.
	Stage Stage
	// Dur is the task wall time on terminal stages.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskAccepted, StageTaskStart, StageTaskDone, StageTaskError, StageTaskCancelled,
		StagePageDone, StagePageSkipped, StageChallenge, StageState:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a task.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageTaskDone, StageTaskError, StageTaskCancelled:
		return true
	}
	return false
}

// FromStatus wraps a status event with its stage and duration.
func FromStatus(ev crawler.StatusEvent, stage Stage, dur time.Duration) Event {
	return Event{StatusEvent: ev, Stage: stage, Dur: dur}
}

// StageFor classifies a session event.
func StageFor(ev crawler.StatusEvent) Stage {
	switch {
	case ev.Stats.PageOutcome == crawler.PageDone:
		return StagePageDone
	case ev.Stats.PageOutcome == crawler.PageSkipped:
		return StagePageSkipped
	case ev.State == crawler.StateChallengeWait && ev.Level == crawler.LevelWarning:
		return StageChallenge
	}
	return StageState
}
