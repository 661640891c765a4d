package engine

import (
	"time"

	"datasage/internal/project"
)

// EngineState identifies where the orchestrator is in its run loop. Step
// workers move through /generating, /executing, and /interpreting; the other
// states describe the run as a whole.
type EngineState string

const (
	StateIdle         EngineState = "/idle"
	StatePlanning     EngineState = "/planning"
	StateSelecting    EngineState = "/selecting"
	StateGenerating   EngineState = "/generating"
	StateExecuting    EngineState = "/executing"
	StateInterpreting EngineState = "/interpreting"
	StateUpdating     EngineState = "/updating"
	StateDone         EngineState = "/done"
	StateAborted      EngineState = "/aborted"
)

// Event is one progress notification from the run loop. An empty StepID
// means the event describes the run itself; otherwise it describes one
// step's pipeline, and a non-empty Outcome marks that step's final record.
type Event struct {
	State     EngineState     `json:"state"`
	Round     int             `json:"round"`
	StepID    string          `json:"step_id,omitempty"`
	Outcome   project.Outcome `json:"outcome,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// emit sends an event to the event channel without ever blocking the loop.
func (o *Orchestrator) emit(ev Event) {
	if o.eventChan == nil {
		return
	}
	ev.Timestamp = time.Now()

	select {
	case o.eventChan <- ev:
	default:
		// Channel full, skip
	}
}
