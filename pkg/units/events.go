package units

import "time"

// EventKind identifies an event emitted by a unit
type EventKind string

const (
	EventError             EventKind = "error"
	EventCycleComplete     EventKind = "cycle:complete"
	EventOperationComplete EventKind = "operation:complete"
	EventInsight           EventKind = "insight"
)

// Event is emitted by an Observable unit
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Message   string
	Err       error

	// CycleTime is set for cycle:complete
	CycleTime time.Duration

	Data map[string]interface{}
}

type EventHandler func(event Event)
