package events

import (
	"time"
)

// Events emitted by the orchestrator
const (
	UnitAwakened                  = "unit:awakened"
	UnitSleeping                  = "unit:sleeping"
	UnitError                     = "unit:error"
	UnitRitualComplete            = "unit:ritual:complete"
	UnitInsight                   = "unit:insight"
	OrchestratorEmergencyShutdown = "orchestrator:emergency:shutdown"
	OrchestratorOperationComplete = "orchestrator:operation:complete"
	OrchestratorHealthCheck       = "orchestrator:health:check"
)

// Events consumed from the kernel
const (
	KernelEmergency        = "kernel.emergency"
	KernelOperationRequest = "kernel.operation:request"
)

// All matches every event type on Subscribe
const All = "*"

// Event is a notification flowing through the bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events synchronously on the publisher's goroutine
type Handler func(event Event)

// IsKernelEvent reports whether an event type originates from the kernel
func IsKernelEvent(eventType string) bool {
	return eventType == KernelEmergency || eventType == KernelOperationRequest
}
