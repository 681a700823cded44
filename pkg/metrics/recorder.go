package metrics

import "time"

// Recorder receives orchestrator measurements
type Recorder interface {
	UnitAwakened(id string, elapsed time.Duration)
	UnitAwakenFailed(id string)
	UnitSlept(id string, reason string)
	UnitErrorRecorded(id string)
	UnitHealth(id string, health float64)
	HealthChecked(sample HealthSample)
	OperationCompleted(opType string, successful, failed int, duration time.Duration)
	OperationRejected(opType string, reason string)
	EmergencyShutdown()
	Resonance(value float64)
}

// HealthSample is the subset of a health snapshot exported as metrics
type HealthSample struct {
	AwakeUnits       int
	HealthyUnits     int
	UnhealthyUnits   int
	ErrorRate        float64
	CollectiveHealth float64
}

type nopRecorder struct{}

// NewNopRecorder returns a Recorder that drops everything
func NewNopRecorder() Recorder {
	return nopRecorder{}
}

func (nopRecorder) UnitAwakened(string, time.Duration) {}
func (nopRecorder) UnitAwakenFailed(string) {}
func (nopRecorder) UnitSlept(string, string) {}
func (nopRecorder) UnitErrorRecorded(string) {}
func (nopRecorder) UnitHealth(string, float64) {}
func (nopRecorder) HealthChecked(HealthSample) {}
func (nopRecorder) OperationCompleted(string, int, int, time.Duration) {}
func (nopRecorder) OperationRejected(string, string) {}
func (nopRecorder) EmergencyShutdown() {}
func (nopRecorder) Resonance(float64) {}
