package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements Recorder using Prometheus
type Collector struct {
	unitsAwakened     *prometheus.CounterVec
	unitAwakenFailed  *prometheus.CounterVec
	unitsSlept        *prometheus.CounterVec
	unitErrors        *prometheus.CounterVec
	unitHealth        *prometheus.GaugeVec
	unitAwakenLatency prometheus.Histogram

	awakeUnits       prometheus.Gauge
	healthyUnits     prometheus.Gauge
	unhealthyUnits   prometheus.Gauge
	errorRate        prometheus.Gauge
	collectiveHealth prometheus.Gauge
	resonance        prometheus.Gauge
	healthChecks     prometheus.Counter

	operations         *prometheus.CounterVec
	operationsRejected *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	emergencyShutdowns prometheus.Counter
}

// NewCollector registers the orchestrator metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		unitsAwakened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_units_awakened_total",
				Help: "Total number of successful unit awakenings",
			},
			[]string{"unit"},
		),
		unitAwakenFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_unit_awaken_failures_total",
				Help: "Total number of failed unit awakenings",
			},
			[]string{"unit"},
		),
		unitsSlept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_units_slept_total",
				Help: "Total number of units put to sleep by reason",
			},
			[]string{"unit", "reason"},
		),
		unitErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_unit_errors_total",
				Help: "Total number of errors recorded per unit",
			},
			[]string{"unit"},
		),
		unitHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_unit_health",
				Help: "Last health score reported by each unit",
			},
			[]string{"unit"},
		),
		unitAwakenLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hsu_orchestrator_unit_awaken_duration_seconds",
				Help:    "Unit start hook duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		awakeUnits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_awake_units",
				Help: "Number of awake units at the last health check",
			},
		),
		healthyUnits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_healthy_units",
				Help: "Number of healthy units at the last health check",
			},
		),
		unhealthyUnits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_unhealthy_units",
				Help: "Number of unhealthy units at the last health check",
			},
		),
		errorRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_error_rate",
				Help: "Recorded errors normalized by awake unit capacity",
			},
		),
		collectiveHealth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_collective_health",
				Help: "Collective health score including synergy",
			},
		),
		resonance: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsu_orchestrator_resonance",
				Help: "Current resonance feedback value",
			},
		),
		healthChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_health_checks_total",
				Help: "Total number of health checks performed",
			},
		),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_operations_total",
				Help: "Total number of coordinated operations by outcome",
			},
			[]string{"type", "outcome"},
		),
		operationsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_operations_rejected_total",
				Help: "Total number of coordinated operations rejected before start",
			},
			[]string{"type", "reason"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsu_orchestrator_operation_duration_seconds",
				Help:    "Coordinated operation duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		emergencyShutdowns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hsu_orchestrator_emergency_shutdowns_total",
				Help: "Total number of emergency shutdowns",
			},
		),
	}
}

func (c *Collector) UnitAwakened(id string, elapsed time.Duration) {
	c.unitsAwakened.WithLabelValues(id).Inc()
	c.unitAwakenLatency.Observe(elapsed.Seconds())
}

func (c *Collector) UnitAwakenFailed(id string) {
	c.unitAwakenFailed.WithLabelValues(id).Inc()
}

func (c *Collector) UnitSlept(id string, reason string) {
	c.unitsSlept.WithLabelValues(id, reason).Inc()
	c.unitHealth.DeleteLabelValues(id)
}

func (c *Collector) UnitErrorRecorded(id string) {
	c.unitErrors.WithLabelValues(id).Inc()
}

func (c *Collector) UnitHealth(id string, health float64) {
	c.unitHealth.WithLabelValues(id).Set(health)
}

func (c *Collector) HealthChecked(sample HealthSample) {
	c.healthChecks.Inc()
	c.awakeUnits.Set(float64(sample.AwakeUnits))
	c.healthyUnits.Set(float64(sample.HealthyUnits))
	c.unhealthyUnits.Set(float64(sample.UnhealthyUnits))
	c.errorRate.Set(sample.ErrorRate)
	c.collectiveHealth.Set(sample.CollectiveHealth)
}

func (c *Collector) OperationCompleted(opType string, successful, failed int, duration time.Duration) {
	outcome := "failed"
	if successful > failed {
		outcome = "succeeded"
	}
	c.operations.WithLabelValues(opType, outcome).Inc()
	c.operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

func (c *Collector) OperationRejected(opType string, reason string) {
	c.operationsRejected.WithLabelValues(opType, reason).Inc()
}

func (c *Collector) EmergencyShutdown() {
	c.emergencyShutdowns.Inc()
}

func (c *Collector) Resonance(value float64) {
	c.resonance.Set(value)
}

var _ Recorder = (*Collector)(nil)
