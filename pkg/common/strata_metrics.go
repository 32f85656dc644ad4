package common

import "github.com/prometheus/client_golang/prometheus"

type StrataMetrics struct {
	MetricBuilds        prometheus.Counter
	MetricBuildFailures prometheus.Counter
	MetricMounts        prometheus.Counter
	MetricUnlocks       prometheus.Counter
	MetricRollbackRuns  prometheus.Counter
	MetricUnitsActive   *prometheus.GaugeVec
}

func NewStrataMetrics(reg *prometheus.Registry) *StrataMetrics {
	sm := &StrataMetrics{
		MetricBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Subsystem: "planner", Name: "builds_total", Help: "Completed builds"}),
		MetricBuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Subsystem: "planner", Name: "build_failures_total", Help: "Failed builds"}),
		MetricMounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Subsystem: "planner", Name: "mounts_total", Help: "Completed mount passes"}),
		MetricUnlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Subsystem: "teardown", Name: "unlocks_total", Help: "Unlock walks"}),
		MetricRollbackRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Subsystem: "rollback", Name: "runs_total", Help: "Rollback stack executions"}),
		MetricUnitsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strata", Subsystem: "planner", Name: "units_active", Help: "Active storage units"}, []string{"kind"}),
	}

	reg.MustRegister(sm.MetricBuilds, sm.MetricBuildFailures, sm.MetricMounts, sm.MetricUnlocks, sm.MetricRollbackRuns, sm.MetricUnitsActive)

	return sm
}
