package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_monitor_memory_utilization_pct",
			Help: "Reserved memory as a percentage of the configured limit",
		},
	)

	cpuUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_monitor_cpu_utilization_pct",
			Help: "Reserved CPU as a percentage of the configured limit",
		},
	)

	healthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_monitor_health_status",
			Help: "1 if the current health status matches the label, 0 otherwise",
		},
		[]string{"status"},
	)
)

func recordUtilization(memoryPct, cpuPct float64) {
	memoryUtilization.Set(memoryPct)
	cpuUtilization.Set(cpuPct)
}

func recordHealth(current Status) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		healthStatus.WithLabelValues(string(s)).Set(v)
	}
}
