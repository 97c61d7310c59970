package resources

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservedMemoryGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_resources_reserved_memory_bytes",
			Help: "Cumulative reserved memory across all active reservations",
		},
	)

	reservedCPUGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_resources_reserved_cpu_percent",
			Help: "Cumulative reserved CPU percentage across all active reservations",
		},
	)

	reservationCountGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_resources_reservation_count",
			Help: "Number of active reservations",
		},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_resources_alerts_total",
			Help: "Total alerts published, by resource and level",
		},
		[]string{"resource", "level"},
	)
)

func recordReservation(reservedMemory int64, reservedCPU float64, count int) {
	reservedMemoryGauge.Set(float64(reservedMemory))
	reservedCPUGauge.Set(reservedCPU)
	reservationCountGauge.Set(float64(count))
}

func recordAlert(resource string, level AlertLevel) {
	alertsTotal.WithLabelValues(resource, string(level)).Inc()
}
