package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_orchestrator_tasks_submitted_total",
			Help: "Total tasks admitted by SubmitTask",
		},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_orchestrator_tasks_finished_total",
			Help: "Total tasks reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	activeTasksGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_orchestrator_active_tasks",
			Help: "Tasks currently in the dispatch retry loop",
		},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_orchestrator_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration per task method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func recordTaskSubmitted() {
	tasksSubmitted.Inc()
}

func recordTaskFinished(status Status, method string, d time.Duration) {
	tasksFinished.WithLabelValues(string(status)).Inc()
	dispatchDuration.WithLabelValues(method, string(status)).Observe(d.Seconds())
}

func setActiveTasks(n int32) {
	activeTasksGauge.Set(float64(n))
}
