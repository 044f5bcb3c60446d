package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	// Task metrics
	TasksSubmitted  prometheus.Counter
	TasksDispatched prometheus.Counter
	TasksRejected   prometheus.Counter
	TasksCompleted  *prometheus.CounterVec
	TaskDuration    prometheus.Histogram
	QueueDepth      prometheus.Gauge

	// Worker metrics
	WorkersByStatus  *prometheus.GaugeVec
	WorkerTasksTotal *prometheus.CounterVec
	WorkerCPU        *prometheus.GaugeVec
	WorkerMemory     *prometheus.GaugeVec

	// Control plane metrics
	Commands        *prometheus.CounterVec
	DiscoveryRounds prometheus.Counter
	WorkersEvicted  prometheus.Counter
	BusMessages     *prometheus.CounterVec

	// System metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *zap.Logger
	server   *http.Server
	mu       sync.Mutex
}

// NewMetrics registers every collector on a private registry so several
// fleets can live in one process.
func NewMetrics(logger *zap.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_submitted_total",
			Help: "Total number of tasks accepted by the scheduler",
		}),
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_dispatched_total",
			Help: "Total number of tasks handed to the load balancer",
		}),
		TasksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_rejected_total",
			Help: "Total number of dispatched tasks refused by a worker and re-queued",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tasks_finished_total",
			Help: "Total number of tasks finished by outcome",
		}, []string{"status"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_queue_depth",
			Help: "Number of tasks waiting in the scheduler queue",
		}),

		WorkersByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_workers",
			Help: "Number of known workers by status",
		}, []string{"status"}),
		WorkerTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_worker_tasks_total",
			Help: "Total number of tasks processed by worker",
		}, []string{"worker_id", "status"}),
		WorkerCPU: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_worker_cpu_percent",
			Help: "Last reported CPU utilisation per worker",
		}, []string{"worker_id", "node_id"}),
		WorkerMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_worker_memory_percent",
			Help: "Last reported memory utilisation per worker",
		}, []string{"worker_id", "node_id"}),

		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_commands_total",
			Help: "Total number of control commands issued",
		}, []string{"kind"}),
		DiscoveryRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_discovery_rounds_total",
			Help: "Total number of worker discovery broadcasts",
		}),
		WorkersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_workers_evicted_total",
			Help: "Total number of workers dropped for silence",
		}),
		BusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_bus_messages_total",
			Help: "Total number of messages observed per topic",
		}, []string{"topic"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		registry: reg,
		logger:   logger,
	}
}

// Registry exposes the collectors for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StartServer(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.mu.Lock()
	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	server := m.server
	m.mu.Unlock()

	m.logger.Info("Starting metrics server", zap.String("addr", addr))
	return server.ListenAndServe()
}

func (m *Metrics) Stop(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server != nil {
		m.logger.Info("Stopping metrics server")
		return server.Shutdown(ctx)
	}
	return nil
}

func (m *Metrics) TaskSubmitted() {
	m.TasksSubmitted.Inc()
}

func (m *Metrics) TaskDispatched() {
	m.TasksDispatched.Inc()
}

func (m *Metrics) TaskRejected() {
	m.TasksRejected.Inc()
}

func (m *Metrics) TaskFinished(workerID, status string, duration time.Duration) {
	m.TasksCompleted.WithLabelValues(status).Inc()
	m.WorkerTasksTotal.WithLabelValues(workerID, status).Inc()
	if duration > 0 {
		m.TaskDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(count int) {
	m.QueueDepth.Set(float64(count))
}

// SetWorkerCounts replaces the per-status worker gauges.
func (m *Metrics) SetWorkerCounts(counts map[string]int) {
	m.WorkersByStatus.Reset()
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		m.WorkersByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (m *Metrics) ObserveResources(workerID, nodeID string, cpu, memory float64) {
	m.WorkerCPU.WithLabelValues(workerID, nodeID).Set(cpu)
	m.WorkerMemory.WithLabelValues(workerID, nodeID).Set(memory)
}

func (m *Metrics) ForgetWorker(workerID, nodeID string) {
	m.WorkerCPU.DeleteLabelValues(workerID, nodeID)
	m.WorkerMemory.DeleteLabelValues(workerID, nodeID)
}

func (m *Metrics) CommandIssued(kind string) {
	m.Commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) DiscoveryRound() {
	m.DiscoveryRounds.Inc()
}

func (m *Metrics) WorkerEvicted() {
	m.WorkersEvicted.Inc()
}

func (m *Metrics) MessageObserved(topic string) {
	m.BusMessages.WithLabelValues(topic).Inc()
}

func (m *Metrics) HTTPRequest(method, endpoint, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
	logger *zap.Logger
}

type HealthCheck interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a plain function to HealthCheck.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheck),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "healthy",
		Checks: make(map[string]string),
	}

	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			status.Checks[name] = "unhealthy: " + err.Error()
			status.Status = "unhealthy"
			h.logger.Warn("Health check failed",
				zap.String("check", name),
				zap.Error(err))
		} else {
			status.Checks[name] = "healthy"
		}
	}

	return status
}
