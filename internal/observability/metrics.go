package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn throughput and latency by source (user, cron, heartbeat, intent)
//   - Tool execution decisions and latencies
//   - Durable queue depth and lifecycle event drops
//   - Cron run outcomes and budget denials
//   - Memory integrity findings and compaction runs
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTurn("user", "completed", time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter counts turns by source and outcome.
	// Labels: source (user|cron|heartbeat|intent|queue), outcome (completed|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: source
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	TurnDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption reported by the model adapter.
	// Labels: model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by routing decision.
	// Labels: tool_name, decision (executed|denied|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// QueueDepth tracks pending items in the durable queue.
	// Labels: backend (file|memory)
	QueueDepth *prometheus.GaugeVec

	// LifecycleDropped counts lifecycle events dropped on slow subscribers.
	LifecycleDropped prometheus.Counter

	// CronRunCounter counts cron job runs.
	// Labels: status (success|error|retry)
	CronRunCounter *prometheus.CounterVec

	// BudgetDenied counts autonomous sends suppressed by the budget.
	// Labels: reason (hourly_limit|daily_limit|quiet_hours)
	BudgetDenied *prometheus.CounterVec

	// HeartbeatCounter counts heartbeat ticks by outcome.
	// Labels: outcome (ok|sent|skipped|error)
	HeartbeatCounter *prometheus.CounterVec

	// CompactionCounter counts memory compaction runs.
	// Labels: status (success|skipped|error)
	CompactionCounter *prometheus.CounterVec

	// IntegrityFindings tracks findings from the latest integrity scan.
	IntegrityFindings prometheus.Gauge

	// MemoryRecords counts records appended to the memory store.
	// Labels: category
	MemoryRecords *prometheus.CounterVec

	// WorkflowStepCounter counts workflow step transitions.
	// Labels: status (completed|failed|skipped)
	WorkflowStepCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (turn|tools|cron|memory|queue|autonomy), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer.
// Tests use this with an isolated registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_turns_total",
				Help: "Total number of turns by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otto_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_tool_executions_total",
				Help: "Total number of tool invocations by name and routing decision",
			},
			[]string{"tool_name", "decision"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otto_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "otto_queue_depth",
				Help: "Pending items in the durable queue",
			},
			[]string{"backend"},
		),

		LifecycleDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otto_lifecycle_dropped_events_total",
				Help: "Lifecycle events dropped because a subscriber queue was full",
			},
		),

		CronRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_cron_runs_total",
				Help: "Total number of cron job runs by status",
			},
			[]string{"status"},
		),

		BudgetDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_budget_denials_total",
				Help: "Autonomous sends suppressed by the budget, by reason",
			},
			[]string{"reason"},
		),

		HeartbeatCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_heartbeats_total",
				Help: "Heartbeat ticks by outcome",
			},
			[]string{"outcome"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_memory_compactions_total",
				Help: "Memory compaction runs by status",
			},
			[]string{"status"},
		),

		IntegrityFindings: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "otto_memory_integrity_findings",
				Help: "Findings reported by the latest memory integrity scan",
			},
		),

		MemoryRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_memory_records_total",
				Help: "Records appended to the memory store by category",
			},
			[]string{"category"},
		),

		WorkflowStepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_workflow_steps_total",
				Help: "Workflow step transitions by status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otto_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordTurn records one finished turn.
//
// Example:
//
//	metrics.RecordTurn("user", "completed", time.Since(start).Seconds())
func (m *Metrics) RecordTurn(source, outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(source, outcome).Inc()
	m.TurnDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordTokens records token usage reported by the adapter.
func (m *Metrics) RecordTokens(model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one routed tool call.
//
// Example:
//
//	metrics.RecordToolExecution("http_get", "executed", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, decision string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, decision).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SetQueueDepth sets the pending-item gauge for a queue backend.
func (m *Metrics) SetQueueDepth(backend string, depth int) {
	m.QueueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordCronRun increments the cron run counter.
func (m *Metrics) RecordCronRun(status string) {
	m.CronRunCounter.WithLabelValues(status).Inc()
}

// RecordBudgetDenial increments the budget denial counter.
func (m *Metrics) RecordBudgetDenial(reason string) {
	m.BudgetDenied.WithLabelValues(reason).Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func (m *Metrics) RecordHeartbeat(outcome string) {
	m.HeartbeatCounter.WithLabelValues(outcome).Inc()
}

// RecordCompaction increments the compaction counter.
func (m *Metrics) RecordCompaction(status string) {
	m.CompactionCounter.WithLabelValues(status).Inc()
}

// RecordWorkflowStep increments the workflow step counter.
func (m *Metrics) RecordWorkflowStep(status string) {
	m.WorkflowStepCounter.WithLabelValues(status).Inc()
}

// RecordLifecycleDrop increments the dropped lifecycle event counter.
func (m *Metrics) RecordLifecycleDrop() {
	m.LifecycleDropped.Inc()
}

// RecordMemoryRecord increments the appended-record counter.
func (m *Metrics) RecordMemoryRecord(category string) {
	m.MemoryRecords.WithLabelValues(category).Inc()
}

// SetIntegrityFindings publishes the finding count from the latest
// memory integrity scan.
func (m *Metrics) SetIntegrityFindings(n int) {
	m.IntegrityFindings.Set(float64(n))
}

// RecordError increments the error counter for a component.
//
// Example:
//
//	metrics.RecordError("turn", "timeout")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
