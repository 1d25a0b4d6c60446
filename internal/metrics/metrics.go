// Package metrics holds the Prometheus collectors of the workflow engine and scheduler.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowpipe"

// Scheduler task results.
const (
	TaskExecuted          = "executed"
	TaskFailed            = "failed"
	TaskSkippedLocked     = "skipped_locked"
	TaskSkippedIgnoredDay = "skipped_ignored_day"
	TaskFinished          = "finished"
)

// Collectors owns one registry so several engines (e.g. in tests) never share counters.
type Collectors struct {
	registry *prometheus.Registry

	flowsExecuted     *prometheus.CounterVec
	actionsExecuted   *prometheus.CounterVec
	commandsMatched   *prometheus.CounterVec
	schedulerTasks    *prometheus.CounterVec
	schedulerLastTick prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		flowsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_executed_total",
			Help:      "Total number of flow executions by result",
		}, []string{"result"}),
		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_executed_total",
			Help:      "Total number of actions executed by type",
		}, []string{"type"}),
		commandsMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_matched_total",
			Help:      "Total number of matched commands",
		}, []string{"command"}),
		schedulerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_total",
			Help:      "Scheduled task handling by result", // executed, failed, skipped_locked, skipped_ignored_day, finished
		}, []string{"result"}),
		schedulerLastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed scheduler tick",
		}),
	}
	c.registry.MustRegister(
		c.flowsExecuted,
		c.actionsExecuted,
		c.commandsMatched,
		c.schedulerTasks,
		c.schedulerLastTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) FlowExecuted(result string) {
	if c != nil {
		c.flowsExecuted.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) ActionExecuted(actionType string) {
	if c != nil {
		c.actionsExecuted.WithLabelValues(actionType).Inc()
	}
}

func (c *Collectors) CommandMatched(name string) {
	if c != nil {
		c.commandsMatched.WithLabelValues(name).Inc()
	}
}

func (c *Collectors) SchedulerTask(result string) {
	if c != nil {
		c.schedulerTasks.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) SchedulerTicked(at time.Time) {
	if c != nil {
		c.schedulerLastTick.Set(float64(at.Unix()))
	}
}
