// Package metrics defines the Prometheus collectors shared across the
// control plane. Collectors register themselves on the default registry at
// init; the HTTP server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets covers broker round trips: sub-10ms in-process echoes up to
// the 2s tool timeout.
var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000}

var (
	// ToolCalls counts tool invocations by tool name and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tool_calls_total",
		Help: "Tool invocations by tool and result.",
	}, []string{"tool", "result"})

	// ToolCallLatency observes end-to-end tool latency in milliseconds.
	ToolCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tool_call_latency_ms",
		Help:    "Tool invocation latency in milliseconds.",
		Buckets: latencyBuckets,
	}, []string{"tool"})

	// BrokerPublishes counts outbound broker publishes by topic.
	BrokerPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_publish_total",
		Help: "Outbound MQTT publishes by topic.",
	}, []string{"topic"})

	// BrokerWaitTime observes how long publish-and-wait calls block on a
	// matching state echo. Waits can outlive the tool timeout, hence the
	// wider top bucket.
	BrokerWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqtt_wait_time_ms",
		Help:    "Time spent waiting for a matching state echo, in milliseconds.",
		Buckets: append(latencyBuckets, 5000),
	}, []string{"topic"})

	// TriggerFirings counts rule firings by rule id and outcome.
	TriggerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_firings_total",
		Help: "Rule engine firings by rule and result.",
	}, []string{"rule_id", "result"})

	// AgentCommands counts supervisor plan executions by intent and outcome.
	AgentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_commands_total",
		Help: "Agent commands by intent and result.",
	}, []string{"intent", "result"})

	// AgentStepLatency observes per-step latency inside plan execution.
	AgentStepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_step_latency_ms",
		Help:    "Plan step latency in milliseconds.",
		Buckets: latencyBuckets,
	}, []string{"tool"})

	// CriticalActions counts invocations of critical tools that passed the
	// sliding-window limiter.
	CriticalActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critical_actions_total",
		Help: "Critical tool invocations.",
	}, []string{"tool"})

	// RulesVersion tracks the monotonic version of the active rule set.
	RulesVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rules_version",
		Help: "Version of the currently loaded rule set.",
	})

	// AnalysisInsights counts emitted insight events by kind.
	AnalysisInsights = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_insights_total",
		Help: "Analyzer insights by kind.",
	}, []string{"kind"})

	// AnalysisTicks counts analyzer evaluation passes.
	AnalysisTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysis_ticks_total",
		Help: "Analyzer evaluation passes.",
	})
)
