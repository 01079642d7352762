// Package metrics exposes Prometheus instrumentation for the engine.
// Label values are drawn from bounded sets so cardinality stays fixed.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded executor skip/fail reason labels
const (
	ReasonRiskGate       = "riskgate"
	ReasonCloseCooldown  = "close-cooldown"
	ReasonAlreadyOpen    = "already-open"
	ReasonBelowNotional  = "below-min-notional"
	ReasonVenueRejected  = "venue-rejected"
	ReasonVenueTimeout   = "venue-timeout"
	ReasonDuplicate      = "duplicate"
	ReasonOther          = "other"
)

// NormalizeOutcomeReason maps arbitrary reason strings to the bounded set
func NormalizeOutcomeReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "cooldown"):
		return ReasonCloseCooldown
	case strings.Contains(lower, "already"):
		return ReasonAlreadyOpen
	case strings.Contains(lower, "notional"):
		return ReasonBelowNotional
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return ReasonVenueTimeout
	case strings.Contains(lower, "duplicate"):
		return ReasonDuplicate
	case strings.HasPrefix(lower, "riskgate") || strings.Contains(lower, "gate"):
		return ReasonRiskGate
	case strings.Contains(lower, "reject") || strings.Contains(lower, "margin") || strings.Contains(lower, "disabled"):
		return ReasonVenueRejected
	default:
		return ReasonOther
	}
}

// Schema gate metrics
var (
	ParseStrategyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_parse_strategy_total",
		Help: "Schema gate extraction attempts by strategy index and result",
	}, []string{"strategy", "result"})

	ParseFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_parse_fallback_total",
		Help: "Signals parsed by a fallback strategy (regex or heuristic)",
	})

	ParseRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_parse_rejected_total",
		Help: "LLM outputs rejected by every schema gate strategy",
	})
)

// Debate metrics
var (
	DebateStageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quorum_debate_stage_seconds",
		Help:    "Debate stage durations in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90, 120, 180},
	}, []string{"stage"})

	DebatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_debates_total",
		Help: "Debates by trigger and outcome",
	}, []string{"trigger", "outcome"})

	RoleFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_role_failures_total",
		Help: "Role calls replaced by a synthetic HOLD opinion",
	})
)

// LLM and quota metrics
var (
	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_llm_calls_total",
		Help: "LLM calls by model and outcome",
	}, []string{"model", "outcome"})

	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_llm_tokens_total",
		Help: "LLM tokens by model and direction",
	}, []string{"model", "direction"})

	LLMCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_llm_cost_usd_total",
		Help: "Estimated cumulative LLM spend in USD",
	})

	QuotaTier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quorum_quota_tier",
		Help: "Quota tier (0=normal, 1=warn, 2=critical, 3=exhausted)",
	})
)

// Execution metrics
var (
	ExecutorOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_executor_outcomes_total",
		Help: "Executor outcomes by status and normalized reason",
	}, []string{"status", "reason"})

	SupervisorClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_supervisor_closes_total",
		Help: "Supervisor-initiated closes by reason",
	}, []string{"reason"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quorum_open_positions",
		Help: "Currently supervised open positions",
	})
)

// Transport metrics
var (
	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quorum_ws_clients",
		Help: "Connected WebSocket clients per channel",
	}, []string{"channel"})

	WSEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_ws_evictions_total",
		Help: "WebSocket clients evicted by cause",
	}, []string{"cause"})
)
