package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Breaker thresholds per service
const (
	exchangeMinRequests     = 5
	exchangeFailureRatio    = 0.6
	exchangeOpenTimeout     = 30 * time.Second
	exchangeHalfOpenMaxReqs = 3
	exchangeCountInterval   = 10 * time.Second

	// LLM calls recover slower, keep the circuit open longer
	llmMinRequests     = 3
	llmFailureRatio    = 0.6
	llmOpenTimeout     = 60 * time.Second
	llmHalfOpenMaxReqs = 2
	llmCountInterval   = 10 * time.Second
)

// Breakers wraps the venue and LLM circuit breakers
type Breakers struct {
	exchange *gobreaker.CircuitBreaker
	llm      *gobreaker.CircuitBreaker
	state    *prometheus.GaugeVec
}

var (
	breakerStateGauge *prometheus.GaugeVec
	breakerGaugeOnce  sync.Once
)

func breakerGauge() *prometheus.GaugeVec {
	breakerGaugeOnce.Do(func() {
		breakerStateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quorum_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service"},
		)
	})
	return breakerStateGauge
}

// NewBreakers creates the engine's circuit breaker set
func NewBreakers() *Breakers {
	b := &Breakers{state: breakerGauge()}

	b.exchange = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: exchangeHalfOpenMaxReqs,
		Interval:    exchangeCountInterval,
		Timeout:     exchangeOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= exchangeMinRequests && ratio >= exchangeFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.setState("exchange", to)
		},
	})

	b.llm = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: llmHalfOpenMaxReqs,
		Interval:    llmCountInterval,
		Timeout:     llmOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= llmMinRequests && ratio >= llmFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.setState("llm", to)
		},
	})

	b.setState("exchange", b.exchange.State())
	b.setState("llm", b.llm.State())
	return b
}

// Exchange returns the venue circuit breaker
func (b *Breakers) Exchange() *gobreaker.CircuitBreaker { return b.exchange }

// LLM returns the LLM circuit breaker
func (b *Breakers) LLM() *gobreaker.CircuitBreaker { return b.llm }

func (b *Breakers) setState(service string, state gobreaker.State) {
	var value float64
	switch state {
	case gobreaker.StateClosed:
		value = 0
	case gobreaker.StateOpen:
		value = 1
	case gobreaker.StateHalfOpen:
		value = 2
	}
	b.state.WithLabelValues(service).Set(value)
}
