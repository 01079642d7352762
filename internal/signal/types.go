// Package signal defines the Signal record produced by a debate and the
// schema gate that coerces free-form LLM output into it.
package signal

import (
	"fmt"
	"time"
)

// Direction is the closed set of trading verdicts
type Direction string

const (
	DirectionBuy   Direction = "BUY"   // open long
	DirectionSell  Direction = "SELL"  // close long
	DirectionShort Direction = "SHORT" // open short
	DirectionCover Direction = "COVER" // close short
	DirectionHold  Direction = "HOLD"  // no action
)

// ValidDirections is the closed set of accepted direction values
var ValidDirections = map[Direction]bool{
	DirectionBuy:   true,
	DirectionSell:  true,
	DirectionShort: true,
	DirectionCover: true,
	DirectionHold:  true,
}

// IsOpening reports whether the direction opens a position
func (d Direction) IsOpening() bool {
	return d == DirectionBuy || d == DirectionShort
}

// IsClosing reports whether the direction closes a position
func (d Direction) IsClosing() bool {
	return d == DirectionSell || d == DirectionCover
}

// Actionable reports whether the direction should reach the executor
func (d Direction) Actionable() bool {
	return d != DirectionHold && d != ""
}

// RiskLevel mirrors the referee's risk label
type RiskLevel string

const (
	RiskLow    RiskLevel = "低"
	RiskMedium RiskLevel = "中"
	RiskHigh   RiskLevel = "高"
)

// ChatMessage is one prompt message actually sent to a model
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoleOpinion is one analyst's verdict, immutable once created
type RoleOpinion struct {
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Emoji         string        `json:"emoji"`
	ModelLabel    string        `json:"model_label"`
	Signal        Direction     `json:"signal"`
	Confidence    int           `json:"confidence"`
	Analysis      string        `json:"analysis"`
	LatencyMS     int64         `json:"latency_ms"`
	InputMessages []ChatMessage `json:"input_messages,omitempty"`
}

// StageTimings records per-stage debate durations in seconds
type StageTimings struct {
	Fetch   float64 `json:"fetch"`
	Roles   float64 `json:"roles"`
	Referee float64 `json:"referee"`
	Total   float64 `json:"total"`
}

// Signal is the central artifact: the fused verdict of one debate.
// Created atomically at the end of a debate and never mutated.
type Signal struct {
	ID                 int64         `json:"id"`
	Symbol             string        `json:"symbol"` // raw form
	CreatedAt          time.Time     `json:"created_at"`
	Signal             Direction     `json:"signal"`
	Confidence         int           `json:"confidence"` // clamped [0,100]
	RiskLevel          RiskLevel     `json:"risk_level"`
	Reason             string        `json:"reason"`
	RiskAssessment     string        `json:"risk_assessment,omitempty"`
	FinalRawOutput     string        `json:"final_raw_output,omitempty"`
	RoleOpinions       []RoleOpinion `json:"role_opinions"`
	RoleInputMessages  []ChatMessage `json:"role_input_messages,omitempty"`
	FinalInputMessages []ChatMessage `json:"final_input_messages,omitempty"`
	StageTimestamps    StageTimings  `json:"stage_timestamps"`
	PriceAtSignal      float64       `json:"price_at_signal"`
	Regime             string        `json:"regime,omitempty"`
	TPPrice            float64       `json:"tp_price,omitempty"`
	SLPrice            float64       `json:"sl_price,omitempty"`
	Leverage           int           `json:"leverage,omitempty"`
	DailyQuote         string        `json:"daily_quote,omitempty"`
	VoiceText          string        `json:"voice_text,omitempty"`
	ErrorText          string        `json:"error_text,omitempty"`
	ParsedByFallback   bool          `json:"parsed_by_fallback,omitempty"`
}

// Fragment is the typed output of the schema gate: the referee fields only.
type Fragment struct {
	Signal         Direction `json:"signal"`
	Confidence     int       `json:"confidence"`
	Reason         string    `json:"reason"`
	RiskLevel      RiskLevel `json:"risk_level"`
	RiskAssessment string    `json:"risk_assessment,omitempty"`
	TPPrice        float64   `json:"tp_price,omitempty"`
	SLPrice        float64   `json:"sl_price,omitempty"`
	Leverage       int       `json:"leverage,omitempty"`

	// Strategy is the 1-based index of the extraction strategy that produced
	// this fragment. RegexFields lists fields assembled by per-field regex so
	// downstream metrics can observe the fallback rate.
	Strategy         int      `json:"-"`
	ParsedByFallback bool     `json:"-"`
	RegexFields      []string `json:"-"`
}

// ParseError is a typed schema-gate rejection
type ParseError struct {
	Strategy int    // strategy index that last rejected the input, 0 when none applied
	Field    string // offending field, if known
	Snippet  string // truncated input
	Msg      string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema gate: %s (field=%s, strategy=%d): %s", e.Msg, e.Field, e.Strategy, e.Snippet)
	}
	return fmt.Sprintf("schema gate: %s (strategy=%d): %s", e.Msg, e.Strategy, e.Snippet)
}

// Validate checks the Signal record invariants
func (s *Signal) Validate() error {
	if !ValidDirections[s.Signal] {
		return fmt.Errorf("invalid signal direction: %q", s.Signal)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence out of range: %d", s.Confidence)
	}
	if s.Reason == "" && s.FinalRawOutput == "" {
		return fmt.Errorf("signal requires reason or final_raw_output")
	}
	if len(s.RoleOpinions) == 0 && s.ErrorText == "" {
		return fmt.Errorf("signal requires role opinions unless error_text is set")
	}
	return nil
}
