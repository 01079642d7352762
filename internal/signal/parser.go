package signal

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quorumtrade/quorum/internal/metrics"
)

// Extraction strategy indexes, reported in ParseError and metrics.
const (
	strategyDirect   = 1 // strip <think>, direct JSON parse
	strategyFenced   = 2 // fenced ```json blocks
	strategyBalanced = 3 // largest balanced {...} substring
	strategyRegex    = 4 // per-field regex assembly
	strategyChinese  = 5 // Chinese verb + percent heuristic
)

const snippetLen = 200

var (
	reThink         = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reFence         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)

	reFieldSignal     = regexp.MustCompile(`(?i)"?(?:signal|action)"?\s*[:：]\s*"?([A-Za-z_\x{4e00}-\x{9fff}]+)"?`)
	reFieldConfidence = regexp.MustCompile(`(?i)"?confidence"?\s*[:：]\s*"?(-?\d{1,3})`)
	reFieldReason     = regexp.MustCompile(`(?i)"(?:reason|reasoning)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	reFieldRiskLevel  = regexp.MustCompile(`(?i)"?risk_level"?\s*[:：]\s*"?(低|中|高|low|medium|high)`)
	reFieldTP         = regexp.MustCompile(`(?i)"?(?:tp_price|take_profit)"?\s*[:：]\s*"?(-?\d+(?:\.\d+)?)`)
	reFieldSL         = regexp.MustCompile(`(?i)"?(?:sl_price|stop_loss)"?\s*[:：]\s*"?(-?\d+(?:\.\d+)?)`)
	reFieldLeverage   = regexp.MustCompile(`(?i)"?leverage"?\s*[:：]\s*"?(\d{1,3})`)

	reChinesePercent = regexp.MustCompile(`(\d{1,3})\s*%`)
	reChineseConf    = regexp.MustCompile(`置信度\D{0,6}(\d{1,3})`)
)

// chineseVerbs maps decision verbs to directions, checked in order so that
// closing verbs win over their opening substrings (平多 contains no 开多, but
// order is still fixed for determinism).
var chineseVerbs = []struct {
	verb string
	dir  Direction
}{
	{"平多", DirectionSell},
	{"平空", DirectionCover},
	{"开多", DirectionBuy},
	{"开空", DirectionShort},
	{"观望", DirectionHold},
	{"持有", DirectionHold},
}

// rawFragment tolerates the field spellings and value types LLMs produce
type rawFragment struct {
	Signal         string `json:"signal"`
	Action         string `json:"action"`
	Confidence     any    `json:"confidence"`
	Reason         string `json:"reason"`
	Reasoning      string `json:"reasoning"`
	RiskLevel      string `json:"risk_level"`
	RiskAssessment string `json:"risk_assessment"`
	TPPrice        any    `json:"tp_price"`
	TakeProfit     any    `json:"take_profit"`
	SLPrice        any    `json:"sl_price"`
	StopLoss       any    `json:"stop_loss"`
	Leverage       any    `json:"leverage"`
}

// Parse coerces free-form LLM text into a validated Fragment through the
// ranked strategy cascade. Every strategy failure is logged, never swallowed;
// the first extraction success wins and is then validated.
func Parse(text string) (*Fragment, error) {
	cleaned := stripReasoning(text)

	type strategy struct {
		index int
		run   func(string) (*Fragment, error)
	}
	cascade := []strategy{
		{strategyDirect, parseDirect},
		{strategyFenced, parseFenced},
		{strategyBalanced, parseBalanced},
		{strategyRegex, parseFieldRegex},
		{strategyChinese, parseChinese},
	}

	var lastErr error
	for _, s := range cascade {
		frag, err := s.run(cleaned)
		if err != nil {
			metrics.ParseStrategyTotal.WithLabelValues(strconv.Itoa(s.index), "fail").Inc()
			log.Debug().
				Int("strategy", s.index).
				Err(err).
				Msg("Schema gate strategy failed")
			lastErr = err
			continue
		}

		frag.Strategy = s.index
		if err := validateFragment(frag, s.index, cleaned); err != nil {
			metrics.ParseStrategyTotal.WithLabelValues(strconv.Itoa(s.index), "rejected").Inc()
			return nil, err
		}

		metrics.ParseStrategyTotal.WithLabelValues(strconv.Itoa(s.index), "success").Inc()
		if frag.ParsedByFallback {
			metrics.ParseFallbackTotal.Inc()
		}
		return frag, nil
	}

	metrics.ParseRejectedTotal.Inc()
	msg := "no strategy extracted a signal"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return nil, &ParseError{
		Strategy: strategyChinese,
		Snippet:  truncate(cleaned, snippetLen),
		Msg:      msg,
	}
}

// stripReasoning removes <think> blocks and obvious reasoning preamble
func stripReasoning(text string) string {
	return strings.TrimSpace(reThink.ReplaceAllString(text, ""))
}

// parseDirect attempts a strict JSON parse of the whole remainder
func parseDirect(text string) (*Fragment, error) {
	return unmarshalFragment(text, false)
}

// parseFenced tries each fenced markdown block in order, trailing-comma tolerant
func parseFenced(text string) (*Fragment, error) {
	matches := reFence.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, &ParseError{Strategy: strategyFenced, Msg: "no fenced block"}
	}
	var lastErr error
	for _, m := range matches {
		frag, err := unmarshalFragment(strings.TrimSpace(m[1]), true)
		if err == nil {
			return frag, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// parseBalanced extracts the largest balanced {...} substring
func parseBalanced(text string) (*Fragment, error) {
	candidate := largestBalancedObject(text)
	if candidate == "" {
		return nil, &ParseError{Strategy: strategyBalanced, Msg: "no balanced object"}
	}
	return unmarshalFragment(candidate, true)
}

// parseFieldRegex assembles a partial record from per-field patterns.
// Assembled fields are recorded so the fallback rate is observable downstream.
func parseFieldRegex(text string) (*Fragment, error) {
	frag := &Fragment{ParsedByFallback: true}

	m := reFieldSignal.FindStringSubmatch(text)
	if m == nil {
		return nil, &ParseError{Strategy: strategyRegex, Msg: "no signal field"}
	}
	frag.Signal = Direction(strings.ToUpper(m[1]))
	frag.RegexFields = append(frag.RegexFields, "signal")

	if m := reFieldConfidence.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		frag.Confidence = n
		frag.RegexFields = append(frag.RegexFields, "confidence")
	}
	if m := reFieldReason.FindStringSubmatch(text); m != nil {
		frag.Reason = unescapeJSONString(m[1])
		frag.RegexFields = append(frag.RegexFields, "reason")
	}
	if m := reFieldRiskLevel.FindStringSubmatch(text); m != nil {
		frag.RiskLevel = RiskLevel(m[1])
		frag.RegexFields = append(frag.RegexFields, "risk_level")
	}
	if m := reFieldTP.FindStringSubmatch(text); m != nil {
		frag.TPPrice, _ = strconv.ParseFloat(m[1], 64)
		frag.RegexFields = append(frag.RegexFields, "tp_price")
	}
	if m := reFieldSL.FindStringSubmatch(text); m != nil {
		frag.SLPrice, _ = strconv.ParseFloat(m[1], 64)
		frag.RegexFields = append(frag.RegexFields, "sl_price")
	}
	if m := reFieldLeverage.FindStringSubmatch(text); m != nil {
		frag.Leverage, _ = strconv.Atoi(m[1])
		frag.RegexFields = append(frag.RegexFields, "leverage")
	}

	return frag, nil
}

// parseChinese maps Chinese decision verbs in prose to a direction
func parseChinese(text string) (*Fragment, error) {
	for _, cv := range chineseVerbs {
		idx := strings.Index(text, cv.verb)
		if idx < 0 {
			continue
		}

		frag := &Fragment{
			Signal:           cv.dir,
			Reason:           truncate(text, snippetLen),
			ParsedByFallback: true,
		}

		// Prefer an explicit 置信度 token, else the percent nearest the verb.
		if m := reChineseConf.FindStringSubmatch(text); m != nil {
			frag.Confidence, _ = strconv.Atoi(m[1])
		} else if m := reChinesePercent.FindStringSubmatch(text[idx:]); m != nil {
			frag.Confidence, _ = strconv.Atoi(m[1])
		} else if m := reChinesePercent.FindStringSubmatch(text); m != nil {
			frag.Confidence, _ = strconv.Atoi(m[1])
		}

		return frag, nil
	}
	return nil, &ParseError{Strategy: strategyChinese, Msg: "no decision verb"}
}

// unmarshalFragment parses a JSON object into a Fragment, optionally
// tolerating trailing commas
func unmarshalFragment(text string, tolerant bool) (*Fragment, error) {
	if tolerant {
		text = reTrailingComma.ReplaceAllString(text, "$1")
	}

	var raw rawFragment
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Snippet: truncate(text, snippetLen), Msg: "invalid JSON: " + err.Error()}
	}

	frag := &Fragment{
		RiskAssessment: raw.RiskAssessment,
		RiskLevel:      RiskLevel(raw.RiskLevel),
	}

	dir := raw.Signal
	if dir == "" {
		dir = raw.Action
	}
	frag.Signal = Direction(strings.ToUpper(strings.TrimSpace(dir)))

	frag.Reason = raw.Reason
	if frag.Reason == "" {
		frag.Reason = raw.Reasoning
	}

	conf, err := coerceInt(raw.Confidence)
	if err != nil {
		return nil, &ParseError{Field: "confidence", Snippet: truncate(text, snippetLen), Msg: err.Error()}
	}
	frag.Confidence = conf

	tp := raw.TPPrice
	if tp == nil {
		tp = raw.TakeProfit
	}
	if frag.TPPrice, err = coerceFloat(tp); err != nil {
		return nil, &ParseError{Field: "tp_price", Snippet: truncate(text, snippetLen), Msg: err.Error()}
	}

	sl := raw.SLPrice
	if sl == nil {
		sl = raw.StopLoss
	}
	if frag.SLPrice, err = coerceFloat(sl); err != nil {
		return nil, &ParseError{Field: "sl_price", Snippet: truncate(text, snippetLen), Msg: err.Error()}
	}

	if frag.Leverage, err = coerceInt(raw.Leverage); err != nil {
		return nil, &ParseError{Field: "leverage", Snippet: truncate(text, snippetLen), Msg: err.Error()}
	}

	return frag, nil
}

// largestBalancedObject returns the longest balanced {...} substring
func largestBalancedObject(text string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					if candidate := text[start : i+1]; len(candidate) > len(best) {
						best = candidate
					}
				}
			}
		}
	}
	return best
}

// coerceInt converts flexible JSON values to int, rejecting NaN/Inf
func coerceInt(v any) (int, error) {
	f, err := coerceFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// coerceFloat converts flexible JSON values to float64, rejecting NaN/Inf
func coerceFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%"))
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, &ParseError{Msg: "unsupported numeric type"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParseError{Msg: "numeric value is NaN or Inf"}
	}
	return f, nil
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
