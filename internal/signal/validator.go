package signal

import "strings"

// directionAliases maps the spellings models actually emit onto the closed set
var directionAliases = map[string]Direction{
	"BUY":         DirectionBuy,
	"LONG":        DirectionBuy,
	"OPEN_LONG":   DirectionBuy,
	"开多":          DirectionBuy,
	"SELL":        DirectionSell,
	"CLOSE_LONG":  DirectionSell,
	"平多":          DirectionSell,
	"SHORT":       DirectionShort,
	"OPEN_SHORT":  DirectionShort,
	"开空":          DirectionShort,
	"COVER":       DirectionCover,
	"CLOSE_SHORT": DirectionCover,
	"平空":          DirectionCover,
	"HOLD":        DirectionHold,
	"WAIT":        DirectionHold,
	"观望":          DirectionHold,
	"持有":          DirectionHold,
}

var riskAliases = map[string]RiskLevel{
	"低":      RiskLow,
	"中":      RiskMedium,
	"高":      RiskHigh,
	"LOW":    RiskLow,
	"MEDIUM": RiskMedium,
	"HIGH":   RiskHigh,
}

// NormalizeDirection maps a raw direction token onto the closed set.
// Returns false when the token has no known meaning.
func NormalizeDirection(raw string) (Direction, bool) {
	d, ok := directionAliases[strings.ToUpper(strings.TrimSpace(raw))]
	return d, ok
}

// ClampConfidence coerces confidence into [0,100]
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// validateFragment normalizes an extracted fragment in place, rejecting
// records whose direction cannot be mapped onto the closed set.
func validateFragment(frag *Fragment, strategy int, input string) error {
	dir, ok := NormalizeDirection(string(frag.Signal))
	if !ok {
		return &ParseError{
			Strategy: strategy,
			Field:    "signal",
			Snippet:  truncate(input, snippetLen),
			Msg:      "direction not in closed set: " + string(frag.Signal),
		}
	}
	frag.Signal = dir

	frag.Confidence = ClampConfidence(frag.Confidence)

	if level, ok := riskAliases[strings.ToUpper(strings.TrimSpace(string(frag.RiskLevel)))]; ok {
		frag.RiskLevel = level
	} else {
		frag.RiskLevel = RiskMedium
	}

	if frag.Leverage < 0 {
		return &ParseError{
			Strategy: strategy,
			Field:    "leverage",
			Snippet:  truncate(input, snippetLen),
			Msg:      "negative leverage",
		}
	}
	if frag.TPPrice < 0 || frag.SLPrice < 0 {
		return &ParseError{
			Strategy: strategy,
			Field:    "tp_price",
			Snippet:  truncate(input, snippetLen),
			Msg:      "negative price level",
		}
	}

	return nil
}
