// Package symbols normalizes perpetual futures instrument identifiers.
//
// Three interconvertible forms exist: raw ("BTCUSDT"), display
// ("BTC/USDT:USDT") and base ("BTC"). All persisted fields use the raw form.
package symbols

import "strings"

// Quote is the settlement currency for all supported perpetuals
const Quote = "USDT"

// ToRaw converts any supported form to the raw exchange form.
// "BTC/USDT:USDT" -> "BTCUSDT", "BTC" -> "BTCUSDT", "btcusdt" -> "BTCUSDT".
func ToRaw(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		base := s[:idx]
		return base + Quote
	}
	if !strings.HasSuffix(s, Quote) {
		return s + Quote
	}
	return s
}

// ToDisplay converts any supported form to the slashed display form,
// e.g. "BTCUSDT" -> "BTC/USDT:USDT".
func ToDisplay(s string) string {
	raw := ToRaw(s)
	if raw == "" {
		return ""
	}
	return Base(raw) + "/" + Quote + ":" + Quote
}

// Base extracts the base asset, e.g. "BTCUSDT" -> "BTC".
func Base(s string) string {
	raw := ToRaw(s)
	return strings.TrimSuffix(raw, Quote)
}

// Valid reports whether s resolves to a plausible raw symbol
func Valid(s string) bool {
	raw := ToRaw(s)
	return len(raw) > len(Quote) && strings.HasSuffix(raw, Quote)
}
