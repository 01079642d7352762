package market

// Regime is the market state label attached to every snapshot
type Regime string

const (
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
	RegimeSideways  Regime = "sideways"
	RegimeVolatile  Regime = "volatile"
	RegimeSqueeze   Regime = "squeeze"
)

// Classification thresholds. These are fixed, not configurable: every
// consumer must agree on what "trending" means or the labels lose meaning.
const (
	adxTrendThreshold     = 25.0
	bbSqueezeWidthPct     = 4.0
	atrVolatileThreshold  = 3.5
	trendDirectionMinDiff = 0.0
)

// ClassifyRegime labels the market state from a computed indicator set.
// Precedence: volatile beats trend beats squeeze beats sideways, so a
// violently trending market reads volatile and the debate prompt says so.
func ClassifyRegime(set IndicatorSet) Regime {
	if set.ATRPct > atrVolatileThreshold {
		return RegimeVolatile
	}
	if set.ADX14 > adxTrendThreshold {
		if set.EMA20-set.EMA50 > trendDirectionMinDiff {
			return RegimeTrendUp
		}
		return RegimeTrendDown
	}
	if set.BBWidthPct > 0 && set.BBWidthPct < bbSqueezeWidthPct {
		return RegimeSqueeze
	}
	return RegimeSideways
}
