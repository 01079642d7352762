package market

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// minCandles is the smallest window the indicator set needs. MACD with the
// default 12/26/9 periods is the binding constraint.
const minCandles = 40

// ComputeIndicators derives the full indicator set from a candle window
func ComputeIndicators(candles []Candle) (IndicatorSet, error) {
	if len(candles) < minCandles {
		return IndicatorSet{}, fmt.Errorf("insufficient candles: need at least %d, got %d", minCandles, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	price := closes[len(closes)-1]

	var set IndicatorSet

	set.RSI14 = last(momentum.NewRsiWithPeriod[float64](14).Compute(toChan(closes)))

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(toChan(closes))
	macdValues := collect(macdChan)
	signalValues := collect(signalChan)
	if len(macdValues) > 0 && len(signalValues) > 0 {
		set.MACD = macdValues[len(macdValues)-1]
		set.MACDSignal = signalValues[len(signalValues)-1]
		set.MACDHist = set.MACD - set.MACDSignal
	}

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](20).Compute(toChan(closes))
	lowers := collect(lowerChan)
	middles := collect(middleChan)
	uppers := collect(upperChan)
	if len(middles) > 0 {
		set.BBLower = lowers[len(lowers)-1]
		set.BBMiddle = middles[len(middles)-1]
		set.BBUpper = uppers[len(uppers)-1]
		if set.BBMiddle != 0 {
			set.BBWidthPct = (set.BBUpper - set.BBLower) / set.BBMiddle * 100
		}
	}

	set.ATR14 = last(volatility.NewAtr[float64]().Compute(toChan(highs), toChan(lows), toChan(closes)))
	if price != 0 {
		set.ATRPct = set.ATR14 / price * 100
	}

	set.ADX14 = computeADX(highs, lows, closes, 14)
	set.KDJK, set.KDJD, set.KDJJ = computeKDJ(highs, lows, closes, 9)

	set.SMA20 = last(trend.NewSmaWithPeriod[float64](20).Compute(toChan(closes)))
	set.SMA50 = last(trend.NewSmaWithPeriod[float64](50).Compute(toChan(closes)))
	set.EMA20 = last(trend.NewEmaWithPeriod[float64](20).Compute(toChan(closes)))
	set.EMA50 = last(trend.NewEmaWithPeriod[float64](50).Compute(toChan(closes)))

	return set, nil
}

func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var values []float64
	for v := range ch {
		values = append(values, v)
	}
	return values
}

func last(ch <-chan float64) float64 {
	var v float64
	for x := range ch {
		v = x
	}
	return v
}

// computeKDJ derives the K, D and J lines from the raw stochastic. J can
// overshoot the [0,100] band; that overshoot is the point of the line.
func computeKDJ(highs, lows, closes []float64, kPeriod int) (k, d, j float64) {
	n := len(closes)
	if n < kPeriod {
		return 50, 50, 50
	}

	rawK := make([]float64, 0, n-kPeriod+1)
	for i := kPeriod - 1; i < n; i++ {
		highest := highs[i]
		lowest := lows[i]
		for w := i - kPeriod + 1; w <= i; w++ {
			if highs[w] > highest {
				highest = highs[w]
			}
			if lows[w] < lowest {
				lowest = lows[w]
			}
		}
		if highest == lowest {
			rawK = append(rawK, 50)
			continue
		}
		rawK = append(rawK, (closes[i]-lowest)/(highest-lowest)*100)
	}

	// Smooth with the conventional 1/3 weighting.
	k, d = 50, 50
	for _, rk := range rawK {
		k = k*2/3 + rk/3
		d = d*2/3 + k/3
	}
	j = 3*k - 2*d
	return k, d, j
}

// computeADX implements Wilder's ADX; cinar/indicator v2 does not ship one
func computeADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period*2 {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1])))

		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx := smoothWilder(dx, period)
	return adx[n-1]
}

// smoothWilder applies Wilder's smoothing
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
