package debate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/llm"
	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/symbols"
)

// responseSchema is the JSON shape every model is asked to emit
const responseSchema = `{"signal":"BUY|SELL|SHORT|COVER|HOLD","confidence":0-100,"reason":"...","risk_level":"低|中|高","tp_price":0,"sl_price":0,"leverage":0}`

// rolePrompt builds the prompt for one analyst: shared market context plus
// the role's own directives
func rolePrompt(lang string, role config.RoleConfig, snap *market.Snapshot) []llm.ChatMessage {
	var system, task string
	if lang == "en-US" {
		system = fmt.Sprintf("You are %s (%s), one analyst in a trading debate for %s perpetual futures. %s",
			role.Title, role.Name, symbols.ToDisplay(snap.Symbol), role.Directives)
		task = "Analyze the market data below from your own perspective and give a verdict. Reply with a single JSON object: " + responseSchema
	} else {
		system = fmt.Sprintf("你是%s（%s），%s永续合约交易辩论中的一名分析师。%s",
			role.Title, role.Name, symbols.ToDisplay(snap.Symbol), role.Directives)
		task = "请从你的角色视角分析以下行情数据并给出结论。只回复一个JSON对象：" + responseSchema
	}

	return []llm.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: task + "\n\n" + formatSnapshot(lang, snap)},
	}
}

// refereePrompt builds the consolidation prompt from all role opinions
func refereePrompt(lang, symbol string, snap *market.Snapshot, opinions []signal.RoleOpinion) []llm.ChatMessage {
	sorted := make([]signal.RoleOpinion, len(opinions))
	copy(sorted, opinions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, op := range sorted {
		fmt.Fprintf(&b, "### %s %s (%s)\nsignal=%s confidence=%d\n%s\n\n",
			op.Emoji, op.Title, op.Name, op.Signal, op.Confidence, op.Analysis)
	}

	var system, task string
	if lang == "en-US" {
		system = fmt.Sprintf("You are the referee of a trading debate for %s perpetual futures. Five analysts have given their verdicts; weigh them against the market data and issue the final decision.", symbols.ToDisplay(symbol))
		task = "Reply with a single JSON object: " + responseSchema
	} else {
		system = fmt.Sprintf("你是%s永续合约交易辩论的裁判。分析师们已给出各自结论，请结合行情数据权衡后作出最终裁决。", symbols.ToDisplay(symbol))
		task = "只回复一个JSON对象：" + responseSchema
	}

	return []llm.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: task + "\n\n" + formatSnapshot(lang, snap) + "\n\n" + b.String()},
	}
}

// formatSnapshot renders the market snapshot as prompt text
func formatSnapshot(lang string, snap *market.Snapshot) string {
	ind := snap.Indicators
	var b strings.Builder

	if lang == "en-US" {
		fmt.Fprintf(&b, "## Market data %s\n", symbols.ToDisplay(snap.Symbol))
		fmt.Fprintf(&b, "Price: %.4f  Regime: %s  Funding: %.6f  OI: %.0f\n", snap.Price, snap.Regime, snap.FundingRate, snap.OpenInterest)
	} else {
		fmt.Fprintf(&b, "## 行情数据 %s\n", symbols.ToDisplay(snap.Symbol))
		fmt.Fprintf(&b, "价格: %.4f  市场状态: %s  资金费率: %.6f  持仓量: %.0f\n", snap.Price, snap.Regime, snap.FundingRate, snap.OpenInterest)
	}

	fmt.Fprintf(&b, "RSI14: %.2f  MACD: %.4f/%.4f/%.4f\n", ind.RSI14, ind.MACD, ind.MACDSignal, ind.MACDHist)
	fmt.Fprintf(&b, "BOLL: %.4f/%.4f/%.4f (width %.2f%%)\n", ind.BBUpper, ind.BBMiddle, ind.BBLower, ind.BBWidthPct)
	fmt.Fprintf(&b, "KDJ: %.2f/%.2f/%.2f  ATR14: %.4f (%.2f%%)  ADX14: %.2f\n", ind.KDJK, ind.KDJD, ind.KDJJ, ind.ATR14, ind.ATRPct, ind.ADX14)
	fmt.Fprintf(&b, "SMA20/50: %.4f/%.4f  EMA20/50: %.4f/%.4f\n", ind.SMA20, ind.SMA50, ind.EMA20, ind.EMA50)

	if n := len(snap.Candles); n > 0 {
		tail := snap.Candles
		if n > 12 {
			tail = snap.Candles[n-12:]
		}
		b.WriteString("OHLCV (5m):\n")
		for _, c := range tail {
			fmt.Fprintf(&b, "%s O:%.4f H:%.4f L:%.4f C:%.4f V:%.2f\n",
				c.OpenTime.Format("15:04"), c.Open, c.High, c.Low, c.Close, c.Volume)
		}
	}

	if len(snap.LargeTrades) > 0 {
		var buys, sells float64
		for _, tr := range snap.LargeTrades {
			if tr.IsBuyer {
				buys += tr.QuoteQty
			} else {
				sells += tr.QuoteQty
			}
		}
		if lang == "en-US" {
			fmt.Fprintf(&b, "Large trades: %d (buy %.0f / sell %.0f quote)\n", len(snap.LargeTrades), buys, sells)
		} else {
			fmt.Fprintf(&b, "大单: %d 笔 (买 %.0f / 卖 %.0f)\n", len(snap.LargeTrades), buys, sells)
		}
	}

	return b.String()
}
