// Package debate runs the multi-role LLM debate that produces trading
// signals. One debate fans out to the configured analyst roles in parallel,
// consolidates their opinions through a referee model, and emits the fused
// verdict through the callback bus.
package debate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quorumtrade/quorum/internal/bus"
	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/llm"
	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/metrics"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/symbols"
)

// Trigger values for RunDebate
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerPrice     = "price_threshold"
)

const fallbackErrorText = "referee_failed_majority_fallback"

// Admission rejections. Callers distinguish them with errors.Is.
var (
	ErrCooldownActive      = errors.New("signal cooldown active")
	ErrQuotaExhausted      = errors.New("daily LLM quota exhausted")
	ErrQuotaCritical       = errors.New("quota critical, cold symbol dropped")
	ErrSnapshotUnavailable = errors.New("market snapshot unavailable")
	ErrAllRolesFailed      = errors.New("all role calls failed")
)

// Completer is the slice of llm.Client the orchestrator needs
type Completer interface {
	CompleteText(ctx context.Context, messages []llm.ChatMessage) (string, error)
	Model() string
}

// ClientFactory returns the analyst client for a role's model
type ClientFactory func(model string) Completer

// NewClientFactory builds role clients from the LLM config. All role clients
// share cb, so a degraded provider trips once for the whole debate.
func NewClientFactory(cfg config.LLMConfig, recorder llm.UsageRecorder, cb *gobreaker.CircuitBreaker) ClientFactory {
	return func(model string) Completer {
		return llm.NewChatClient(cfg, model, recorder).WithBreaker(cb)
	}
}

// QuotaSource reports the current daily quota tier (quota.Accountant)
type QuotaSource interface {
	Tier() quota.Tier
}

// SnapshotSource serves per-symbol market snapshots (market.Provider)
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) (*market.Snapshot, error)
}

// SignalWriter persists finished signals (store.SignalStore)
type SignalWriter interface {
	Insert(ctx context.Context, sig *signal.Signal) error
}

// Orchestrator runs debates. Debates for the same symbol are serialized; the
// snapshot provider deduplicates concurrent fetches across symbols.
type Orchestrator struct {
	configFn  func() *config.Config
	snapshots SnapshotSource
	chatFor   ClientFactory
	referee   Completer
	quota     QuotaSource
	cooldowns *cooldown.Tracker
	signals   SignalWriter
	bus       *bus.Bus
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// New creates a debate orchestrator
func New(configFn func() *config.Config, snapshots SnapshotSource, chatFor ClientFactory, referee Completer,
	quotas QuotaSource, cooldowns *cooldown.Tracker, signals SignalWriter, b *bus.Bus) *Orchestrator {
	return &Orchestrator{
		configFn:  configFn,
		snapshots: snapshots,
		chatFor:   chatFor,
		referee:   referee,
		quota:     quotas,
		cooldowns: cooldowns,
		signals:   signals,
		bus:       b,
		logger:    config.NewLogger("debate"),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// RunDebate executes one full debate for symbol and returns the persisted
// signal. Admission, fan-out, referee consolidation, persistence and the
// bus emits all happen inside this call.
func (o *Orchestrator) RunDebate(ctx context.Context, symbol, trigger string) (*signal.Signal, error) {
	symbol = symbols.ToRaw(symbol)
	lock := o.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	cfg := o.configFn()
	if err := o.admit(cfg, symbol, trigger); err != nil {
		return nil, err
	}

	total := time.Duration(cfg.Debate.TotalTimeoutSec) * time.Second
	if total <= 0 {
		total = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	started := o.now()
	var timings signal.StageTimings

	snap, err := o.snapshots.Snapshot(ctx, symbol)
	if err != nil {
		o.finish(trigger, "snapshot_error")
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	timings.Fetch = o.since(started)
	metrics.DebateStageSeconds.WithLabelValues("fetch").Observe(timings.Fetch)

	rolesStart := o.now()
	opinions, voted, failed := o.runRoles(ctx, cfg, snap)
	timings.Roles = o.since(rolesStart)
	metrics.DebateStageSeconds.WithLabelValues("roles").Observe(timings.Roles)

	if len(voted) == 0 {
		o.finish(trigger, "all_roles_failed")
		return nil, ErrAllRolesFailed
	}

	refStart := o.now()
	frag, rawOutput, refMsgs, errText := o.consult(ctx, cfg, symbol, snap, opinions, voted)
	timings.Referee = o.since(refStart)
	metrics.DebateStageSeconds.WithLabelValues("referee").Observe(timings.Referee)
	timings.Total = o.since(started)
	metrics.DebateStageSeconds.WithLabelValues("total").Observe(timings.Total)

	// Partial role failures degrade the verdict; error_text records them so
	// readers can tell a full-panel signal from a thinned one.
	refereeFellBack := errText != ""
	if len(failed) > 0 {
		note := fmt.Sprintf("%d/%d roles failed: %s", len(failed), len(opinions), strings.Join(failed, ", "))
		if errText != "" {
			errText += "; " + note
		} else {
			errText = note
		}
	}

	sig := &signal.Signal{
		Symbol:             symbol,
		CreatedAt:          o.now(),
		Signal:             frag.Signal,
		Confidence:         signal.ClampConfidence(frag.Confidence),
		RiskLevel:          frag.RiskLevel,
		Reason:             frag.Reason,
		RiskAssessment:     frag.RiskAssessment,
		FinalRawOutput:     rawOutput,
		RoleOpinions:       opinions,
		FinalInputMessages: toSignalMessages(refMsgs),
		StageTimestamps:    timings,
		PriceAtSignal:      snap.Price,
		Regime:             string(snap.Regime),
		TPPrice:            frag.TPPrice,
		SLPrice:            frag.SLPrice,
		Leverage:           frag.Leverage,
		ErrorText:          errText,
		ParsedByFallback:   frag.ParsedByFallback || refereeFellBack,
	}
	if err := sig.Validate(); err != nil {
		o.finish(trigger, "invalid_signal")
		return nil, fmt.Errorf("assembled signal rejected: %w", err)
	}

	if err := o.signals.Insert(ctx, sig); err != nil {
		o.finish(trigger, "store_error")
		return nil, fmt.Errorf("persist signal: %w", err)
	}

	o.logger.Info().
		Str("symbol", symbol).
		Str("trigger", trigger).
		Str("signal", string(sig.Signal)).
		Int("confidence", sig.Confidence).
		Str("regime", sig.Regime).
		Float64("total_sec", timings.Total).
		Msg("Debate completed")

	o.bus.EmitSignal(sig)
	if sig.Signal.Actionable() {
		o.bus.EmitExecute(ctx, sig)
	}

	if o.cooldowns != nil {
		o.cooldowns.Arm(ctx, cooldown.Key(symbol, string(sig.Signal)), cfg.Debate.SignalCooldown())
	}

	o.finish(trigger, "completed")
	return sig, nil
}

// admit applies the cooldown and quota gates. Manual triggers bypass the
// cooldown and the quota tiers.
func (o *Orchestrator) admit(cfg *config.Config, symbol, trigger string) error {
	manual := trigger == TriggerManual

	if !manual && o.cooldowns != nil && o.cooldowns.ActiveForSymbol(symbol) {
		o.logger.Debug().Str("symbol", symbol).Msg("Debate suppressed by signal cooldown")
		o.finish(trigger, "cooldown")
		return ErrCooldownActive
	}

	if o.quota != nil && !manual {
		switch o.quota.Tier() {
		case quota.TierExhausted:
			o.finish(trigger, "quota_exhausted")
			return ErrQuotaExhausted
		case quota.TierCritical:
			if !cfg.Trading.IsHot(symbol) {
				o.logger.Warn().Str("symbol", symbol).Msg("Quota critical, dropping cold symbol debate")
				o.finish(trigger, "quota_critical")
				return ErrQuotaCritical
			}
		}
	}
	return nil
}

// runRoles fans out to all configured analysts in parallel. A failed or
// unparseable role becomes a synthetic HOLD opinion so the debate can
// proceed; voted holds only the opinions that genuinely parsed, failed the
// names of the roles that did not.
func (o *Orchestrator) runRoles(ctx context.Context, cfg *config.Config, snap *market.Snapshot) (opinions, voted []signal.RoleOpinion, failed []string) {
	roles := cfg.Debate.Roles
	lang := cfg.Debate.Language

	results := make([]signal.RoleOpinion, len(roles))
	ok := make([]bool, len(roles))

	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role config.RoleConfig) {
			defer wg.Done()
			results[i], ok[i] = o.runRole(ctx, cfg, lang, role, snap)
		}(i, role)
	}
	wg.Wait()

	for i := range results {
		if ok[i] {
			voted = append(voted, results[i])
		} else {
			failed = append(failed, results[i].Name)
		}
	}
	sort.Strings(failed)
	opinions = results
	sort.Slice(opinions, func(i, j int) bool { return opinions[i].Name < opinions[j].Name })
	return opinions, voted, failed
}

func (o *Orchestrator) runRole(ctx context.Context, cfg *config.Config, lang string, role config.RoleConfig, snap *market.Snapshot) (signal.RoleOpinion, bool) {
	messages := rolePrompt(lang, role, snap)
	op := signal.RoleOpinion{
		Name:          role.Name,
		Title:         role.Title,
		Emoji:         role.Emoji,
		InputMessages: toSignalMessages(messages),
	}

	rctx := ctx
	if d := cfg.LLM.RoleTimeout(); d > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	client := o.chatFor(role.Model)
	op.ModelLabel = client.Model()

	start := o.now()
	text, err := client.CompleteText(rctx, messages)
	op.LatencyMS = o.now().Sub(start).Milliseconds()

	if err != nil {
		o.logger.Warn().Err(err).Str("role", role.Name).Msg("Role call failed, substituting HOLD")
		metrics.RoleFailuresTotal.Inc()
		op.Signal = signal.DirectionHold
		op.Analysis = "call failed: " + err.Error()
		return op, false
	}

	frag, err := signal.Parse(text)
	if err != nil {
		o.logger.Warn().Err(err).Str("role", role.Name).Msg("Role output unparseable, substituting HOLD")
		metrics.RoleFailuresTotal.Inc()
		op.Signal = signal.DirectionHold
		op.Analysis = text
		return op, false
	}

	op.Signal = frag.Signal
	op.Confidence = signal.ClampConfidence(frag.Confidence)
	op.Analysis = frag.Reason
	if op.Analysis == "" {
		op.Analysis = text
	}
	return op, true
}

// consult asks the referee for the final verdict; when the referee call or
// its parse fails, the majority of role votes decides instead.
func (o *Orchestrator) consult(ctx context.Context, cfg *config.Config, symbol string, snap *market.Snapshot,
	opinions, voted []signal.RoleOpinion) (frag *signal.Fragment, rawOutput string, msgs []llm.ChatMessage, errText string) {

	msgs = refereePrompt(cfg.Debate.Language, symbol, snap, opinions)

	text, err := o.referee.CompleteText(ctx, msgs)
	if err == nil {
		rawOutput = text
		if frag, err = signal.Parse(text); err == nil {
			return frag, rawOutput, msgs, ""
		}
	}

	o.logger.Warn().Err(err).Str("symbol", symbol).Msg("Referee failed, falling back to majority vote")
	return majorityFallback(voted), rawOutput, msgs, fallbackErrorText
}

// majorityFallback fuses role votes when the referee is unavailable. The
// direction with the most votes wins, ties resolve to HOLD, and the
// confidence is the median of the winning side's confidences.
func majorityFallback(voted []signal.RoleOpinion) *signal.Fragment {
	votes := make(map[signal.Direction][]int)
	for _, op := range voted {
		votes[op.Signal] = append(votes[op.Signal], op.Confidence)
	}

	var winner signal.Direction
	best, tied := 0, false
	for dir, confs := range votes {
		switch {
		case len(confs) > best:
			winner, best, tied = dir, len(confs), false
		case len(confs) == best:
			tied = true
		}
	}
	if tied || winner == "" {
		return &signal.Fragment{
			Signal:    signal.DirectionHold,
			RiskLevel: signal.RiskMedium,
			Reason:    "majority vote tied, holding",
		}
	}

	return &signal.Fragment{
		Signal:     winner,
		Confidence: median(votes[winner]),
		RiskLevel:  signal.RiskMedium,
		Reason:     fmt.Sprintf("majority vote %s (%d/%d analysts)", winner, best, len(voted)),
	}
}

func median(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func (o *Orchestrator) symbolLock(symbol string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == nil {
		o.inflight = make(map[string]*sync.Mutex)
	}
	lock, ok := o.inflight[symbol]
	if !ok {
		lock = &sync.Mutex{}
		o.inflight[symbol] = lock
	}
	return lock
}

func (o *Orchestrator) finish(trigger, outcome string) {
	metrics.DebatesTotal.WithLabelValues(strings.ToLower(trigger), outcome).Inc()
}

func (o *Orchestrator) since(t time.Time) float64 {
	return o.now().Sub(t).Seconds()
}

func toSignalMessages(msgs []llm.ChatMessage) []signal.ChatMessage {
	out := make([]signal.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = signal.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
