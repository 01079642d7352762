// Package bus is the only permitted coupling between the debate orchestrator
// and the trade executor. Each slot holds at most one handler; registration is
// last-writer-wins. Handler panics are caught at the bus boundary and logged,
// never propagated to the producer.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/signal"
)

// SignalHandler observes a newly produced signal
type SignalHandler func(sig *signal.Signal)

// ExecuteHandler executes an actionable signal; awaited by the producer
type ExecuteHandler func(ctx context.Context, sig *signal.Signal)

// PriceTriggerHandler reacts to a market price threshold crossing
type PriceTriggerHandler func(symbol string, price float64, thresholdKind string)

// Bus holds the three callback slots
type Bus struct {
	mu             sync.RWMutex
	onSignal       SignalHandler
	onExecute      ExecuteHandler
	onPriceTrigger PriceTriggerHandler
	logger         zerolog.Logger
}

// New creates an empty callback bus
func New() *Bus {
	return &Bus{logger: config.NewLogger("bus")}
}

// OnSignal installs the signal handler, replacing any previous one
func (b *Bus) OnSignal(h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSignal = h
}

// OnExecute installs the execute handler, replacing any previous one
func (b *Bus) OnExecute(h ExecuteHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExecute = h
}

// OnPriceTrigger installs the price trigger handler, replacing any previous one
func (b *Bus) OnPriceTrigger(h PriceTriggerHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPriceTrigger = h
}

// Reset clears all slots (shutdown symmetry)
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSignal = nil
	b.onExecute = nil
	b.onPriceTrigger = nil
}

// HasSignalHandler reports whether the signal slot is populated
func (b *Bus) HasSignalHandler() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onSignal != nil
}

// HasExecuteHandler reports whether the execute slot is populated
func (b *Bus) HasExecuteHandler() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onExecute != nil
}

// HasPriceTriggerHandler reports whether the price trigger slot is populated
func (b *Bus) HasPriceTriggerHandler() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onPriceTrigger != nil
}

// EmitSignal fires the signal slot, fire-and-forget. An empty slot is a
// no-op, not an error.
func (b *Bus) EmitSignal(sig *signal.Signal) {
	b.mu.RLock()
	h := b.onSignal
	b.mu.RUnlock()
	if h == nil {
		return
	}
	go func() {
		defer b.recover("on_signal")
		h(sig)
	}()
}

// EmitExecute fires the execute slot and waits for it to return. The
// orchestrator awaits the executor's venue call through this path.
func (b *Bus) EmitExecute(ctx context.Context, sig *signal.Signal) {
	b.mu.RLock()
	h := b.onExecute
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer b.recover("on_execute")
	h(ctx, sig)
}

// EmitPriceTrigger fires the price trigger slot, fire-and-forget
func (b *Bus) EmitPriceTrigger(symbol string, price float64, thresholdKind string) {
	b.mu.RLock()
	h := b.onPriceTrigger
	b.mu.RUnlock()
	if h == nil {
		return
	}
	go func() {
		defer b.recover("on_price_trigger")
		h(symbol, price, thresholdKind)
	}()
}

func (b *Bus) recover(slot string) {
	if r := recover(); r != nil {
		b.logger.Error().
			Str("slot", slot).
			Interface("panic", r).
			Msg("Callback handler panicked; suppressed at bus boundary")
	}
}
