package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumtrade/quorum/internal/signal"
)

func TestBus_LastWriterWins(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []string

	b.OnSignal(func(sig *signal.Signal) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	b.OnSignal(func(sig *signal.Signal) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	})

	b.EmitSignal(&signal.Signal{Signal: signal.DirectionBuy})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "second" {
		t.Errorf("handlers fired = %v, want only second", got)
	}
}

func TestBus_EmptySlotIsNoop(t *testing.T) {
	b := New()
	// Must not panic or error.
	b.EmitSignal(&signal.Signal{})
	b.EmitExecute(context.Background(), &signal.Signal{})
	b.EmitPriceTrigger("BTCUSDT", 50000, "breakout")
}

func TestBus_ExecuteIsAwaited(t *testing.T) {
	b := New()
	done := false
	b.OnExecute(func(ctx context.Context, sig *signal.Signal) {
		time.Sleep(20 * time.Millisecond)
		done = true
	})

	b.EmitExecute(context.Background(), &signal.Signal{Signal: signal.DirectionShort})
	if !done {
		t.Error("EmitExecute returned before handler finished")
	}
}

func TestBus_PanicDoesNotPropagate(t *testing.T) {
	b := New()
	b.OnExecute(func(ctx context.Context, sig *signal.Signal) {
		panic("executor exploded")
	})

	// Must not panic the producer.
	b.EmitExecute(context.Background(), &signal.Signal{})
}

func TestBus_ResetClearsSlots(t *testing.T) {
	b := New()
	b.OnSignal(func(sig *signal.Signal) {})
	b.OnExecute(func(ctx context.Context, sig *signal.Signal) {})
	b.OnPriceTrigger(func(symbol string, price float64, kind string) {})

	if !b.HasSignalHandler() || !b.HasExecuteHandler() || !b.HasPriceTriggerHandler() {
		t.Fatal("slots should be populated after registration")
	}

	b.Reset()

	if b.HasSignalHandler() || b.HasExecuteHandler() || b.HasPriceTriggerHandler() {
		t.Error("slots should be empty after Reset")
	}
}

func TestBus_ConcurrentRegistrationAndEmit(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.OnSignal(func(sig *signal.Signal) {})
			b.OnPriceTrigger(func(symbol string, price float64, kind string) {})
			b.Reset()
		}()
		go func() {
			defer wg.Done()
			b.EmitSignal(&signal.Signal{Signal: signal.DirectionHold})
			b.EmitPriceTrigger("BTCUSDT", 50000, "surge")
			b.HasSignalHandler()
		}()
	}
	wg.Wait()
}

func TestBus_PriceTrigger(t *testing.T) {
	b := New()
	ch := make(chan string, 1)
	b.OnPriceTrigger(func(symbol string, price float64, kind string) {
		ch <- symbol
	})

	b.EmitPriceTrigger("ETHUSDT", 3200, "threshold")
	select {
	case sym := <-ch:
		if sym != "ETHUSDT" {
			t.Errorf("symbol = %q", sym)
		}
	case <-time.After(time.Second):
		t.Fatal("price trigger handler not invoked")
	}
}
