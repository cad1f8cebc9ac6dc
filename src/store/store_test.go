package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"axon/src/bus"
	"axon/src/safety"
)

func newTestStore(t *testing.T) (*Store, *bus.Memory) {
	t.Helper()
	mem := bus.NewMemory()
	return New(mem), mem
}

func createSession(t *testing.T, s *Store, uid, sid string, cfg SessionConfig) {
	t.Helper()
	if err := s.Create(context.Background(), uid, sid, cfg); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{
		Mode:       "auto",
		StrategyID: "ema_crossover",
		Pairs:      []string{"EURUSD", "GBPUSD"},
		Timeframe:  "5m",
		Amount:     10,
		StopLoss:   50,
		TakeProfit: 100,
		MaxLosses:  3,
		MaxTrades:  20,
	})

	snap, err := s.Snapshot(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap == nil {
		t.Fatalf("expected snapshot for created session")
	}
	if snap.Status != "running" {
		t.Fatalf("new session status = %q, want running", snap.Status)
	}
	if len(snap.Pairs) != 2 || snap.Pairs[0] != "EURUSD" {
		t.Fatalf("unexpected pairs: %v", snap.Pairs)
	}
	if snap.Limits.MaxLosses != 3 || snap.Limits.MaxTrades != 20 {
		t.Fatalf("unexpected limits: %+v", snap.Limits)
	}
	if snap.Counters.Trades != 0 || !snap.Counters.Profit.IsZero() {
		t.Fatalf("expected zeroed counters, got %+v", snap.Counters)
	}

	missing, err := s.Snapshot(ctx, "u1", "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing session, got (%v, %v)", missing, err)
	}
}

func TestUpdateMetricsAccumulates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto"})

	if _, err := s.UpdateMetrics(ctx, "u1", "s1", decimal.RequireFromString("8.5"), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.UpdateMetrics(ctx, "u1", "s1", decimal.RequireFromString("-10"), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := s.Snapshot(ctx, "u1", "s1")
	if !snap.Counters.Profit.Equal(decimal.RequireFromString("-1.5")) {
		t.Fatalf("profit = %s, want -1.5", snap.Counters.Profit)
	}
	if snap.Counters.Trades != 2 || snap.Counters.Wins != 1 || snap.Counters.ConsecutiveLosses != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
}

func TestUpdateMetricsHaltsOnStopLossFirst(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	sub := mem.Subscribe(ctx, bus.MetricsChannel("u1"))
	defer sub.Close()

	// max_trades=1 is also breached by the same update; stop_loss must be
	// the reported reason.
	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto", StopLoss: 50, MaxTrades: 1})

	reason, err := s.UpdateMetrics(ctx, "u1", "s1", decimal.RequireFromString("-60"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != safety.ReasonStopLoss {
		t.Fatalf("halt reason = %q, want %s", reason, safety.ReasonStopLoss)
	}

	status, _ := s.Status(ctx, "u1", "s1")
	if status != "halted" {
		t.Fatalf("status = %q, want halted", status)
	}

	// Expect a metrics event followed by a halt event.
	var types []string
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case msg := <-sub.Messages():
			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				t.Fatalf("malformed event payload: %v", err)
			}
			types = append(types, event["type"].(string))
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	if types[0] != "metrics" || types[1] != "halt" {
		t.Fatalf("unexpected event order: %v", types)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto"})

	if err := s.Halt(ctx, "u1", "s1", safety.ReasonUserStop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A later failure report must not overwrite the halt.
	if err := s.Fail(ctx, "u1", "s1", safety.ReasonConnectFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := s.Snapshot(ctx, "u1", "s1")
	if snap.Status != "halted" {
		t.Fatalf("status = %q, want halted to stick", snap.Status)
	}
}

func TestActiveTradeGate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto"})

	n, err := s.IncrActiveTrades(ctx, "u1", "s1")
	if err != nil || n != 1 {
		t.Fatalf("IncrActiveTrades = (%d, %v), want 1", n, err)
	}

	if err := s.DecrActiveTrades(ctx, "u1", "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A stray double decrement clamps at zero instead of going negative.
	if err := s.DecrActiveTrades(ctx, "u1", "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := s.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 0 {
		t.Fatalf("active trades = %d, want 0", snap.ActiveTrades)
	}
}

func TestCooldown(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto"})

	if err := s.SetCooldown(ctx, "u1", "s1", "EURUSD", 30*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hot, _ := s.InCooldown(ctx, "u1", "s1", "EURUSD")
	if !hot {
		t.Fatalf("expected pair to be in cooldown")
	}

	cold, _ := s.InCooldown(ctx, "u1", "s1", "GBPUSD")
	if cold {
		t.Fatalf("expected other pair not to be in cooldown")
	}

	time.Sleep(50 * time.Millisecond)
	hot, _ = s.InCooldown(ctx, "u1", "s1", "EURUSD")
	if hot {
		t.Fatalf("expected cooldown to expire")
	}
}

func TestScanRunning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "u1", "s1", SessionConfig{Mode: "auto"})
	createSession(t, s, "u2", "s2", SessionConfig{Mode: "signal"})
	createSession(t, s, "u3", "s3", SessionConfig{Mode: "auto"})
	_ = s.Halt(ctx, "u3", "s3", safety.ReasonUserStop)

	running, err := s.ScanRunning(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running sessions, got %v", running)
	}
}
