package executors

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"axon/src/broker"
	"axon/src/bus"
	"axon/src/model"
	"axon/src/queue"
	"axon/src/store"
	"axon/src/strategies"
	"axon/src/supervisor"
)

type fakeGateway struct {
	mu           sync.Mutex
	connectErr   error
	connectCalls int

	candles []model.Candle

	orderID    string
	placeErr   error
	placeCalls int

	position *broker.Position
	pollErr  error
}

func (f *fakeGateway) Connect(context.Context, string, supervisor.Credentials, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeGateway) PlaceOrder(context.Context, string, string, string, float64, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return f.orderID, nil
}

func (f *fakeGateway) PollPosition(context.Context, string, string) (*broker.Position, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return f.position, nil
}

func (f *fakeGateway) GetCandles(context.Context, string, string, int, int, int64) ([]model.Candle, error) {
	return f.candles, nil
}

type fakeCreds struct{ err error }

func (f *fakeCreds) Resolve(context.Context, string) (supervisor.Credentials, string, error) {
	if f.err != nil {
		return supervisor.Credentials{}, "", f.err
	}
	return supervisor.Credentials{Email: "user@example.com", Password: "pw"}, "PRACTICE", nil
}

type fakeAudit struct {
	mu       sync.Mutex
	created  []*model.Trade
	closed   []string
	sessions []*model.Session
	finished []string
}

func (f *fakeAudit) Create(_ context.Context, trade *model.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, trade)
	return nil
}

func (f *fakeAudit) Close(_ context.Context, orderID, result string, _ float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, orderID+":"+result)
	return nil
}

func (f *fakeAudit) CreateSession(_ context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeAudit) Finish(_ context.Context, id, status, haltReason string, _ float64, _ int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, id+":"+status+":"+haltReason)
	return nil
}

// sessionLogAdapter lets fakeAudit serve both audit interfaces.
type sessionLogAdapter struct{ *fakeAudit }

func (a sessionLogAdapter) Create(ctx context.Context, session *model.Session) error {
	return a.CreateSession(ctx, session)
}

type alwaysCall struct{}

func (alwaysCall) GenerateSignal(candles []model.Candle) *model.Signal {
	if len(candles) == 0 {
		return nil
	}
	return &model.Signal{Direction: model.TradeDirectionCall, Confidence: 0.9}
}

func init() {
	strategies.Register("always_call", alwaysCall{})
}

func newTestLoop(mem *bus.Memory, gw *fakeGateway) (*Loop, *fakeAudit) {
	audit := &fakeAudit{}
	loop := New(mem, gw, &fakeCreds{}).WithAuditLogs(audit, sessionLogAdapter{audit})
	return loop, audit
}

type fakeProvisioner struct {
	mu      sync.Mutex
	handle  string
	err     error
	spawned []string
}

func (f *fakeProvisioner) Enabled() bool { return true }

func (f *fakeProvisioner) Spawn(_ context.Context, uid, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, uid+":"+sessionID)
	return f.handle, f.err
}

func sessionConfig() store.SessionConfig {
	return store.SessionConfig{
		Mode:       model.SessionModeAuto,
		StrategyID: "always_call",
		Pairs:      []string{"EUR/USD"},
		Timeframe:  "1m",
		Amount:     10,
		StopLoss:   100,
		TakeProfit: 200,
		MaxLosses:  3,
		MaxTrades:  10,
	}
}

func popJob(t *testing.T, mem *bus.Memory, uid, sessionID string) *queue.Job {
	t.Helper()
	_, payload, err := mem.BRPop(context.Background(), 100*time.Millisecond, bus.SessionQueue(uid, sessionID))
	if err != nil {
		return nil
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		t.Fatalf("malformed job: %v", err)
	}
	return &job
}

// promoteAfter promotes delayed jobs as if the clock had advanced.
func promoteAfter(t *testing.T, mem *bus.Memory, d time.Duration) int {
	t.Helper()
	future := time.Now().Add(d)
	n, err := queue.New(mem).WithClock(func() time.Time { return future }).PromoteDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected promote error: %v", err)
	}
	return n
}

func TestStartProvisionsDedicatedWorker(t *testing.T) {
	mem := bus.NewMemory()
	loop, _ := newTestLoop(mem, &fakeGateway{})
	prov := &fakeProvisioner{handle: "worker-9"}
	loop.WithProvisioner(prov)
	ctx := context.Background()

	if err := loop.Start(ctx, "u1", "s1", sessionConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prov.mu.Lock()
	spawned := append([]string(nil), prov.spawned...)
	prov.mu.Unlock()
	if len(spawned) != 1 || spawned[0] != "u1:s1" {
		t.Fatalf("expected one worker spawn for u1:s1, got %v", spawned)
	}

	snap, err := loop.store.Snapshot(ctx, "u1", "s1")
	if err != nil || snap == nil {
		t.Fatalf("expected session snapshot, got (%+v, %v)", snap, err)
	}
	if snap.WorkerHandle != "worker-9" {
		t.Fatalf("worker handle = %q, want worker-9", snap.WorkerHandle)
	}
}

func TestStartSurvivesProvisionerFailure(t *testing.T) {
	mem := bus.NewMemory()
	loop, _ := newTestLoop(mem, &fakeGateway{})
	loop.WithProvisioner(&fakeProvisioner{err: errors.New("capacity exhausted")})
	ctx := context.Background()

	if err := loop.Start(ctx, "u1", "s1", sessionConfig()); err != nil {
		t.Fatalf("expected session to start on the shared pool, got %v", err)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap == nil || snap.Status != model.SessionStatusRunning {
		t.Fatalf("expected running session, got %+v", snap)
	}
	if snap.WorkerHandle != "" {
		t.Fatalf("worker handle = %q, want empty after failed spawn", snap.WorkerHandle)
	}
}

func TestAnalyzeEnqueuesTradeOnSignal(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{candles: []model.Candle{{Close: 1.1}, {Close: 1.2}}}
	loop, _ := newTestLoop(mem, gw)
	ctx := context.Background()

	if err := loop.store.Create(ctx, "u1", "s1", sessionConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := loop.HandleAnalyze(ctx, queue.Job{Task: queue.TaskAnalyze, UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := popJob(t, mem, "u1", "s1")
	if job == nil || job.Task != queue.TaskPlaceTrade {
		t.Fatalf("expected a place_trade job, got %+v", job)
	}

	var order TradeOrder
	if err := json.Unmarshal(job.Payload, &order); err != nil {
		t.Fatalf("malformed order payload: %v", err)
	}
	if order.Pair != "EURUSD" || order.Direction != model.TradeDirectionCall || order.Amount != 10 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.ExpirySeconds != 60 {
		t.Fatalf("expiry = %d, want 60 (one timeframe)", order.ExpirySeconds)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 1 {
		t.Fatalf("active trades = %d, want 1 (slot claimed)", snap.ActiveTrades)
	}

	cooling, _ := loop.store.InCooldown(ctx, "u1", "s1", "EURUSD")
	if !cooling {
		t.Fatalf("expected pair cooldown to be set")
	}

	if n := promoteAfter(t, mem, time.Minute); n == 0 {
		t.Fatalf("expected the tick to reschedule itself")
	}
}

func TestAnalyzeSkipsWhileTradeInFlight(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{candles: []model.Candle{{Close: 1.1}}}
	loop, _ := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())
	_, _ = loop.store.IncrActiveTrades(ctx, "u1", "s1")

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gw.connectCalls != 0 {
		t.Fatalf("analysis must not touch the brokerage while a trade is in flight")
	}

	if n := promoteAfter(t, mem, time.Minute); n == 0 {
		t.Fatalf("expected a quick reschedule")
	}
	job := popJob(t, mem, "u1", "s1")
	if job == nil || job.Task != queue.TaskAnalyze {
		t.Fatalf("expected rescheduled analyze job, got %+v", job)
	}
}

func TestAnalyzeHaltsWhenLimitBreached(t *testing.T) {
	mem := bus.NewMemory()
	loop, audit := newTestLoop(mem, &fakeGateway{})
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())
	_ = mem.HSet(ctx, bus.SessionKey("u1", "s1"), map[string]interface{}{"consecutive_losses": 3})

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := loop.store.Status(ctx, "u1", "s1")
	if status != model.SessionStatusHalted {
		t.Fatalf("status = %q, want halted", status)
	}

	if n := promoteAfter(t, mem, time.Hour); n != 0 {
		t.Fatalf("halted session must not reschedule, promoted %d jobs", n)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.finished) != 1 || !strings.Contains(audit.finished[0], "max_consecutive_losses") {
		t.Fatalf("expected audit row finished with halt reason, got %v", audit.finished)
	}
}

func TestAnalyzeTerminalConnectFailureFailsSession(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{connectErr: broker.NewError(broker.CodeLoginFailed, "bad password")}
	loop, _ := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := loop.store.Status(ctx, "u1", "s1")
	if status != model.SessionStatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	if n := promoteAfter(t, mem, time.Hour); n != 0 {
		t.Fatalf("failed session must not reschedule")
	}
}

func TestAnalyzeTransientConnectFailureBacksOff(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{connectErr: broker.NewError(broker.CodeDisconnected, "socket closed")}
	loop, _ := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := loop.store.Status(ctx, "u1", "s1")
	if status != model.SessionStatusRunning {
		t.Fatalf("status = %q, want running (transient failure)", status)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.Retries != 1 {
		t.Fatalf("retries = %d, want 1", snap.Retries)
	}

	if n := promoteAfter(t, mem, time.Minute); n == 0 {
		t.Fatalf("expected a backoff reschedule")
	}
}

func TestAnalyzeBadTimeframeFailsSession(t *testing.T) {
	mem := bus.NewMemory()
	loop, _ := newTestLoop(mem, &fakeGateway{})
	ctx := context.Background()

	cfg := sessionConfig()
	cfg.Timeframe = "banana"
	_ = loop.store.Create(ctx, "u1", "s1", cfg)

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := loop.store.Status(ctx, "u1", "s1")
	if status != model.SessionStatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestSignalModeNotifiesWithoutTrading(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{candles: []model.Candle{{Close: 1.1}}}
	loop, _ := newTestLoop(mem, gw)
	ctx := context.Background()

	cfg := sessionConfig()
	cfg.Mode = model.SessionModeSignal
	_ = loop.store.Create(ctx, "u1", "s1", cfg)

	sub := mem.Subscribe(ctx, bus.LogsChannel("u1"))
	defer sub.Close()

	if err := loop.HandleAnalyze(ctx, queue.Job{UID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 0 {
		t.Fatalf("signal mode must not claim the trade slot")
	}

	select {
	case msg := <-sub.Messages():
		if !strings.Contains(msg.Payload, "signal") {
			t.Fatalf("unexpected log event: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a signal notification")
	}
}

func placeTradeJob(t *testing.T, order TradeOrder) queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.TaskPlaceTrade, "u1", "s1", order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return job
}

func TestPlaceTradeWinSettlesAndReleasesSlot(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{
		orderID:  "ord-1",
		position: &broker.Position{OrderID: "ord-1", Status: "closed", Result: model.TradeResultWin, PnL: 8.5},
	}
	loop, audit := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())
	_, _ = loop.store.IncrActiveTrades(ctx, "u1", "s1")

	job := placeTradeJob(t, TradeOrder{Pair: "EURUSD", Direction: "call", Amount: 10, ExpirySeconds: 60})
	if err := loop.HandlePlaceTrade(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 0 {
		t.Fatalf("active trades = %d, want 0 after settlement", snap.ActiveTrades)
	}
	if snap.Counters.Trades != 1 || snap.Counters.Wins != 1 {
		t.Fatalf("counters not updated: %+v", snap.Counters)
	}
	if snap.Counters.Profit.InexactFloat64() != 8.5 {
		t.Fatalf("profit = %s, want 8.5", snap.Counters.Profit)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.created) != 1 || audit.created[0].OrderID != "ord-1" {
		t.Fatalf("expected trade row for ord-1, got %+v", audit.created)
	}
	if len(audit.closed) != 1 || audit.closed[0] != "ord-1:win" {
		t.Fatalf("expected ord-1 closed as win, got %v", audit.closed)
	}
}

func TestPlaceTradeRejectionRestoresSlot(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{placeErr: broker.NewError(broker.CodeOrderRejected, "amount below minimum")}
	loop, audit := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())
	_, _ = loop.store.IncrActiveTrades(ctx, "u1", "s1")

	job := placeTradeJob(t, TradeOrder{Pair: "EURUSD", Direction: "call", Amount: 1, ExpirySeconds: 60})
	if err := loop.HandlePlaceTrade(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 0 {
		t.Fatalf("rejected order must release the slot, got %d", snap.ActiveTrades)
	}
	if snap.Rejects != 1 {
		t.Fatalf("rejects = %d, want 1", snap.Rejects)
	}
	if snap.Counters.Trades != 0 {
		t.Fatalf("rejected order must not count as a trade")
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.created) != 0 {
		t.Fatalf("no trade row expected for a rejected order")
	}
}

func TestPlaceTradeLossBreachingStopLossHalts(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{
		orderID:  "ord-2",
		position: &broker.Position{OrderID: "ord-2", Status: "closed", Result: model.TradeResultLose, PnL: -150},
	}
	loop, audit := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig()) // stop loss 100
	_, _ = loop.store.IncrActiveTrades(ctx, "u1", "s1")

	job := placeTradeJob(t, TradeOrder{Pair: "EURUSD", Direction: "put", Amount: 10, ExpirySeconds: 60})
	if err := loop.HandlePlaceTrade(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := loop.store.Status(ctx, "u1", "s1")
	if status != model.SessionStatusHalted {
		t.Fatalf("status = %q, want halted after stop loss breach", status)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.finished) != 1 || !strings.Contains(audit.finished[0], "stop_loss") {
		t.Fatalf("expected session finished with stop_loss, got %v", audit.finished)
	}
}

func TestPlaceTradeUnknownSettlementKeepsPending(t *testing.T) {
	mem := bus.NewMemory()
	gw := &fakeGateway{
		orderID: "ord-3",
		pollErr: broker.NewError(broker.CodeTimeout, "check_win timed out"),
	}
	loop, audit := newTestLoop(mem, gw)
	ctx := context.Background()

	_ = loop.store.Create(ctx, "u1", "s1", sessionConfig())
	_, _ = loop.store.IncrActiveTrades(ctx, "u1", "s1")

	job := placeTradeJob(t, TradeOrder{Pair: "EURUSD", Direction: "call", Amount: 10, ExpirySeconds: 60})
	if err := loop.HandlePlaceTrade(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := loop.store.Snapshot(ctx, "u1", "s1")
	if snap.ActiveTrades != 0 {
		t.Fatalf("slot must be released even when settlement is unknown")
	}
	if snap.Counters.Trades != 0 {
		t.Fatalf("unknown settlement must not touch the counters")
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.created) != 1 || len(audit.closed) != 0 {
		t.Fatalf("trade row must stay pending: created=%d closed=%d", len(audit.created), len(audit.closed))
	}
}
