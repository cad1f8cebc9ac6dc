package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"axon/src/agent"
	"axon/src/broker"
	"axon/src/bus"
	"axon/src/metrics"
)

func newTestSupervisor(mem *bus.Memory) *Supervisor {
	return &Supervisor{
		conn: mem,
		config: Config{
			PingTimeout:     200 * time.Millisecond,
			CommandTimeout:  500 * time.Millisecond,
			BuyTimeout:      500 * time.Millisecond,
			CandlesTimeout:  500 * time.Millisecond,
			CheckWinTimeout: 500 * time.Millisecond,
			ConnectWait:     2 * time.Second,
			ConnectPoll:     20 * time.Millisecond,
		},
		now: time.Now,
	}
}

// respondWith runs a fake agent: every command published on the user's
// command channel is answered by handler on the correlated response channel.
func respondWith(t *testing.T, mem *bus.Memory, uid string, handler func(bus.Command) bus.Response) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	sub := mem.Subscribe(ctx, bus.AgentCmdChannel(uid))

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				var cmd bus.Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil || cmd.ID == "" {
					continue
				}
				resp := handler(cmd)
				resp.ID = cmd.ID
				payload, _ := json.Marshal(resp)
				_ = mem.Publish(ctx, bus.AgentRespChannel(uid, cmd.ID), string(payload))
			}
		}
	}()

	// Let the subscription settle before callers publish.
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func overrideProcessHooks(t *testing.T, spawn func(uid, email, password, accountType string) error, kill func(pid int) error) {
	t.Helper()

	origSpawn, origKill := spawnAgentProcess, terminateProcess
	if spawn != nil {
		spawnAgentProcess = spawn
	}
	if kill != nil {
		terminateProcess = kill
	}
	t.Cleanup(func() {
		spawnAgentProcess = origSpawn
		terminateProcess = origKill
	})
}

func TestGetBalanceRoundTrip(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)

	cancel := respondWith(t, mem, "u1", func(cmd bus.Command) bus.Response {
		if cmd.Cmd != bus.CmdGetBalance {
			t.Errorf("unexpected command %q", cmd.Cmd)
		}
		return bus.OKResponse(cmd.ID, 1234.56)
	})
	defer cancel()

	balance, err := s.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 1234.56 {
		t.Fatalf("balance = %v, want 1234.56", balance)
	}
}

func TestCallDropsMismatchedCorrelationIDs(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)

	cancel := respondWith(t, mem, "u1", func(cmd bus.Command) bus.Response {
		// A stale response first, then the real one on the same channel.
		stale, _ := json.Marshal(bus.OKResponse("stale-id", 1.0))
		_ = mem.Publish(context.Background(), bus.AgentRespChannel("u1", cmd.ID), string(stale))
		return bus.OKResponse(cmd.ID, 99.0)
	})
	defer cancel()

	balance, err := s.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 99.0 {
		t.Fatalf("balance = %v, want 99 (stale response must be ignored)", balance)
	}
}

func TestCallTimesOutWithoutAgent(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)

	before := testutil.ToFloat64(metrics.CommandTimeouts.WithLabelValues(bus.CmdGetBalance))

	_, err := s.GetBalance(context.Background(), "u1")
	var brokerErr *broker.Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != broker.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}

	after := testutil.ToFloat64(metrics.CommandTimeouts.WithLabelValues(bus.CmdGetBalance))
	if after != before+1 {
		t.Fatalf("command timeout counter = %v, want %v", after, before+1)
	}
}

func TestCallSurfacesAgentError(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)

	cancel := respondWith(t, mem, "u1", func(cmd bus.Command) bus.Response {
		return bus.ErrorResponse(cmd.ID, broker.CodeOrderRejected, "instrument suspended")
	})
	defer cancel()

	_, err := s.PlaceOrder(context.Background(), "u1", "EURUSD", "call", 10, 60)
	var brokerErr *broker.Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if brokerErr.Code != broker.CodeOrderRejected {
		t.Fatalf("code = %q, want %q", brokerErr.Code, broker.CodeOrderRejected)
	}
}

func TestConnectReusesLiveAgent(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)
	ctx := context.Background()

	_ = mem.HSet(ctx, bus.AgentStatusKey("u1"), map[string]interface{}{
		"status": agent.StatusConnected,
		"pid":    4242,
	})

	var spawned bool
	overrideProcessHooks(t, func(string, string, string, string) error {
		spawned = true
		return nil
	}, nil)

	cancel := respondWith(t, mem, "u1", func(cmd bus.Command) bus.Response {
		switch cmd.Cmd {
		case bus.CmdPing:
			return bus.OKResponse(cmd.ID, "pong")
		case bus.CmdChangeBalance:
			return bus.OKResponse(cmd.ID, "ok")
		}
		return bus.ErrorResponse(cmd.ID, broker.CodeCommandError, "unexpected "+cmd.Cmd)
	})
	defer cancel()

	if err := s.Connect(ctx, "u1", Credentials{Email: "a@b.c", Password: "pw"}, "PRACTICE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spawned {
		t.Fatalf("live agent must be reused, not respawned")
	}
}

func TestConnectRecyclesUnresponsiveAgent(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)
	ctx := context.Background()

	// Connected record but nobody answering pings.
	_ = mem.HSet(ctx, bus.AgentStatusKey("u1"), map[string]interface{}{
		"status": agent.StatusConnected,
		"pid":    4242,
	})

	var mu sync.Mutex
	var killedPid int
	overrideProcessHooks(t, func(uid, email, password, accountType string) error {
		// The spawned agent comes up connected.
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = mem.HSet(context.Background(), bus.AgentStatusKey(uid), map[string]interface{}{
				"status": agent.StatusConnected,
			})
		}()
		return nil
	}, func(pid int) error {
		mu.Lock()
		killedPid = pid
		mu.Unlock()
		return nil
	})

	if err := s.Connect(ctx, "u1", Credentials{Email: "a@b.c", Password: "pw"}, "PRACTICE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if killedPid != 4242 {
		t.Fatalf("expected stale pid 4242 to be killed, got %d", killedPid)
	}
}

func TestConnectReportsLoginFailure(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)
	ctx := context.Background()

	overrideProcessHooks(t, func(uid, email, password, accountType string) error {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = mem.HSet(context.Background(), bus.AgentStatusKey(uid), map[string]interface{}{
				"status": agent.StatusFailed,
				"error":  "invalid credentials",
			})
		}()
		return nil
	}, nil)

	err := s.Connect(ctx, "u1", Credentials{Email: "a@b.c", Password: "bad"}, "PRACTICE")
	var brokerErr *broker.Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != broker.CodeLoginFailed {
		t.Fatalf("expected login failure, got %v", err)
	}
	if brokerErr.Message != "invalid credentials" {
		t.Fatalf("message = %q, want agent-reported detail", brokerErr.Message)
	}
}

func TestConnectTimesOutOnSilentAgent(t *testing.T) {
	mem := bus.NewMemory()
	s := newTestSupervisor(mem)
	s.config.ConnectWait = 150 * time.Millisecond
	ctx := context.Background()

	overrideProcessHooks(t, func(string, string, string, string) error { return nil }, nil)

	err := s.Connect(ctx, "u1", Credentials{Email: "a@b.c", Password: "pw"}, "PRACTICE")
	var brokerErr *broker.Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != broker.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
