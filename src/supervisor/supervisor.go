// Package supervisor is the client-side bridge that turns synchronous calls
// from workers into correlated command/response exchanges with a user's
// Connection Agent, spawning or recycling the agent process as needed.
// Strict single ownership: at most one authoritative agent per user.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"axon/src/agent"
	"axon/src/broker"
	"axon/src/bus"
	"axon/src/metrics"
	"axon/src/model"
)

// Credentials are the decrypted brokerage login of one user.
type Credentials struct {
	Email    string
	Password string
}

type Supervisor struct {
	conn   bus.Conn
	config Config
	now    func() time.Time
}

// Injection points for process management, overridden in tests.
var (
	spawnAgentProcess = func(uid, email, password, accountType string) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}

		cmd := exec.Command(exe, "agent", uid, email, password, accountType)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start agent process: %w", err)
		}
		// The agent outlives this worker; detach instead of waiting.
		return cmd.Process.Release()
	}

	terminateProcess = func(pid int) error {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return proc.Kill()
	}
)

func New(conn bus.Conn) *Supervisor {
	return &Supervisor{conn: conn, config: GetConfig(), now: time.Now}
}

// call publishes one command and waits for its correlated response.
// Responses carrying a different correlation id are dropped, which makes
// stale or duplicated deliveries harmless.
func (s *Supervisor) call(ctx context.Context, uid string, cmd bus.Command, timeout time.Duration) (*bus.Response, error) {
	cmd.ID = uuid.NewString()

	sub := s.conn.Subscribe(ctx, bus.AgentRespChannel(uid, cmd.ID))
	defer sub.Close()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	if err := s.conn.Publish(ctx, bus.AgentCmdChannel(uid), string(payload)); err != nil {
		return nil, broker.NewError(broker.CodeAgentUnavailable, "failed to publish command: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			metrics.CommandTimeouts.WithLabelValues(cmd.Cmd).Inc()
			return nil, broker.NewError(broker.CodeTimeout, "%s command timed out after %s", cmd.Cmd, timeout)

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, broker.NewError(broker.CodeAgentUnavailable, "response channel closed")
			}

			var resp bus.Response
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				logger.WithError(err).Warn("[supervisor] dropping malformed response")
				continue
			}
			if resp.ID != cmd.ID {
				// Stale correlation id from an earlier, timed-out call.
				continue
			}

			if resp.Status != bus.StatusOK {
				code := resp.Code
				if code == "" {
					code = broker.CodeCommandError
				}
				return nil, &broker.Error{Code: code, Message: resp.Error}
			}
			return &resp, nil
		}
	}
}

// Ping probes agent liveness with a short timeout.
func (s *Supervisor) Ping(ctx context.Context, uid string) error {
	_, err := s.call(ctx, uid, bus.Command{Cmd: bus.CmdPing}, s.config.PingTimeout)
	return err
}

// Connect guarantees a usable agent for the user: reuse the existing one
// when it answers a liveness probe, otherwise recycle it and spawn a fresh
// process, waiting up to ConnectWait for it to come up. The reconnect
// latency is the price of never having two authenticated sessions against
// one brokerage account.
func (s *Supervisor) Connect(ctx context.Context, uid string, creds Credentials, accountType string) error {
	statusKey := bus.AgentStatusKey(uid)

	status, err := s.conn.HGet(ctx, statusKey, "status")
	if err != nil {
		return err
	}

	if status == agent.StatusConnected {
		if err := s.Ping(ctx, uid); err == nil {
			logger.WithField("uid", uid).Debug("[supervisor] reusing live agent")
			_, err := s.call(ctx, uid, bus.Command{Cmd: bus.CmdChangeBalance, AccountType: accountType}, s.config.CommandTimeout)
			return err
		}

		// Stale record pointing at a dead or wedged process.
		logger.WithField("uid", uid).Warn("[supervisor] agent failed liveness probe, recycling")
		s.killRecordedProcess(ctx, uid)
		if err := s.conn.Del(ctx, statusKey); err != nil {
			return err
		}
	} else if status != "" {
		// Leftover starting/failed record from a previous run.
		if err := s.conn.Del(ctx, statusKey); err != nil {
			return err
		}
	}

	if err := spawnAgentProcess(uid, creds.Email, creds.Password, accountType); err != nil {
		return broker.NewError(broker.CodeAgentUnavailable, "failed to spawn agent: %v", err)
	}

	return s.waitForAgent(ctx, uid)
}

func (s *Supervisor) waitForAgent(ctx context.Context, uid string) error {
	statusKey := bus.AgentStatusKey(uid)
	deadline := s.now().Add(s.config.ConnectWait)

	for s.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.ConnectPoll):
		}

		status, err := s.conn.HGet(ctx, statusKey, "status")
		if err != nil {
			return err
		}

		switch status {
		case agent.StatusConnected:
			return nil
		case agent.StatusFailed, agent.StatusError:
			detail, _ := s.conn.HGet(ctx, statusKey, "error")
			if detail == "" {
				detail = "agent reported " + status
			}
			return broker.NewError(broker.CodeLoginFailed, "%s", detail)
		}
	}

	return broker.NewError(broker.CodeTimeout, "agent did not become ready within %s", s.config.ConnectWait)
}

func (s *Supervisor) killRecordedProcess(ctx context.Context, uid string) {
	pidRaw, err := s.conn.HGet(ctx, bus.AgentStatusKey(uid), "pid")
	if err != nil || pidRaw == "" {
		return
	}
	pid, err := strconv.Atoi(pidRaw)
	if err != nil || pid <= 0 {
		return
	}
	if err := terminateProcess(pid); err != nil {
		logger.WithError(err).WithField("pid", pid).Debug("[supervisor] failed to kill stale agent")
	}
}

// Disconnect asks the agent to stop. Best effort: a dead agent has nothing
// to stop.
func (s *Supervisor) Disconnect(ctx context.Context, uid string) error {
	payload, _ := json.Marshal(bus.Command{Cmd: bus.CmdStop})
	return s.conn.Publish(ctx, bus.AgentCmdChannel(uid), string(payload))
}

func (s *Supervisor) GetBalance(ctx context.Context, uid string) (float64, error) {
	resp, err := s.call(ctx, uid, bus.Command{Cmd: bus.CmdGetBalance}, s.config.CommandTimeout)
	if err != nil {
		return 0, err
	}

	var balance float64
	if err := json.Unmarshal(resp.Result, &balance); err != nil {
		return 0, broker.NewError(broker.CodeCommandError, "malformed balance result: %v", err)
	}
	return balance, nil
}

func (s *Supervisor) PlaceOrder(ctx context.Context, uid, pair, direction string, amount float64, expirySeconds int) (string, error) {
	resp, err := s.call(ctx, uid, bus.Command{
		Cmd:      bus.CmdBuy,
		Active:   pair,
		Action:   direction,
		Amount:   amount,
		Duration: expirySeconds,
	}, s.config.BuyTimeout)
	if err != nil {
		return "", err
	}

	var orderID string
	if err := json.Unmarshal(resp.Result, &orderID); err != nil {
		return "", broker.NewError(broker.CodeCommandError, "malformed order result: %v", err)
	}
	return orderID, nil
}

// PollPosition waits for the position to close; the timeout is long because
// the brokerage only reports a result once the option expires.
func (s *Supervisor) PollPosition(ctx context.Context, uid, orderID string) (*broker.Position, error) {
	resp, err := s.call(ctx, uid, bus.Command{Cmd: bus.CmdCheckWin, OrderID: orderID}, s.config.CheckWinTimeout)
	if err != nil {
		return nil, err
	}

	var position broker.Position
	if err := json.Unmarshal(resp.Result, &position); err != nil {
		return nil, broker.NewError(broker.CodeCommandError, "malformed position result: %v", err)
	}
	return &position, nil
}

func (s *Supervisor) GetCandles(ctx context.Context, uid, pair string, timeframeSeconds, count int, endTimestamp int64) ([]model.Candle, error) {
	resp, err := s.call(ctx, uid, bus.Command{
		Cmd:       bus.CmdGetCandles,
		Active:    pair,
		Duration:  timeframeSeconds,
		Count:     count,
		Timestamp: endTimestamp,
	}, s.config.CandlesTimeout)
	if err != nil {
		return nil, err
	}

	var candles []model.Candle
	if err := json.Unmarshal(resp.Result, &candles); err != nil {
		return nil, broker.NewError(broker.CodeCommandError, "malformed candles result: %v", err)
	}
	return candles, nil
}
