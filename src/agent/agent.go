// Package agent implements the Connection Agent: one long-lived process per
// user owning the single authenticated brokerage connection. Workers drive
// it through the command channel; it answers on per-command response
// channels and keeps its status record in the bus for the supervisor to
// inspect.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	logger "github.com/sirupsen/logrus"

	"axon/src/broker"
	"axon/src/bus"
	"axon/src/metrics"
)

// Agent status values as written to the status record.
const (
	StatusStarting   = "starting"
	StatusConnecting = "connecting"
	StatusConnected  = "connected"
	StatusError      = "error"
	StatusFailed     = "failed"
)

// Params identifies the user and credentials the agent connects with.
type Params struct {
	UID         string
	Email       string
	Password    string
	AccountType string
}

type Agent struct {
	params Params
	conn   bus.Conn
	config Config
	log    *logger.Entry

	// newClient builds a fresh broker client; called again on the hard
	// reinitialize path of get_candles.
	newClient func() broker.Client
	client    broker.Client

	sleep func(time.Duration)
}

func New(params Params, conn bus.Conn) *Agent {
	a := &Agent{
		params: params,
		conn:   conn,
		config: GetConfig(),
		log:    logger.WithField("agent", params.UID),
		sleep:  time.Sleep,
	}
	a.newClient = func() broker.Client {
		return broker.NewGatewayClient(params.Email, params.Password, params.AccountType)
	}
	return a
}

// WithClientFactory overrides the broker client constructor. Used by tests.
func (a *Agent) WithClientFactory(factory func() broker.Client) *Agent {
	a.newClient = factory
	return a
}

// Run connects, serves commands until stop/cancel, and cleans up its status
// record. A login failure leaves a failed record behind so the supervisor
// can report why.
func (a *Agent) Run(ctx context.Context) error {
	statusKey := bus.AgentStatusKey(a.params.UID)

	_ = a.conn.HSet(ctx, statusKey, map[string]interface{}{
		"status":     StatusStarting,
		"pid":        os.Getpid(),
		"start_time": time.Now().Unix(),
	})

	a.client = a.newClient()

	_ = a.conn.HSet(ctx, statusKey, map[string]interface{}{"status": StatusConnecting})

	if err := a.client.Connect(); err != nil {
		a.log.WithError(err).Error("login failed")
		_ = a.conn.HSet(ctx, statusKey, map[string]interface{}{
			"status": StatusFailed,
			"error":  err.Error(),
		})
		return fmt.Errorf("agent login failed: %w", err)
	}

	_ = a.conn.HSet(ctx, statusKey, map[string]interface{}{"status": StatusConnected})
	a.publishConnectedLog(ctx)

	sub := a.conn.Subscribe(ctx, bus.AgentCmdChannel(a.params.UID))
	defer sub.Close()

	liveness := time.NewTicker(a.config.LivenessInterval)
	defer liveness.Stop()

	a.log.Info("listening for commands")

	defer func() {
		// Always drop the status record on exit so the supervisor never
		// reuses a stopped agent.
		_ = a.conn.Del(context.Background(), statusKey)
		a.log.Info("exited")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}

			var cmd bus.Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				a.log.WithError(err).Warn("dropping malformed command")
				continue
			}

			if cmd.Cmd == bus.CmdStop {
				a.log.Info("stop command received")
				if cmd.ID != "" {
					a.respond(ctx, bus.OKResponse(cmd.ID, "stopped"))
				}
				return nil
			}

			resp := a.handleCommand(ctx, cmd)
			if cmd.ID != "" {
				a.respond(ctx, resp)
			}

		case <-liveness.C:
			if a.client.CheckConnect() {
				continue
			}
			a.log.Warn("connection lost, reconnecting")
			if err := a.reconnect(); err != nil {
				a.log.WithError(err).Error("reconnection failed, exiting")
				_ = a.conn.HSet(ctx, statusKey, map[string]interface{}{
					"status": StatusFailed,
					"error":  err.Error(),
				})
				return err
			}
			a.log.Info("reconnected")
		}
	}
}

func (a *Agent) publishConnectedLog(ctx context.Context) {
	balance, err := a.client.GetBalance()
	if err != nil {
		a.log.WithError(err).Debug("failed to fetch balance for connect log")
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"type":      "log",
		"message":   fmt.Sprintf("brokerage connected: %s (balance: %.2f)", a.params.Email, balance),
		"timestamp": time.Now().Unix(),
	})
	if err := a.conn.Publish(ctx, bus.LogsChannel(a.params.UID), string(payload)); err != nil {
		a.log.WithError(err).Debug("failed to publish connect log")
	}
}

func (a *Agent) respond(ctx context.Context, resp bus.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	channel := bus.AgentRespChannel(a.params.UID, resp.ID)
	if err := a.conn.Publish(ctx, channel, string(payload)); err != nil {
		a.log.WithError(err).Warn("failed to publish response")
	}
}

func (a *Agent) handleCommand(ctx context.Context, cmd bus.Command) bus.Response {
	a.log.WithFields(logger.Fields{"cmd": cmd.Cmd, "id": cmd.ID}).Debug("command received")

	switch cmd.Cmd {
	case bus.CmdPing:
		return bus.OKResponse(cmd.ID, "pong")

	case bus.CmdGetBalance:
		balance, err := a.client.GetBalance()
		if err != nil {
			return a.errorResponse(cmd.ID, err)
		}
		return bus.OKResponse(cmd.ID, balance)

	case bus.CmdChangeBalance:
		if err := a.client.ChangeBalance(cmd.AccountType); err != nil {
			return a.errorResponse(cmd.ID, err)
		}
		a.params.AccountType = cmd.AccountType
		return bus.OKResponse(cmd.ID, "ok")

	case bus.CmdBuy:
		return a.handleBuy(cmd)

	case bus.CmdCheckWin:
		position, err := a.client.CheckWin(cmd.OrderID)
		if err != nil {
			return a.errorResponse(cmd.ID, err)
		}
		return bus.OKResponse(cmd.ID, position)

	case bus.CmdGetCandles:
		return a.handleGetCandles(cmd)

	default:
		return bus.ErrorResponse(cmd.ID, broker.CodeCommandError, fmt.Sprintf("unknown command %q", cmd.Cmd))
	}
}

// handleBuy normalizes the instrument and submits the order, allowing
// exactly one reconnect-and-retry on failure.
func (a *Agent) handleBuy(cmd bus.Command) bus.Response {
	pair := broker.NormalizePair(cmd.Active)

	orderID, err := a.client.Buy(cmd.Amount, pair, cmd.Action, cmd.Duration)
	if err == nil {
		return bus.OKResponse(cmd.ID, orderID)
	}

	a.maybeRateLimitSleep(err)
	a.log.WithError(err).Warn("buy failed, reconnecting once")

	if recErr := a.reconnectOnce(); recErr != nil {
		return a.errorResponse(cmd.ID, err)
	}

	orderID, err = a.client.Buy(cmd.Amount, pair, cmd.Action, cmd.Duration)
	if err != nil {
		return a.errorResponse(cmd.ID, err)
	}
	return bus.OKResponse(cmd.ID, orderID)
}

// handleGetCandles works around an upstream quirk: transient connectivity
// loss yields an empty candle set instead of an error. The ladder is
// reconnect-and-retry, then reinitialize-the-client-and-retry, then give up
// with an empty result.
func (a *Agent) handleGetCandles(cmd bus.Command) bus.Response {
	pair := broker.NormalizePair(cmd.Active)

	candles, err := a.client.GetCandles(pair, cmd.Duration, cmd.Count, cmd.Timestamp)
	if err == nil && len(candles) > 0 {
		return bus.OKResponse(cmd.ID, candles)
	}

	if err != nil {
		a.log.WithError(err).Warn("get_candles failed, reconnecting")
	} else {
		a.log.Warn("get_candles returned empty, reconnecting")
	}

	if recErr := a.reconnectOnce(); recErr == nil {
		candles, err = a.client.GetCandles(pair, cmd.Duration, cmd.Count, cmd.Timestamp)
		if err == nil && len(candles) > 0 {
			return bus.OKResponse(cmd.ID, candles)
		}
	}

	// Harder path: rebuild the client from scratch.
	a.log.Warn("get_candles still failing, reinitializing client")
	a.sleep(a.config.RetrySleep)

	fresh := a.newClient()
	if err := fresh.Connect(); err != nil {
		a.log.WithError(err).Error("client reinitialize failed")
		return bus.OKResponse(cmd.ID, []interface{}{})
	}
	a.client = fresh

	candles, err = a.client.GetCandles(pair, cmd.Duration, cmd.Count, cmd.Timestamp)
	if err != nil {
		a.log.WithError(err).Error("get_candles retry failed")
		return bus.OKResponse(cmd.ID, []interface{}{})
	}
	return bus.OKResponse(cmd.ID, candles)
}

func (a *Agent) errorResponse(id string, err error) bus.Response {
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) {
		return bus.ErrorResponse(id, brokerErr.Code, brokerErr.Message)
	}
	return bus.ErrorResponse(id, broker.CodeCommandError, err.Error())
}

// reconnectOnce is the single in-band retry used by command handlers.
func (a *Agent) reconnectOnce() error {
	err := a.client.Connect()
	if err != nil {
		a.maybeRateLimitSleep(err)
		return err
	}
	metrics.AgentReconnects.Inc()
	return nil
}

// reconnect runs the bounded reconnect loop of the liveness check. Rate
// limit responses sleep for the broker-specified cooldown before counting
// the attempt.
func (a *Agent) reconnect() error {
	var lastErr error
	for attempt := 1; attempt <= a.config.ReconnectAttempts; attempt++ {
		lastErr = a.client.Connect()
		if lastErr == nil {
			metrics.AgentReconnects.Inc()
			return nil
		}

		var brokerErr *broker.Error
		if errors.As(lastErr, &brokerErr) && broker.IsTerminal(brokerErr.Code) {
			return lastErr
		}

		a.log.WithError(lastErr).WithField("attempt", attempt).Warn("reconnect attempt failed")
		a.maybeRateLimitSleep(lastErr)
		a.sleep(a.config.ReconnectDelay)
	}
	return fmt.Errorf("reconnect attempts exhausted: %w", lastErr)
}

func (a *Agent) maybeRateLimitSleep(err error) {
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) && brokerErr.Code == broker.CodeRateLimit && brokerErr.RetryAfterSeconds > 0 {
		a.log.WithField("retry_after", brokerErr.RetryAfterSeconds).Warn("rate limited, honoring broker cooldown")
		a.sleep(time.Duration(brokerErr.RetryAfterSeconds) * time.Second)
	}
}
