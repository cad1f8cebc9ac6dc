// Package store is the live session state shared by every component: one
// Redis hash per (user, session) holding status, limits, counters and the
// heartbeat. It is the single source of truth for "may this session still
// trade"; the relational Session row is audit only.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"axon/src/bus"
	"axon/src/safety"
)

// Hash field names. consecutive_losses is the authoritative name; the older
// loss_streak field is superseded.
const (
	fieldStatus          = "status"
	fieldMode            = "mode"
	fieldStrategyID      = "strategy_id"
	fieldPairs           = "pairs"
	fieldTimeframe       = "timeframe"
	fieldAmount          = "amount"
	fieldStopLoss        = "stop_loss"
	fieldTakeProfit      = "take_profit"
	fieldMaxLosses       = "max_consecutive_losses"
	fieldMaxTrades       = "max_trades"
	fieldProfit          = "profit"
	fieldTrades          = "trades"
	fieldWins            = "wins"
	fieldConsecLosses    = "consecutive_losses"
	fieldRejects         = "rejects"
	fieldRetries         = "retries"
	fieldHeartbeatMissed = "heartbeat_missed"
	fieldHeartbeat       = "heartbeat"
	fieldActiveTrades    = "active_trades"
	fieldHaltReason      = "halt_reason"
	fieldCreatedAt       = "created_at"
	fieldWorkerHandle    = "worker_handle"
)

// SessionConfig is everything needed to create a live session record.
type SessionConfig struct {
	Mode       string
	StrategyID string
	Pairs      []string
	Timeframe  string
	Amount     float64
	StopLoss   float64
	TakeProfit float64
	MaxLosses  int
	MaxTrades  int
}

// Snapshot is one consistent read of a session record.
type Snapshot struct {
	UserID    string
	SessionID string

	Status     string
	Mode       string
	StrategyID string
	Pairs      []string
	Timeframe  string
	Amount     float64

	Limits   safety.Limits
	Counters safety.Counters

	Rejects         int
	Retries         int
	HeartbeatMissed int
	Heartbeat       time.Time
	ActiveTrades    int
	WorkerHandle    string
}

// Store wraps the bus connection with session-record operations.
type Store struct {
	conn bus.Conn
	now  func() time.Time
}

func New(conn bus.Conn) *Store {
	return &Store{conn: conn, now: time.Now}
}

// WithClock overrides the time source. Useful for heartbeat tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{conn: s.conn, now: now}
}

// Create writes a fresh running session record with zeroed counters.
func (s *Store) Create(ctx context.Context, uid, sessionID string, cfg SessionConfig) error {
	key := bus.SessionKey(uid, sessionID)
	now := s.now()

	err := s.conn.HSet(ctx, key, map[string]interface{}{
		fieldStatus:          "running",
		fieldMode:            cfg.Mode,
		fieldStrategyID:      cfg.StrategyID,
		fieldPairs:           strings.Join(cfg.Pairs, ","),
		fieldTimeframe:       cfg.Timeframe,
		fieldAmount:          cfg.Amount,
		fieldStopLoss:        cfg.StopLoss,
		fieldTakeProfit:      cfg.TakeProfit,
		fieldMaxLosses:       cfg.MaxLosses,
		fieldMaxTrades:       cfg.MaxTrades,
		fieldProfit:          0,
		fieldTrades:          0,
		fieldWins:            0,
		fieldConsecLosses:    0,
		fieldRejects:         0,
		fieldRetries:         0,
		fieldHeartbeatMissed: 0,
		fieldHeartbeat:       now.Unix(),
		fieldActiveTrades:    0,
		fieldCreatedAt:       now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

func (s *Store) Status(ctx context.Context, uid, sessionID string) (string, error) {
	return s.conn.HGet(ctx, bus.SessionKey(uid, sessionID), fieldStatus)
}

// Halt moves the session to halted with the given reason and publishes the
// halt event. Terminal states are sticky: halting an already halted or
// failed session is a no-op, so late messages cannot resurrect a session.
func (s *Store) Halt(ctx context.Context, uid, sessionID, reason string) error {
	return s.terminate(ctx, uid, sessionID, "halted", reason)
}

// Fail is Halt with the failed status, for unrecoverable errors.
func (s *Store) Fail(ctx context.Context, uid, sessionID, reason string) error {
	return s.terminate(ctx, uid, sessionID, "failed", reason)
}

func (s *Store) terminate(ctx context.Context, uid, sessionID, status, reason string) error {
	key := bus.SessionKey(uid, sessionID)

	current, err := s.conn.HGet(ctx, key, fieldStatus)
	if err != nil {
		return err
	}
	if current == "halted" || current == "failed" || current == "" {
		return nil
	}

	if err := s.conn.HSet(ctx, key, map[string]interface{}{
		fieldStatus:     status,
		fieldHaltReason: reason,
	}); err != nil {
		return err
	}

	s.publishEvent(ctx, uid, map[string]interface{}{
		"type":       "halt",
		"session_id": sessionID,
		"status":     status,
		"reason":     reason,
	})

	logger.WithFields(logger.Fields{
		"uid":        uid,
		"session_id": sessionID,
		"status":     status,
		"reason":     reason,
	}).Info("[store] session terminated")

	return nil
}

// Heartbeat refreshes the liveness timestamp the watchdog observes.
func (s *Store) Heartbeat(ctx context.Context, uid, sessionID string) error {
	return s.conn.HSet(ctx, bus.SessionKey(uid, sessionID), map[string]interface{}{
		fieldHeartbeat: s.now().Unix(),
	})
}

// Snapshot reads the full record. Returns (nil, nil) when the session does
// not exist.
func (s *Store) Snapshot(ctx context.Context, uid, sessionID string) (*Snapshot, error) {
	raw, err := s.conn.HGetAll(ctx, bus.SessionKey(uid, sessionID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	snap := &Snapshot{
		UserID:     uid,
		SessionID:  sessionID,
		Status:     raw[fieldStatus],
		Mode:       raw[fieldMode],
		StrategyID: raw[fieldStrategyID],
		Timeframe:  raw[fieldTimeframe],
		Amount:     parseFloat(raw[fieldAmount]),
		Limits: safety.Limits{
			StopLoss:   parseDecimal(raw[fieldStopLoss]),
			TakeProfit: parseDecimal(raw[fieldTakeProfit]),
			MaxLosses:  parseInt(raw[fieldMaxLosses]),
			MaxTrades:  parseInt(raw[fieldMaxTrades]),
		},
		Counters: safety.Counters{
			Profit:            parseDecimal(raw[fieldProfit]),
			Trades:            parseInt(raw[fieldTrades]),
			Wins:              parseInt(raw[fieldWins]),
			ConsecutiveLosses: parseInt(raw[fieldConsecLosses]),
		},
		Rejects:         parseInt(raw[fieldRejects]),
		Retries:         parseInt(raw[fieldRetries]),
		HeartbeatMissed: parseInt(raw[fieldHeartbeatMissed]),
		ActiveTrades:    parseInt(raw[fieldActiveTrades]),
		WorkerHandle:    raw[fieldWorkerHandle],
	}

	if hb := parseInt64(raw[fieldHeartbeat]); hb > 0 {
		snap.Heartbeat = time.Unix(hb, 0)
	}
	if raw[fieldPairs] != "" {
		snap.Pairs = strings.Split(raw[fieldPairs], ",")
	}
	return snap, nil
}

// UpdateMetrics folds one trade result into the counters, publishes a
// metrics event, then evaluates the safety limits. Safety runs after every
// counter mutation, not on a timer. Returns the halt reason when a limit was
// breached.
func (s *Store) UpdateMetrics(ctx context.Context, uid, sessionID string, deltaPnL decimal.Decimal, won bool) (string, error) {
	key := bus.SessionKey(uid, sessionID)

	snap, err := s.Snapshot(ctx, uid, sessionID)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return "", nil
	}

	updated := safety.Apply(snap.Counters, deltaPnL, won)

	if err := s.conn.HSet(ctx, key, map[string]interface{}{
		fieldProfit:       updated.Profit.String(),
		fieldTrades:       updated.Trades,
		fieldWins:         updated.Wins,
		fieldConsecLosses: updated.ConsecutiveLosses,
	}); err != nil {
		return "", err
	}

	s.publishEvent(ctx, uid, map[string]interface{}{
		"type":               "metrics",
		"session_id":         sessionID,
		"pnl":                updated.Profit,
		"trades":             updated.Trades,
		"wins":               updated.Wins,
		"consecutive_losses": updated.ConsecutiveLosses,
	})

	reason := safety.Evaluate(snap.Limits, updated)
	if reason == "" {
		return "", nil
	}
	if err := s.Halt(ctx, uid, sessionID, reason); err != nil {
		return reason, err
	}
	return reason, nil
}

// IncrActiveTrades claims the single-flight trade slot. Callers must pair it
// with DecrActiveTrades on every completion path.
func (s *Store) IncrActiveTrades(ctx context.Context, uid, sessionID string) (int, error) {
	n, err := s.conn.HIncrBy(ctx, bus.SessionKey(uid, sessionID), fieldActiveTrades, 1)
	return int(n), err
}

func (s *Store) DecrActiveTrades(ctx context.Context, uid, sessionID string) error {
	n, err := s.conn.HIncrBy(ctx, bus.SessionKey(uid, sessionID), fieldActiveTrades, -1)
	if err != nil {
		return err
	}
	if n < 0 {
		// Double decrement; clamp so the gate cannot go permanently negative.
		return s.conn.HSet(ctx, bus.SessionKey(uid, sessionID), map[string]interface{}{fieldActiveTrades: 0})
	}
	return nil
}

// IncrRejects / IncrRetries / IncrHeartbeatMissed bump the informational
// counters published with metrics events.
func (s *Store) IncrRejects(ctx context.Context, uid, sessionID string) error {
	_, err := s.conn.HIncrBy(ctx, bus.SessionKey(uid, sessionID), fieldRejects, 1)
	return err
}

func (s *Store) IncrRetries(ctx context.Context, uid, sessionID string) error {
	_, err := s.conn.HIncrBy(ctx, bus.SessionKey(uid, sessionID), fieldRetries, 1)
	return err
}

func (s *Store) IncrHeartbeatMissed(ctx context.Context, uid, sessionID string) (int, error) {
	n, err := s.conn.HIncrBy(ctx, bus.SessionKey(uid, sessionID), fieldHeartbeatMissed, 1)
	return int(n), err
}

// SetWorkerHandle records the externally provisioned worker, if any, so the
// watchdog can release it when it halts the session.
func (s *Store) SetWorkerHandle(ctx context.Context, uid, sessionID, handle string) error {
	return s.conn.HSet(ctx, bus.SessionKey(uid, sessionID), map[string]interface{}{fieldWorkerHandle: handle})
}

// SetCooldown suppresses signals for a pair for the given window.
func (s *Store) SetCooldown(ctx context.Context, uid, sessionID, pair string, ttl time.Duration) error {
	return s.conn.Set(ctx, bus.CooldownKey(uid, sessionID, pair), "1", ttl)
}

func (s *Store) InCooldown(ctx context.Context, uid, sessionID, pair string) (bool, error) {
	return s.conn.Exists(ctx, bus.CooldownKey(uid, sessionID, pair))
}

// ScanRunning returns (uid, sessionID) pairs for every running session. Used
// by the watchdog sweep.
func (s *Store) ScanRunning(ctx context.Context) ([][2]string, error) {
	keys, err := s.conn.Keys(ctx, "session:*")
	if err != nil {
		return nil, err
	}

	var out [][2]string
	for _, key := range keys {
		uid, sessionID, ok := bus.ParseSessionKey(key)
		if !ok {
			continue
		}
		status, err := s.conn.HGet(ctx, key, fieldStatus)
		if err != nil {
			return nil, err
		}
		if status == "running" {
			out = append(out, [2]string{uid, sessionID})
		}
	}
	return out, nil
}

// PublishEvent pushes an informational event on the user's metrics channel.
func (s *Store) PublishEvent(ctx context.Context, uid string, event map[string]interface{}) {
	s.publishEvent(ctx, uid, event)
}

func (s *Store) publishEvent(ctx context.Context, uid string, event map[string]interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.conn.Publish(ctx, bus.MetricsChannel(uid), string(payload)); err != nil {
		logger.WithError(err).Debug("[store] failed to publish event")
	}
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
