// Package executors holds the task handlers that drive a trading session:
// the self-rescheduling analysis tick and the trade placement task. A
// session is advanced by jobs on its queue, never by a dedicated goroutine,
// so sessions survive worker restarts.
package executors

import (
	"context"
	"errors"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"axon/src/broker"
	"axon/src/bus"
	"axon/src/metrics"
	"axon/src/model"
	"axon/src/notify"
	"axon/src/placement"
	"axon/src/queue"
	"axon/src/repository"
	"axon/src/safety"
	"axon/src/store"
	"axon/src/strategies"
	"axon/src/supervisor"
	"axon/src/timeframe"
)

// Gateway is the slice of the supervisor the executors need.
type Gateway interface {
	Connect(ctx context.Context, uid string, creds supervisor.Credentials, accountType string) error
	PlaceOrder(ctx context.Context, uid, pair, direction string, amount float64, expirySeconds int) (string, error)
	PollPosition(ctx context.Context, uid, orderID string) (*broker.Position, error)
	GetCandles(ctx context.Context, uid, pair string, timeframeSeconds, count int, endTimestamp int64) ([]model.Candle, error)
}

// CredentialSource resolves a user's decrypted brokerage login.
type CredentialSource interface {
	Resolve(ctx context.Context, userID string) (supervisor.Credentials, string, error)
}

// TradeLog persists trade audit rows.
type TradeLog interface {
	Create(ctx context.Context, trade *model.Trade) error
	Close(ctx context.Context, orderID, result string, profit float64, closedAt time.Time) error
}

// SessionLog persists session audit rows.
type SessionLog interface {
	Create(ctx context.Context, session *model.Session) error
	Finish(ctx context.Context, id, status, haltReason string, profit float64, trades int, stoppedAt time.Time) error
}

// WorkerProvisioner requests a dedicated worker for a session. The watchdog
// releases the recorded handle when it halts the session.
type WorkerProvisioner interface {
	Enabled() bool
	Spawn(ctx context.Context, uid, sessionID string) (string, error)
}

type Loop struct {
	store       *store.Store
	queue       *queue.Queue
	notifier    *notify.Notifier
	gateway     Gateway
	creds       CredentialSource
	trades      TradeLog
	sessions    SessionLog
	provisioner WorkerProvisioner
	config      Config
	now         func() time.Time
}

func New(conn bus.Conn, gateway Gateway, creds CredentialSource) *Loop {
	return &Loop{
		store:       store.New(conn),
		queue:       queue.New(conn),
		notifier:    notify.New(conn),
		gateway:     gateway,
		creds:       creds,
		trades:      repository.NewTradeRepository(),
		sessions:    repository.NewSessionRepository(),
		provisioner: placement.New(),
		config:      GetConfig(),
		now:         time.Now,
	}
}

// WithAuditLogs overrides the relational audit sinks. Used by tests.
func (l *Loop) WithAuditLogs(trades TradeLog, sessions SessionLog) *Loop {
	l.trades = trades
	l.sessions = sessions
	return l
}

// WithProvisioner overrides the worker provisioner. Used by tests.
func (l *Loop) WithProvisioner(p WorkerProvisioner) *Loop {
	l.provisioner = p
	return l
}

// Register binds the loop's handlers to a worker.
func (l *Loop) Register(w *queue.Worker) {
	w.Register(queue.TaskAnalyze, l.HandleAnalyze)
	w.Register(queue.TaskPlaceTrade, l.HandlePlaceTrade)
}

// Start creates the live record, the audit row, and the first analysis tick.
func (l *Loop) Start(ctx context.Context, uid, sessionID string, cfg store.SessionConfig) error {
	if err := l.store.Create(ctx, uid, sessionID, cfg); err != nil {
		return err
	}

	if l.provisioner != nil && l.provisioner.Enabled() {
		handle, err := l.provisioner.Spawn(ctx, uid, sessionID)
		if err != nil {
			// The session still runs on the shared pool.
			logger.WithError(err).WithFields(logger.Fields{
				"uid":        uid,
				"session_id": sessionID,
			}).Warn("[analyze] failed to provision dedicated worker")
		} else if handle != "" {
			if err := l.store.SetWorkerHandle(ctx, uid, sessionID, handle); err != nil {
				logger.WithError(err).Warn("[analyze] failed to record worker handle")
			}
		}
	}

	if l.sessions != nil {
		// Audit row; control state lives in the session store.
		if err := l.sessions.Create(ctx, &model.Session{
			ID:         sessionID,
			UserID:     uid,
			Mode:       cfg.Mode,
			Status:     model.SessionStatusRunning,
			StrategyID: cfg.StrategyID,
			Pairs:      strings.Join(cfg.Pairs, ","),
			Timeframe:  cfg.Timeframe,
			Amount:     cfg.Amount,
			StartedAt:  l.now(),
		}); err != nil {
			logger.WithError(err).Warn("[analyze] failed to create session audit row")
		}
	}

	metrics.RunningSessions.Inc()

	// First heartbeat pulse; it requeues itself while the session runs.
	if pulse, err := queue.NewJob(queue.TaskHeartbeatPulse, uid, sessionID, nil); err == nil {
		if err := l.queue.Enqueue(ctx, pulse); err != nil {
			logger.WithError(err).Warn("[analyze] failed to schedule heartbeat pulse")
		}
	}

	job, err := queue.NewJob(queue.TaskAnalyze, uid, sessionID, nil)
	if err != nil {
		return err
	}
	return l.queue.Enqueue(ctx, job)
}

// HandleAnalyze runs one analysis tick. Every exit path either reschedules
// the next tick or deliberately lets the loop die with the session.
func (l *Loop) HandleAnalyze(ctx context.Context, job queue.Job) error {
	uid, sessionID := job.UID, job.SessionID
	log := logger.WithFields(logger.Fields{"uid": uid, "session_id": sessionID})

	snap, err := l.store.Snapshot(ctx, uid, sessionID)
	if err != nil {
		return err
	}
	if snap == nil {
		log.Warn("[analyze] session record gone, dropping loop")
		return nil
	}
	if snap.Status != model.SessionStatusRunning {
		log.WithField("status", snap.Status).Info("[analyze] session no longer running, dropping loop")
		return nil
	}

	if err := l.store.Heartbeat(ctx, uid, sessionID); err != nil {
		log.WithError(err).Warn("[analyze] failed to refresh heartbeat")
	}

	tfSeconds, err := timeframe.Seconds(snap.Timeframe)
	if err != nil {
		l.failSession(ctx, snap, safety.ReasonBadConfig, "invalid timeframe "+snap.Timeframe)
		return nil
	}

	strategy := strategies.Get(snap.StrategyID)
	if strategy == nil {
		l.notifier.Error(ctx, uid, "unknown strategy "+snap.StrategyID, map[string]interface{}{
			"session_id": sessionID,
		})
		return l.reschedule(ctx, uid, sessionID, l.config.TickInterval)
	}

	// Limits are re-checked every tick, not only after trades, so an
	// operator edit to the record takes effect within one tick.
	if reason := safety.Evaluate(snap.Limits, snap.Counters); reason != "" {
		l.haltSession(ctx, snap, reason)
		return nil
	}

	if snap.ActiveTrades > 0 {
		// Single flight: never analyze past an unsettled trade.
		return l.reschedule(ctx, uid, sessionID, l.config.QuickRescheduleDelay)
	}

	creds, accountType, err := l.creds.Resolve(ctx, uid)
	if err != nil {
		return l.handleConnectFailure(ctx, snap, err)
	}
	if err := l.gateway.Connect(ctx, uid, creds, accountType); err != nil {
		return l.handleConnectFailure(ctx, snap, err)
	}

	l.scanPairs(ctx, snap, strategy, tfSeconds)

	// The tick enqueues its own successor; that is the whole loop.
	return l.reschedule(ctx, uid, sessionID, l.config.TickInterval)
}

// scanPairs looks for a signal across the configured pairs and claims the
// trade slot for the first one found.
func (l *Loop) scanPairs(ctx context.Context, snap *store.Snapshot, strategy strategies.Strategy, tfSeconds int) {
	uid, sessionID := snap.UserID, snap.SessionID
	log := logger.WithFields(logger.Fields{"uid": uid, "session_id": sessionID})

	for _, rawPair := range snap.Pairs {
		pair := broker.NormalizePair(rawPair)

		cooling, err := l.store.InCooldown(ctx, uid, sessionID, pair)
		if err != nil || cooling {
			continue
		}

		candles, err := l.gateway.GetCandles(ctx, uid, pair, tfSeconds, l.config.CandleCount, l.now().Unix())
		if err != nil {
			log.WithError(err).WithField("pair", pair).Warn("[analyze] failed to fetch candles")
			_ = l.store.IncrRetries(ctx, uid, sessionID)
			continue
		}

		signal := strategy.GenerateSignal(candles)
		if signal == nil {
			continue
		}

		metrics.SignalsGenerated.WithLabelValues(snap.StrategyID, signal.Direction).Inc()

		if snap.Mode == model.SessionModeSignal {
			// Signal-only sessions notify and keep scanning.
			l.notifier.Info(ctx, uid, "signal: "+signal.Direction+" "+pair, map[string]interface{}{
				"session_id": sessionID,
				"pair":       pair,
				"direction":  signal.Direction,
				"confidence": signal.Confidence,
			})
			_ = l.store.SetCooldown(ctx, uid, sessionID, pair, l.config.PairCooldown)
			continue
		}

		n, err := l.store.IncrActiveTrades(ctx, uid, sessionID)
		if err != nil {
			continue
		}
		if n > 1 {
			// Lost the race to another worker; restore and stop scanning.
			_ = l.store.DecrActiveTrades(ctx, uid, sessionID)
			return
		}

		order := TradeOrder{
			Pair:          pair,
			Direction:     signal.Direction,
			Amount:        snap.Amount,
			ExpirySeconds: tfSeconds,
		}
		tradeJob, err := queue.NewJob(queue.TaskPlaceTrade, uid, sessionID, order)
		if err != nil {
			_ = l.store.DecrActiveTrades(ctx, uid, sessionID)
			return
		}
		if err := l.queue.Enqueue(ctx, tradeJob); err != nil {
			// The slot must not leak when the job never made it out.
			_ = l.store.DecrActiveTrades(ctx, uid, sessionID)
			log.WithError(err).Error("[analyze] failed to enqueue trade")
			return
		}

		_ = l.store.SetCooldown(ctx, uid, sessionID, pair, l.config.PairCooldown)

		log.WithFields(logger.Fields{
			"pair":      pair,
			"direction": signal.Direction,
		}).Info("[analyze] trade enqueued")
		return
	}
}

func (l *Loop) handleConnectFailure(ctx context.Context, snap *store.Snapshot, err error) error {
	uid, sessionID := snap.UserID, snap.SessionID

	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) && broker.IsTerminal(brokerErr.Code) {
		l.failSession(ctx, snap, safety.ReasonConnectFailed, brokerErr.Message)
		return nil
	}

	logger.WithError(err).WithFields(logger.Fields{
		"uid":        uid,
		"session_id": sessionID,
	}).Warn("[analyze] transient connect failure, backing off")

	_ = l.store.IncrRetries(ctx, uid, sessionID)
	return l.reschedule(ctx, uid, sessionID, l.config.BackoffDelay)
}

func (l *Loop) reschedule(ctx context.Context, uid, sessionID string, delay time.Duration) error {
	job, err := queue.NewJob(queue.TaskAnalyze, uid, sessionID, nil)
	if err != nil {
		return err
	}
	return l.queue.EnqueueIn(ctx, delay, job)
}

func (l *Loop) haltSession(ctx context.Context, snap *store.Snapshot, reason string) {
	l.terminateSession(ctx, snap, model.SessionStatusHalted, reason)
}

func (l *Loop) failSession(ctx context.Context, snap *store.Snapshot, reason, detail string) {
	if detail != "" {
		l.notifier.Error(ctx, snap.UserID, detail, map[string]interface{}{
			"session_id": snap.SessionID,
		})
	}
	l.terminateSession(ctx, snap, model.SessionStatusFailed, reason)
}

func (l *Loop) terminateSession(ctx context.Context, snap *store.Snapshot, status, reason string) {
	uid, sessionID := snap.UserID, snap.SessionID

	var err error
	if status == model.SessionStatusFailed {
		err = l.store.Fail(ctx, uid, sessionID, reason)
	} else {
		err = l.store.Halt(ctx, uid, sessionID, reason)
	}
	if err != nil {
		logger.WithError(err).WithFields(logger.Fields{
			"uid":        uid,
			"session_id": sessionID,
		}).Error("[analyze] failed to terminate session")
		return
	}

	metrics.SessionHalts.WithLabelValues(reason).Inc()
	metrics.RunningSessions.Dec()

	l.notifier.Warn(ctx, uid, "session "+status+": "+reason, map[string]interface{}{
		"session_id": sessionID,
		"reason":     reason,
	})

	if l.sessions != nil {
		profit, _ := snap.Counters.Profit.Float64()
		if err := l.sessions.Finish(ctx, sessionID, status, reason, profit, snap.Counters.Trades, l.now()); err != nil {
			logger.WithError(err).Warn("[analyze] failed to finish session audit row")
		}
	}
}
