// Package watchdog is the liveness layer over running sessions. The analysis
// tick refreshes each session's heartbeat; the watchdog sweep halts any
// session whose heartbeat went stale, because a wedged loop left running
// unattended is an open position nobody is managing.
package watchdog

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"axon/src/bus"
	"axon/src/metrics"
	"axon/src/notify"
	"axon/src/queue"
	"axon/src/safety"
	"axon/src/store"
)

// WorkerReleaser tears down externally provisioned session workers.
type WorkerReleaser interface {
	Release(ctx context.Context, handle string) error
}

type Watchdog struct {
	store     *store.Store
	queue     *queue.Queue
	notifier  *notify.Notifier
	placement WorkerReleaser
	config    Config
	now       func() time.Time
}

func New(conn bus.Conn, placement WorkerReleaser) *Watchdog {
	return &Watchdog{
		store:     store.New(conn),
		queue:     queue.New(conn),
		notifier:  notify.New(conn),
		placement: placement,
		config:    GetConfig(),
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Register binds the pulse handler to a worker. The pulse travels the same
// queue as real work, so a stuck worker pool shows up as missing heartbeats.
func (w *Watchdog) Register(worker *queue.Worker) {
	worker.Register(queue.TaskHeartbeatPulse, w.HandlePulse)
}

// HandlePulse refreshes the heartbeat of one session and requeues itself
// while the session is running. The pulse dies with the session.
func (w *Watchdog) HandlePulse(ctx context.Context, job queue.Job) error {
	status, err := w.store.Status(ctx, job.UID, job.SessionID)
	if err != nil {
		return err
	}
	if status != "running" {
		return nil
	}

	if err := w.store.Heartbeat(ctx, job.UID, job.SessionID); err != nil {
		return err
	}

	next, err := queue.NewJob(queue.TaskHeartbeatPulse, job.UID, job.SessionID, nil)
	if err != nil {
		return err
	}
	return w.queue.EnqueueIn(ctx, w.config.PulseInterval, next)
}

// SchedulePulse enqueues the first heartbeat pulse for a session.
func (w *Watchdog) SchedulePulse(ctx context.Context, uid, sessionID string) error {
	job, err := queue.NewJob(queue.TaskHeartbeatPulse, uid, sessionID, nil)
	if err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, job)
}

// Run sweeps periodically until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	logger.WithField("interval", w.config.SweepInterval).Info("[watchdog] starting")

	for {
		select {
		case <-ctx.Done():
			logger.Info("[watchdog] stopped")
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("[watchdog] sweep failed")
			}
		}
	}
}

// Sweep inspects every running session's heartbeat and halts the stale ones.
func (w *Watchdog) Sweep(ctx context.Context) error {
	sessions, err := w.store.ScanRunning(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	for _, s := range sessions {
		uid, sessionID := s[0], s[1]

		snap, err := w.store.Snapshot(ctx, uid, sessionID)
		if err != nil || snap == nil {
			continue
		}

		age := now.Sub(snap.Heartbeat)
		switch {
		case age >= w.config.StaleThreshold:
			w.haltStale(ctx, snap, age)

		case age >= w.config.WarnThreshold:
			missed, _ := w.store.IncrHeartbeatMissed(ctx, uid, sessionID)
			logger.WithFields(logger.Fields{
				"uid":        uid,
				"session_id": sessionID,
				"age":        age,
				"missed":     missed,
			}).Warn("[watchdog] heartbeat late")

			w.notifier.Warn(ctx, uid, "session heartbeat late", map[string]interface{}{
				"session_id": sessionID,
				"age_sec":    int(age.Seconds()),
			})
		}
	}
	return nil
}

func (w *Watchdog) haltStale(ctx context.Context, snap *store.Snapshot, age time.Duration) {
	uid, sessionID := snap.UserID, snap.SessionID

	logger.WithFields(logger.Fields{
		"uid":        uid,
		"session_id": sessionID,
		"age":        age,
	}).Error("[watchdog] heartbeat stale, halting session")

	if err := w.store.Halt(ctx, uid, sessionID, safety.ReasonHeartbeat); err != nil {
		logger.WithError(err).Error("[watchdog] failed to halt stale session")
		return
	}

	metrics.SessionHalts.WithLabelValues(safety.ReasonHeartbeat).Inc()
	metrics.RunningSessions.Dec()

	if w.placement != nil && snap.WorkerHandle != "" {
		if err := w.placement.Release(ctx, snap.WorkerHandle); err != nil {
			logger.WithError(err).WithField("handle", snap.WorkerHandle).
				Warn("[watchdog] failed to release session worker")
		}
	}

	w.notifier.Error(ctx, uid, "session halted: heartbeat timeout", map[string]interface{}{
		"session_id": sessionID,
		"age_sec":    int(age.Seconds()),
	})
}
