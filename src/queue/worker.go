package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"axon/src/model"
)

// Handler processes one job. Errors are logged, not retried: tasks that want
// retry semantics reschedule themselves.
type Handler func(ctx context.Context, job Job) error

// ExceptionSink persists task failures for later inspection.
type ExceptionSink interface {
	Create(ctx context.Context, exc *model.Exception) error
}

// Worker consumes session queues with a pool of goroutines plus a mover loop
// that promotes due delayed jobs.
type Worker struct {
	queue      *Queue
	handlers   map[string]Handler
	exceptions ExceptionSink

	popTimeout   time.Duration
	moveInterval time.Duration
}

func NewWorker(queue *Queue) *Worker {
	return &Worker{
		queue:        queue,
		handlers:     map[string]Handler{},
		popTimeout:   time.Second,
		moveInterval: 500 * time.Millisecond,
	}
}

// Register binds a handler to a task name. Must be called before Run.
func (w *Worker) Register(task string, handler Handler) {
	w.handlers[task] = handler
}

// WithExceptionSink records handler failures and panics as exception rows.
// Must be called before Run.
func (w *Worker) WithExceptionSink(sink ExceptionSink) *Worker {
	w.exceptions = sink
	return w
}

// Run blocks until ctx is cancelled, consuming jobs with the given
// concurrency.
func (w *Worker) Run(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	logger.WithField("concurrency", concurrency).Info("[queue] worker starting")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.moverLoop(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}

	wg.Wait()
	logger.Info("[queue] worker stopped")
}

func (w *Worker) moverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.moveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("[queue] failed to promote delayed jobs")
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		queues, err := w.queue.Queues(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("[queue] failed to list queues")
			}
			sleepCtx(ctx, w.popTimeout)
			continue
		}
		if len(queues) == 0 {
			sleepCtx(ctx, w.popTimeout)
			continue
		}

		key, payload, err := w.queue.conn.BRPop(ctx, w.popTimeout, queues...)
		if err != nil {
			continue
		}

		w.dispatch(ctx, key, payload)
	}
}

func (w *Worker) dispatch(ctx context.Context, queueKey, payload string) {
	job, err := decodeJob(payload)
	if err != nil {
		logger.WithError(err).WithField("queue", queueKey).Warn("[queue] dropping malformed job")
		return
	}

	handler, ok := w.handlers[job.Task]
	if !ok {
		logger.WithFields(logger.Fields{
			"task":  job.Task,
			"queue": queueKey,
		}).Warn("[queue] no handler registered for task")
		return
	}

	start := time.Now()
	err, stack := w.invoke(ctx, handler, job)
	if err != nil {
		logger.WithError(err).WithFields(logger.Fields{
			"task":       job.Task,
			"uid":        job.UID,
			"session_id": job.SessionID,
		}).Error("[queue] task failed")
		w.recordException(ctx, job, err, stack)
		return
	}

	logger.WithFields(logger.Fields{
		"task":       job.Task,
		"uid":        job.UID,
		"session_id": job.SessionID,
		"elapsed":    time.Since(start),
	}).Debug("[queue] task completed")
}

// invoke shields the pool from handler panics. A panicking task is turned
// into an error and dropped; the other sessions' consumers keep running.
func (w *Worker) invoke(ctx context.Context, handler Handler, job Job) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, job), ""
}

func (w *Worker) recordException(ctx context.Context, job Job, err error, stack string) {
	if w.exceptions == nil {
		return
	}

	exc := &model.Exception{
		Service: "worker",
		Module:  "queue",
		Method:  job.Task,
		Message: err.Error(),
		Stack:   stack,
		Level:   "error",
		Context: fmt.Sprintf(`{"uid":%q,"session_id":%q}`, job.UID, job.SessionID),
	}
	if createErr := w.exceptions.Create(ctx, exc); createErr != nil {
		logger.WithError(createErr).Warn("[queue] failed to persist exception")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
