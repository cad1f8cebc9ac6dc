// Package queue is a Redis-backed task queue with per-session queues and
// delayed delivery. It is the substrate of the self-rescheduling loops: a
// tick enqueues its own successor with a delay, so a session is driven
// without a dedicated thread and survives worker restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"axon/src/bus"
)

// delayedKey is the shared sorted set of not-yet-due jobs, scored by their
// due time in unix seconds.
const delayedKey = "queue:delayed"

// Task names.
const (
	TaskAnalyze        = "analyze_market"
	TaskPlaceTrade     = "place_trade"
	TaskHeartbeatPulse = "heartbeat_pulse"
)

// Job is one unit of work addressed to a session queue.
type Job struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	UID       string          `json:"uid"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewJob builds a job with a fresh id and a JSON-encoded payload.
func NewJob(task, uid, sessionID string, payload interface{}) (Job, error) {
	job := Job{
		ID:        uuid.NewString(),
		Task:      task,
		UID:       uid,
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("failed to encode job payload: %w", err)
		}
		job.Payload = raw
	}
	return job, nil
}

// Queue publishes jobs; Worker consumes them.
type Queue struct {
	conn bus.Conn
	now  func() time.Time
}

func New(conn bus.Conn) *Queue {
	return &Queue{conn: conn, now: time.Now}
}

// WithClock overrides the time source used for delayed scheduling.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	return &Queue{conn: q.conn, now: now}
}

// Enqueue pushes a job onto its session queue for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.conn.LPush(ctx, bus.SessionQueue(job.UID, job.SessionID), string(raw))
}

// EnqueueIn schedules a job for delivery after the given delay. The mover
// loop promotes it to its session queue once due.
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	due := float64(q.now().Add(delay).Unix())
	return q.conn.ZAdd(ctx, delayedKey, due, string(raw))
}

// PromoteDue moves every due delayed job onto its session queue. Returns the
// number of jobs promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	members, err := q.conn.PopDue(ctx, delayedKey, float64(q.now().Unix()))
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Malformed member: drop it rather than wedging the mover.
			continue
		}
		if err := q.conn.LPush(ctx, bus.SessionQueue(job.UID, job.SessionID), raw); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.Task == "" {
		return Job{}, fmt.Errorf("job missing task name")
	}
	return job, nil
}

// Queues lists the session queues that currently hold work.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	return q.conn.Keys(ctx, "user:*")
}
