package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"axon/src/broker"
	"axon/src/metrics"
	"axon/src/model"
	"axon/src/queue"
)

// TradeOrder is the payload of a place_trade job.
type TradeOrder struct {
	Pair          string  `json:"pair"`
	Direction     string  `json:"direction"`
	Amount        float64 `json:"amount"`
	ExpirySeconds int     `json:"expiry_seconds"`
}

// HandlePlaceTrade submits one order and follows it to settlement. The
// active-trade slot claimed by the analysis tick is released on every exit
// path; leaking it would wedge the session permanently.
func (l *Loop) HandlePlaceTrade(ctx context.Context, job queue.Job) error {
	uid, sessionID := job.UID, job.SessionID
	log := logger.WithFields(logger.Fields{"uid": uid, "session_id": sessionID})

	released := false
	release := func() {
		if !released {
			released = true
			if err := l.store.DecrActiveTrades(ctx, uid, sessionID); err != nil {
				log.WithError(err).Error("[trade] failed to release trade slot")
			}
		}
	}
	defer release()

	var order TradeOrder
	if err := json.Unmarshal(job.Payload, &order); err != nil {
		return fmt.Errorf("malformed trade order: %w", err)
	}

	snap, err := l.store.Snapshot(ctx, uid, sessionID)
	if err != nil {
		return err
	}
	if snap == nil || snap.Status != model.SessionStatusRunning {
		log.Info("[trade] session no longer running, dropping order")
		return nil
	}

	creds, accountType, err := l.creds.Resolve(ctx, uid)
	if err == nil {
		err = l.gateway.Connect(ctx, uid, creds, accountType)
	}
	if err != nil {
		log.WithError(err).Warn("[trade] connect failed, order not placed")
		_ = l.store.IncrRetries(ctx, uid, sessionID)
		return nil
	}

	orderID, err := l.gateway.PlaceOrder(ctx, uid, order.Pair, order.Direction, order.Amount, order.ExpirySeconds)
	if err != nil {
		l.recordRejection(ctx, uid, sessionID, order, err)
		return nil
	}

	metrics.TradesPlaced.WithLabelValues(order.Direction).Inc()
	metrics.TradesInFlight.Inc()
	defer metrics.TradesInFlight.Dec()

	placedAt := l.now()
	if l.trades != nil {
		if err := l.trades.Create(ctx, &model.Trade{
			UserID:        uid,
			SessionID:     sessionID,
			Pair:          order.Pair,
			Direction:     order.Direction,
			Amount:        order.Amount,
			ExpirySeconds: order.ExpirySeconds,
			OrderID:       orderID,
			Status:        model.TradeStatusPlaced,
			Result:        model.TradeResultPending,
			PlacedAt:      placedAt,
		}); err != nil {
			log.WithError(err).Warn("[trade] failed to persist trade row")
		}
	}

	l.notifier.Info(ctx, uid, "order placed: "+order.Direction+" "+order.Pair, map[string]interface{}{
		"session_id": sessionID,
		"order_id":   orderID,
		"amount":     order.Amount,
	})

	position, err := l.gateway.PollPosition(ctx, uid, orderID)
	if err != nil {
		// The order is live but its outcome is unknown; the trade row stays
		// pending and the counters are left untouched.
		log.WithError(err).WithField("order_id", orderID).Error("[trade] settlement unknown")
		l.notifier.Warn(ctx, uid, "trade settlement unknown", map[string]interface{}{
			"session_id": sessionID,
			"order_id":   orderID,
		})
		return nil
	}

	won := position.Result == model.TradeResultWin
	result := model.TradeResultLose
	if won {
		result = model.TradeResultWin
	}

	if l.trades != nil {
		if err := l.trades.Close(ctx, orderID, result, position.PnL, l.now()); err != nil {
			log.WithError(err).Warn("[trade] failed to close trade row")
		}
	}
	metrics.TradesClosed.WithLabelValues(result).Inc()

	// Release before folding the result in, so a halt decision never races
	// a stuck gate.
	release()

	reason, err := l.store.UpdateMetrics(ctx, uid, sessionID, decimal.NewFromFloat(position.PnL), won)
	if err != nil {
		return err
	}
	if reason != "" {
		metrics.SessionHalts.WithLabelValues(reason).Inc()
		metrics.RunningSessions.Dec()

		l.notifier.Warn(ctx, uid, "session halted: "+reason, map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
		})

		if l.sessions != nil {
			fresh, snapErr := l.store.Snapshot(ctx, uid, sessionID)
			if snapErr == nil && fresh != nil {
				profit, _ := fresh.Counters.Profit.Float64()
				_ = l.sessions.Finish(ctx, sessionID, model.SessionStatusHalted, reason, profit, fresh.Counters.Trades, l.now())
			}
		}
	}

	log.WithFields(logger.Fields{
		"order_id": orderID,
		"result":   result,
		"pnl":      position.PnL,
	}).Info("[trade] settled")

	return nil
}

func (l *Loop) recordRejection(ctx context.Context, uid, sessionID string, order TradeOrder, err error) {
	logger.WithError(err).WithFields(logger.Fields{
		"uid":        uid,
		"session_id": sessionID,
		"pair":       order.Pair,
	}).Warn("[trade] order rejected")

	_ = l.store.IncrRejects(ctx, uid, sessionID)

	message := "order rejected"
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) {
		message = "order rejected: " + brokerErr.Code
	}
	l.notifier.Warn(ctx, uid, message, map[string]interface{}{
		"session_id": sessionID,
		"pair":       order.Pair,
	})
}
