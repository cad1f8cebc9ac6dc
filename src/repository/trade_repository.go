package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"axon/src/database"
	"axon/src/model"
)

// TradeRepository handles persistence for Trade entities.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new repository instance using the main database.
func NewTradeRepository() *TradeRepository {
	return &TradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create inserts a newly placed trade.
func (r *TradeRepository) Create(ctx context.Context, trade *model.Trade) error {
	logger.WithFields(map[string]interface{}{
		"repo":     "TradeRepository",
		"op":       "Create",
		"order_id": trade.OrderID,
		"pair":     trade.Pair,
		"amount":   trade.Amount,
	}).Debug("Creating trade")

	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create trade")
		return err
	}
	return nil
}

// FindByOrderID fetches a trade by its brokerage order id.
// Returns (nil, nil) when no row exists.
func (r *TradeRepository) FindByOrderID(ctx context.Context, orderID string) (*model.Trade, error) {
	var trade model.Trade
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "TradeRepository",
			"op":       "FindByOrderID",
			"order_id": orderID,
		}).WithError(err).Error("Failed to fetch trade by order id")
		return nil, err
	}
	return &trade, nil
}

// Close records the final outcome of a trade. Called exactly once per trade,
// when the position closes.
func (r *TradeRepository) Close(ctx context.Context, orderID, result string, profit float64, closedAt time.Time) error {
	logger.WithFields(map[string]interface{}{
		"repo":     "TradeRepository",
		"op":       "Close",
		"order_id": orderID,
		"result":   result,
		"profit":   profit,
	}).Debug("Closing trade")

	err := r.db.WithContext(ctx).
		Model(&model.Trade{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":    model.TradeStatusClosed,
			"result":    result,
			"profit":    profit,
			"closed_at": closedAt,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "TradeRepository",
			"op":       "Close",
			"order_id": orderID,
		}).WithError(err).Error("Failed to close trade")
	}
	return err
}

// FindBySession returns the trades of one session, newest first.
func (r *TradeRepository) FindBySession(ctx context.Context, sessionID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}

	var trades []model.Trade
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "TradeRepository",
			"op":         "FindBySession",
			"session_id": sessionID,
		}).WithError(err).Error("Failed to fetch trades by session")
		return nil, err
	}
	return trades, nil
}
