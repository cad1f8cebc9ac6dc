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

// SessionRepository handles persistence for Session audit rows.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new repository instance using the main database.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SessionRepository) WithDB(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts the audit row for a freshly started session.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	logger.WithFields(map[string]interface{}{
		"repo":       "SessionRepository",
		"op":         "Create",
		"session_id": session.ID,
		"user_id":    session.UserID,
		"mode":       session.Mode,
	}).Debug("Creating session")

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SessionRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create session")
		return err
	}
	return nil
}

// FindByID returns (nil, nil) when the session does not exist.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":       "SessionRepository",
			"op":         "FindByID",
			"session_id": id,
		}).WithError(err).Error("Failed to fetch session")
		return nil, err
	}
	return &session, nil
}

// Finish records the terminal state and final totals of a session.
func (r *SessionRepository) Finish(ctx context.Context, id, status, haltReason string, profit float64, trades int, stoppedAt time.Time) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "SessionRepository",
		"op":          "Finish",
		"session_id":  id,
		"status":      status,
		"halt_reason": haltReason,
	}).Info("Finishing session")

	err := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"halt_reason": haltReason,
			"profit":      profit,
			"trades":      trades,
			"stopped_at":  stoppedAt,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "SessionRepository",
			"op":         "Finish",
			"session_id": id,
		}).WithError(err).Error("Failed to finish session")
	}
	return err
}

// FindLatestByUser returns a user's sessions, newest first.
func (r *SessionRepository) FindLatestByUser(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 20
	}

	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "SessionRepository",
			"op":      "FindLatestByUser",
			"user_id": userID,
		}).WithError(err).Error("Failed to fetch sessions by user")
		return nil, err
	}
	return sessions, nil
}
