package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"axon/src/database"
	"axon/src/model"
)

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(ctx context.Context, exc *model.Exception) error {
	logger.WithFields(map[string]interface{}{
		"service": exc.Service,
		"module":  exc.Module,
		"method":  exc.Method,
		"level":   exc.Level,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// FindRecent returns the most recent exceptions for a service.
func (r *ExceptionRepository) FindRecent(ctx context.Context, service string, limit int) ([]model.Exception, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if service != "" {
		query = query.Where("service = ?", service)
	}

	var exceptions []model.Exception
	if err := query.Find(&exceptions).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "ExceptionRepository",
			"op":      "FindRecent",
			"service": service,
		}).WithError(err).Error("Failed to fetch exceptions")
		return nil, err
	}
	return exceptions, nil
}
