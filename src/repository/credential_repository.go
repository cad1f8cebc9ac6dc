package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"axon/src/database"
	"axon/src/model"
)

// CredentialRepository handles persistence for brokerage credentials.
// Passwords are stored encrypted; this layer never sees plaintext.
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new repository instance using the main database.
func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *CredentialRepository) WithDB(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// FindByUserID returns (nil, nil) when the user has no stored credential.
func (r *CredentialRepository) FindByUserID(ctx context.Context, userID string) (*model.UserCredential, error) {
	var credential model.UserCredential
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":    "CredentialRepository",
			"op":      "FindByUserID",
			"user_id": userID,
		}).WithError(err).Error("Failed to fetch credential")
		return nil, err
	}
	return &credential, nil
}

// Upsert stores or replaces the credential of one user.
func (r *CredentialRepository) Upsert(ctx context.Context, credential *model.UserCredential) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "CredentialRepository",
		"op":      "Upsert",
		"user_id": credential.UserID,
	}).Debug("Upserting credential")

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "password", "account_type", "updated_at"}),
		}).
		Create(credential).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "CredentialRepository",
			"op":      "Upsert",
			"user_id": credential.UserID,
		}).WithError(err).Error("Failed to upsert credential")
	}
	return err
}
