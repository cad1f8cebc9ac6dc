// Package credentials resolves the decrypted brokerage login of a user.
// Missing or undecryptable credentials are configuration-class failures: the
// session must fail rather than retry.
package credentials

import (
	"context"

	"axon/src/broker"
	"axon/src/model"
	"axon/src/repository"
	"axon/src/security"
	"axon/src/supervisor"
)

type credentialRepo interface {
	FindByUserID(ctx context.Context, userID string) (*model.UserCredential, error)
	Upsert(ctx context.Context, credential *model.UserCredential) error
}

type Store struct {
	repo credentialRepo
}

func NewStore() *Store {
	return &Store{repo: repository.NewCredentialRepository()}
}

// WithRepository overrides the credential lookup. Used by tests.
func (s *Store) WithRepository(repo credentialRepo) *Store {
	return &Store{repo: repo}
}

// Resolve returns the decrypted login and preferred account type for a user.
func (s *Store) Resolve(ctx context.Context, userID string) (supervisor.Credentials, string, error) {
	credential, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return supervisor.Credentials{}, "", err
	}
	if credential == nil {
		return supervisor.Credentials{}, "", broker.NewError(broker.CodeBadCredentials, "no brokerage credentials stored for user %s", userID)
	}

	password, err := security.DecryptString(credential.PasswordHash)
	if err != nil {
		return supervisor.Credentials{}, "", broker.NewError(broker.CodeBadCredentials, "stored credentials for user %s cannot be decrypted", userID)
	}

	accountType := credential.AccountType
	if accountType == "" {
		accountType = "PRACTICE"
	}

	return supervisor.Credentials{Email: credential.Email, Password: password}, accountType, nil
}

// Save encrypts and stores a login.
func (s *Store) Save(ctx context.Context, userID, email, password, accountType string) error {
	encrypted, err := security.EncryptString(password)
	if err != nil {
		return err
	}
	return s.repo.Upsert(ctx, &model.UserCredential{
		UserID:       userID,
		Email:        email,
		PasswordHash: encrypted,
		AccountType:  accountType,
	})
}
