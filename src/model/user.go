package model

import "time"

type User struct {
	ID        string    `gorm:"primaryKey;size:60" json:"id"`
	Email     string    `gorm:"size:255;index" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserCredential holds the brokerage login for one user. The password is
// stored encrypted; only the credential store may decrypt it.
type UserCredential struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"size:60;uniqueIndex;not null" json:"user_id"`
	Email        string    `gorm:"size:255;not null" json:"email"`
	PasswordHash string    `gorm:"column:password;type:text" json:"-"`
	AccountType  string    `gorm:"size:20;default:PRACTICE" json:"account_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UserCredential) TableName() string {
	return "user_credentials"
}
