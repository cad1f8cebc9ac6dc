package model

import "time"

const (
	TradeDirectionCall = "call"
	TradeDirectionPut  = "put"
)

const (
	TradeStatusPlaced = "placed"
	TradeStatusClosed = "closed"
)

const (
	TradeResultPending = "pending"
	TradeResultWin     = "win"
	TradeResultLose    = "lose"
)

// Trade represents one placed order and its outcome. A row is created when
// the brokerage accepts the order and updated exactly once when the position
// closes. Rows are never deleted; session counters are derived from them.
type Trade struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        string     `gorm:"size:60;index" json:"user_id"`
	SessionID     string     `gorm:"size:60;index" json:"session_id"`
	Pair          string     `gorm:"size:30;not null" json:"pair"`
	Direction     string     `gorm:"size:10;not null" json:"direction"`
	Amount        float64    `gorm:"not null" json:"amount"`
	ExpirySeconds int        `json:"expiry_seconds"`
	OrderID       string     `gorm:"size:60;uniqueIndex" json:"order_id"`
	Status        string     `gorm:"size:20;not null;default:placed" json:"status"`
	Result        string     `gorm:"size:20;not null;default:pending" json:"result"`
	Profit        float64    `json:"profit"`
	PlacedAt      time.Time  `json:"placed_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Trade) TableName() string {
	return "trades"
}
