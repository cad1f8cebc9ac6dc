package model

import "time"

const (
	SessionModeSignal = "signal"
	SessionModeAuto   = "auto"
)

const (
	SessionStatusRunning = "running"
	SessionStatusHalted  = "halted"
	SessionStatusFailed  = "failed"
)

// Session is the audit record of one strategy run for one user. The live
// control state (counters, heartbeat, limits) lives in the session store;
// this row is written by the core and never read back for control decisions.
type Session struct {
	ID         string     `gorm:"primaryKey;size:60" json:"id"`
	UserID     string     `gorm:"size:60;index" json:"user_id"`
	Mode       string     `gorm:"size:20;index" json:"mode"`
	Status     string     `gorm:"size:20;index" json:"status"`
	StrategyID string     `gorm:"size:60" json:"strategy_id"`
	Pairs      string     `gorm:"size:512" json:"pairs"`
	Timeframe  string     `gorm:"size:20" json:"timeframe"`
	Amount     float64    `json:"amount"`
	HaltReason string     `gorm:"size:60" json:"halt_reason,omitempty"`
	Profit     float64    `json:"profit"`
	Trades     int        `json:"trades"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Session) TableName() string {
	return "sessions"
}
