package broker

import "axon/src/model"

// Position is the state of one placed order as reported by the brokerage.
type Position struct {
	OrderID string  `json:"order_id"`
	Status  string  `json:"status"` // placed | closed
	Result  string  `json:"result"` // pending | win | lose
	PnL     float64 `json:"pnl"`
}

// Client is the adapter over one authenticated brokerage connection. A
// Connection Agent owns exactly one Client; everything brokerage-specific
// (endpoints, headers, token handling) stays behind this interface.
type Client interface {
	Connect() error
	Disconnect()
	CheckConnect() bool
	ChangeBalance(accountType string) error
	GetBalance() (float64, error)
	Buy(amount float64, pair, direction string, expirySeconds int) (string, error)
	CheckWin(orderID string) (*Position, error)
	GetCandles(pair string, timeframeSeconds, count int, endTimestamp int64) ([]model.Candle, error)
}
