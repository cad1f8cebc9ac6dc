// Package safety holds the pure decision logic that gates a trading session.
// It owns no I/O; the session store feeds it counters and applies its verdict.
package safety

import "github.com/shopspring/decimal"

// Halt reasons published with the halt event.
const (
	ReasonStopLoss      = "stop_loss"
	ReasonTakeProfit    = "take_profit"
	ReasonMaxLosses     = "max_consecutive_losses"
	ReasonMaxTrades     = "max_trades"
	ReasonHeartbeat     = "heartbeat_timeout"
	ReasonConnectFailed = "connect_failed"
	ReasonBadConfig     = "bad_config"
	ReasonUserStop      = "user_stop"
)

// Limits are the configured risk limits of a session. A zero value disables
// that limit.
type Limits struct {
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	MaxLosses  int
	MaxTrades  int
}

// Counters are the running safety counters of a session.
type Counters struct {
	Profit            decimal.Decimal
	Trades            int
	Wins              int
	ConsecutiveLosses int
}

// Apply folds one trade result into the counters. The consecutive-loss
// streak resets on a win and grows on a loss; every other counter is
// monotone.
func Apply(c Counters, deltaPnL decimal.Decimal, won bool) Counters {
	c.Profit = c.Profit.Add(deltaPnL)
	c.Trades++
	if won {
		c.Wins++
		c.ConsecutiveLosses = 0
	} else {
		c.ConsecutiveLosses++
	}
	return c
}

// Evaluate returns the first breached limit, or "" when the session may keep
// trading. Checks run in a fixed order (stop-loss, take-profit, consecutive
// losses, trade count) and short-circuit, so exactly one reason can be
// reported per evaluation.
func Evaluate(limits Limits, c Counters) string {
	if !limits.StopLoss.IsZero() && c.Profit.LessThanOrEqual(limits.StopLoss.Abs().Neg()) {
		return ReasonStopLoss
	}
	if !limits.TakeProfit.IsZero() && c.Profit.GreaterThanOrEqual(limits.TakeProfit.Abs()) {
		return ReasonTakeProfit
	}
	if limits.MaxLosses > 0 && c.ConsecutiveLosses >= limits.MaxLosses {
		return ReasonMaxLosses
	}
	if limits.MaxTrades > 0 && c.Trades >= limits.MaxTrades {
		return ReasonMaxTrades
	}
	return ""
}
