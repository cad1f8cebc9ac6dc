package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// TickInterval is the normal analysis cadence.
	TickInterval time.Duration `envconfig:"EXECUTOR_TICK_INTERVAL" default:"5s"`

	// QuickRescheduleDelay is used while a trade is in flight: the tick
	// yields fast so settlement is observed promptly.
	QuickRescheduleDelay time.Duration `envconfig:"EXECUTOR_QUICK_RESCHEDULE" default:"2s"`

	// BackoffDelay is used after a transient connect failure.
	BackoffDelay time.Duration `envconfig:"EXECUTOR_BACKOFF_DELAY" default:"30s"`

	// PairCooldown suppresses repeat signals on a pair after a trade.
	PairCooldown time.Duration `envconfig:"EXECUTOR_PAIR_COOLDOWN" default:"5m"`

	CandleCount int `envconfig:"EXECUTOR_CANDLE_COUNT" default:"100"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
