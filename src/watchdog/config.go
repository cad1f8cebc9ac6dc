package watchdog

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SweepInterval time.Duration `envconfig:"WATCHDOG_SWEEP_INTERVAL" default:"60s"`

	// PulseInterval is the self-requeue delay of the heartbeat pulse task.
	PulseInterval time.Duration `envconfig:"WATCHDOG_PULSE_INTERVAL" default:"30s"`

	// WarnThreshold flags a late heartbeat; StaleThreshold kills the session.
	WarnThreshold  time.Duration `envconfig:"WATCHDOG_WARN_THRESHOLD" default:"90s"`
	StaleThreshold time.Duration `envconfig:"WATCHDOG_STALE_THRESHOLD" default:"3m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
