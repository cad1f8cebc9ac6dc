package agent

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LivenessInterval  time.Duration `envconfig:"AGENT_LIVENESS_INTERVAL" default:"5s"`
	ReconnectAttempts int           `envconfig:"AGENT_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay    time.Duration `envconfig:"AGENT_RECONNECT_DELAY" default:"2s"`
	RetrySleep        time.Duration `envconfig:"AGENT_RETRY_SLEEP" default:"2s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
