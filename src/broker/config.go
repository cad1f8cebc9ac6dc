package broker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	GatewayURL     string        `envconfig:"BROKER_GATEWAY_URL" default:"http://localhost:8800"`
	RequestTimeout time.Duration `envconfig:"BROKER_REQUEST_TIMEOUT" default:"15s"`
	RetryAttempts  int           `envconfig:"BROKER_RETRY_ATTEMPTS" default:"4"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
