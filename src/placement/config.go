package placement

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// BaseURL is optional; empty means sessions run on the shared workers.
	BaseURL   string        `envconfig:"PLACEMENT_BASE_URL"`
	AuthToken string        `envconfig:"PLACEMENT_AUTH_TOKEN"`
	Timeout   time.Duration `envconfig:"PLACEMENT_TIMEOUT" default:"10s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
