package supervisor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Short probe used to decide whether an existing agent is alive.
	PingTimeout time.Duration `envconfig:"SUPERVISOR_PING_TIMEOUT" default:"3s"`

	CommandTimeout time.Duration `envconfig:"SUPERVISOR_COMMAND_TIMEOUT" default:"10s"`
	BuyTimeout     time.Duration `envconfig:"SUPERVISOR_BUY_TIMEOUT" default:"30s"`
	CandlesTimeout time.Duration `envconfig:"SUPERVISOR_CANDLES_TIMEOUT" default:"30s"`

	// Position polling must outlive the option expiry, so this one is
	// minutes-scale.
	CheckWinTimeout time.Duration `envconfig:"SUPERVISOR_CHECK_WIN_TIMEOUT" default:"5m"`

	ConnectWait time.Duration `envconfig:"SUPERVISOR_CONNECT_WAIT" default:"30s"`
	ConnectPoll time.Duration `envconfig:"SUPERVISOR_CONNECT_POLL" default:"500ms"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
