package bus

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RedisHost     string        `envconfig:"REDIS_HOST" default:"127.0.0.1"`
	RedisPort     int           `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize      int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns  int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout   time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout   time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout  time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
