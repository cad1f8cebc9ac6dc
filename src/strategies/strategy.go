// Package strategies contains the pluggable signal generators. A strategy is
// a pure function from a candle sequence to an optional directional signal;
// "not enough data" is a normal nil result, not an error.
package strategies

import (
	"sort"
	"sync"

	"axon/src/model"
)

type Strategy interface {
	// GenerateSignal returns a signal, or nil when the market gives no edge.
	GenerateSignal(candles []model.Candle) *model.Signal
}

var (
	mu       sync.RWMutex
	registry = map[string]Strategy{}
)

// Register makes a strategy available under the given id. Later
// registrations replace earlier ones.
func Register(id string, s Strategy) {
	mu.Lock()
	defer mu.Unlock()
	registry[id] = s
}

// Get returns the strategy registered under id, or nil when unknown.
func Get(id string) Strategy {
	mu.RLock()
	defer mu.RUnlock()
	return registry[id]
}

// IDs lists the registered strategy ids, sorted.
func IDs() []string {
	mu.RLock()
	defer mu.RUnlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func init() {
	Register("ema_crossover", &EmaCrossover{Fast: 5, Slow: 20})
	Register("rsi", &RSI{Period: 14, Overbought: 70, Oversold: 30})
}
