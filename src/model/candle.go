package model

// Candle is one OHLCV bar as returned by the brokerage.
type Candle struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Open   float64 `json:"open"`
	High   float64 `json:"max"`
	Low    float64 `json:"min"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Signal is an optional directional trading signal produced by a strategy.
type Signal struct {
	Direction  string  `json:"direction"` // call | put
	Confidence float64 `json:"confidence"`
}
