package strategies

import "axon/src/model"

// EmaCrossover signals when the fast EMA crosses the slow EMA on the most
// recent bar.
type EmaCrossover struct {
	Fast int
	Slow int
}

func ema(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	k := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func (s *EmaCrossover) GenerateSignal(candles []model.Candle) *model.Signal {
	if len(candles) < s.Slow+1 {
		return nil
	}

	prices := closes(candles)
	fast := ema(prices, s.Fast)
	slow := ema(prices, s.Slow)

	last := len(prices) - 1
	prevDiff := fast[last-1] - slow[last-1]
	currDiff := fast[last] - slow[last]

	switch {
	case prevDiff <= 0 && currDiff > 0:
		return &model.Signal{Direction: model.TradeDirectionCall, Confidence: confidence(currDiff, prices[last])}
	case prevDiff >= 0 && currDiff < 0:
		return &model.Signal{Direction: model.TradeDirectionPut, Confidence: confidence(currDiff, prices[last])}
	}
	return nil
}

func confidence(diff, price float64) float64 {
	if price == 0 {
		return 0
	}
	c := diff / price
	if c < 0 {
		c = -c
	}
	if c > 1 {
		c = 1
	}
	return c
}
