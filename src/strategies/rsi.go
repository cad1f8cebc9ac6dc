package strategies

import "axon/src/model"

// RSI signals mean reversion at the configured overbought/oversold levels.
type RSI struct {
	Period     int
	Overbought float64
	Oversold   float64
}

func (s *RSI) GenerateSignal(candles []model.Candle) *model.Signal {
	if len(candles) < s.Period+1 {
		return nil
	}

	prices := closes(candles)
	start := len(prices) - s.Period - 1

	var gains, losses float64
	for i := start + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	if losses == 0 {
		if gains == 0 {
			return nil // flat market
		}
		losses = 1e-9
	}

	rs := (gains / float64(s.Period)) / (losses / float64(s.Period))
	rsi := 100 - 100/(1+rs)

	switch {
	case rsi <= s.Oversold:
		return &model.Signal{Direction: model.TradeDirectionCall, Confidence: (s.Oversold - rsi) / s.Oversold}
	case rsi >= s.Overbought:
		return &model.Signal{Direction: model.TradeDirectionPut, Confidence: (rsi - s.Overbought) / (100 - s.Overbought)}
	}
	return nil
}
