package reconcile

import (
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/strategy/signal"
)

func signalFor(symbol string, price float64) signal.Signal {
	return signal.Signal{
		Symbol:   symbol,
		Decision: signal.DecisionBuy,
		Price:    price,
		Score:    score.Snapshot{Symbol: symbol, Grade: score.GradeB, Normalized: 74},
		At:       now,
	}
}
