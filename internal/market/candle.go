package market

import "time"

// Candle is one daily bar. The last candle of a series may be the session in
// progress, in which case Close is the latest trade.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Bullish reports close above open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Valid reports whether the bar has usable, consistent prices.
func (c Candle) Valid() bool {
	return c.Open > 0 && c.High > 0 && c.Low > 0 && c.Close > 0 && c.High >= c.Low
}
