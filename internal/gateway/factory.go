package gateway

import (
	"fmt"
	"strings"
	"time"

	"scalpctl/internal/config"
	"scalpctl/internal/gateway/alpaca"
	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/market"
)

const defaultPaperPrice = 100

// Venue is the broker plus the raw quote feed it trades against.
type Venue struct {
	Broker broker.Broker
	Feed   market.Feed
	// Paper is set when orders are simulated locally.
	Paper *broker.Paper
}

// NewFeedFromConfig builds the quote feed named by market.kind.
func NewFeedFromConfig(cfg *config.Config) (market.Feed, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	switch strings.ToLower(cfg.Market.Kind) {
	case "", "paper":
		feed := market.NewSyntheticFeed(time.Now().UnixNano())
		symbols := append([]string{cfg.Universe.IndexSymbol}, cfg.Universe.Symbols...)
		for _, sym := range symbols {
			px, ok := cfg.Market.PaperPrices[sym]
			if !ok || px <= 0 {
				px = defaultPaperPrice
			}
			feed.SetPrice(sym, px)
		}
		if cfg.Market.PaperWalkPct > 0 {
			feed.Walk(cfg.Market.PaperWalkPct)
		}
		return feed, nil
	case "alpaca":
		return alpaca.NewFeed(alpacaConfig(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported market kind: %s", cfg.Market.Kind)
	}
}

// NewVenueFromConfig builds the broker named by broker.kind on top of feed.
func NewVenueFromConfig(cfg *config.Config, feed market.Feed, clock func() time.Time) (Venue, error) {
	if cfg == nil {
		return Venue{}, fmt.Errorf("nil config")
	}
	if feed == nil {
		return Venue{}, fmt.Errorf("nil feed")
	}
	switch strings.ToLower(cfg.Broker.Kind) {
	case "", "paper":
		opts := []broker.PaperOption{broker.WithFillDelay(time.Duration(cfg.Broker.PaperFillSeconds) * time.Second)}
		if clock != nil {
			opts = append(opts, broker.WithPaperClock(clock))
		}
		paper := broker.NewPaper(feed, cfg.Broker.PaperCash, opts...)
		return Venue{Broker: paper, Feed: feed, Paper: paper}, nil
	case "alpaca":
		return Venue{Broker: alpaca.NewBroker(alpacaConfig(cfg)), Feed: feed}, nil
	default:
		return Venue{}, fmt.Errorf("unsupported broker kind: %s", cfg.Broker.Kind)
	}
}

func alpacaConfig(cfg *config.Config) alpaca.Config {
	return alpaca.Config{
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		BaseURL:   cfg.Broker.BaseURL,
		DataURL:   cfg.Market.DataURL,

		// 额外留出周末与节假日
		BarsWindow: time.Duration(cfg.Market.BarsLookback*2) * 24 * time.Hour,
	}
}
