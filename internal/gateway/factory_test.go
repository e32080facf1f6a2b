package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/config"
)

func paperConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Universe.Symbols = []string{"AAPL", "MSFT"}
	cfg.Universe.IndexSymbol = "SPY"
	cfg.Market.Kind = "paper"
	cfg.Market.PaperPrices = map[string]float64{"AAPL": 180}
	cfg.Broker.Kind = "paper"
	cfg.Broker.PaperCash = 5000
	return cfg
}

func TestNewFeedFromConfig_PaperSeedsPrices(t *testing.T) {
	feed, err := NewFeedFromConfig(paperConfig())
	require.NoError(t, err)

	px, err := feed.LatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 180.0, px)

	px, err = feed.LatestPrice(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, float64(defaultPaperPrice), px)
}

func TestNewVenueFromConfig_Paper(t *testing.T) {
	cfg := paperConfig()
	feed, err := NewFeedFromConfig(cfg)
	require.NoError(t, err)
	venue, err := NewVenueFromConfig(cfg, feed, nil)
	require.NoError(t, err)
	require.NotNil(t, venue.Paper)
	assert.Equal(t, "paper", venue.Broker.Name())

	cash, err := venue.Paper.Cash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5000", cash.String())
}

func TestNewVenueFromConfig_Alpaca(t *testing.T) {
	cfg := paperConfig()
	cfg.Broker.Kind = "alpaca"
	cfg.Broker.APIKey = "key"
	cfg.Broker.APISecret = "secret"
	feed, err := NewFeedFromConfig(cfg)
	require.NoError(t, err)
	venue, err := NewVenueFromConfig(cfg, feed, nil)
	require.NoError(t, err)
	assert.Nil(t, venue.Paper)
	assert.Equal(t, "alpaca", venue.Broker.Name())
}

func TestNewVenueFromConfig_Unknown(t *testing.T) {
	cfg := paperConfig()
	cfg.Broker.Kind = "ibkr"
	feed, err := NewFeedFromConfig(cfg)
	require.NoError(t, err)
	_, err = NewVenueFromConfig(cfg, feed, nil)
	assert.ErrorContains(t, err, "unsupported broker kind")

	cfg.Market.Kind = "polygon"
	_, err = NewFeedFromConfig(cfg)
	assert.ErrorContains(t, err, "unsupported market kind")
}
