package app

import (
	"context"
	"fmt"

	"scalpctl/internal/config"
	"scalpctl/internal/logger"
	"scalpctl/internal/market"
)

// MarketStack 聚合行情相关组件：原始 feed、带缓存的 feed、指数跟踪与预热。
type MarketStack struct {
	Raw     market.Feed
	Feed    *market.CachedFeed
	Index   *market.IndexTracker
	Preheat func(context.Context) int
}

func (b *AppBuilder) buildMarketStack(cfg *config.Config) (*MarketStack, error) {
	raw, err := b.feedFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	cached := market.NewCachedFeed(raw, market.NewMemoryBarStore(), seconds(cfg.Market.CacheSeconds))
	index := market.NewIndexTracker(cached, cfg.Universe.IndexSymbol, cfg.Market.IndexMAPeriod, cfg.Market.BarsLookback)
	preheater := market.NewPreheater(raw, cached.Store(), cfg.Market.BarsLookback)
	symbols := append([]string{cfg.Universe.IndexSymbol}, cfg.Universe.Symbols...)
	return &MarketStack{
		Raw:   raw,
		Feed:  cached,
		Index: index,
		Preheat: func(ctx context.Context) int {
			n := preheater.Preheat(ctx, symbols)
			logger.Infof("✓ 日线预热完成 %d/%d（lookback=%d）", n, len(symbols), cfg.Market.BarsLookback)
			return n
		},
	}, nil
}
