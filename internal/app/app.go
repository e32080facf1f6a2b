package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"scalpctl/internal/config"
	"scalpctl/internal/engine"
	"scalpctl/internal/logger"
	"scalpctl/internal/scheduler"
	"scalpctl/internal/strategy/exit"
	adminhttp "scalpctl/internal/transport/http/admin"
)

// App 负责应用级编排：加载配置→初始化依赖→启动引擎与管理接口。
type App struct {
	cfg     *config.Config
	engine  *engine.Engine
	admin   *adminhttp.Server
	preheat func(context.Context) int
	exits   *exit.Policy
	session scheduler.Session
	Summary *StartupSummary

	closers   []func() error
	closeOnce sync.Once
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 预热行情后并行运行引擎与管理接口，ctx 结束或任一方出错时返回。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.engine == nil {
		return fmt.Errorf("engine not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.preheat != nil {
		a.preheat(ctx)
	}
	if a.cfg.Exit.HotReload && a.cfg.Path() != "" {
		err := config.WatchExit(a.cfg.Path(), func(ec config.ExitConfig) {
			a.exits.Update(exitParams(ec, a.session))
		})
		if err != nil {
			logger.Warnf("exit 规则热加载未启用: %v", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.admin != nil {
		group.Go(func() error {
			if err := a.admin.Start(ctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.engine.Run(ctx)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Engine exposes the engine for replay harnesses and tests.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) Admin() *adminhttp.Server {
	if a == nil {
		return nil
	}
	return a.admin
}

// Close releases stores and background workers in reverse build order.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				logger.Warnf("app close: %v", err)
			}
		}
	})
}
