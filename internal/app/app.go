// Package app 负责应用级编排：加载配置→装配依赖→启动回测服务与实盘循环。
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sable/internal/backtest"
	sbcfg "sable/internal/config"
	"sable/internal/engine"
	"sable/internal/logger"
	"sable/internal/risk"
	"sable/internal/store/gormstore"
)

// App 持有全部已装配的组件。Run 之外不做任何启动动作。
type App struct {
	cfg      *sbcfg.Config
	registry *risk.ProfileRegistry

	candles      *backtest.CandleStore
	results      *backtest.ResultStore
	fetch        *backtest.FetchService
	simulator    *backtest.Simulator
	backtestHTTP *backtest.HTTPServer

	engine     *engine.Engine
	stateStore *gormstore.GormStore
	lock       *gormstore.FileLock
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *sbcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine 暴露实盘循环（回放测试用）。
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Simulator 暴露回测执行器（CLI 直跑用）。
func (a *App) Simulator() *backtest.Simulator {
	if a == nil {
		return nil
	}
	return a.simulator
}

// Run 启动已启用的组件并阻塞到 ctx 取消或某个组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	if a.fetch != nil {
		a.fetch.SetContext(ctx)
	}
	if a.simulator != nil {
		a.simulator.SetContext(ctx)
	}

	if a.backtestHTTP != nil {
		group.Go(func() error {
			if err := a.backtestHTTP.Start(ctx); err != nil {
				return fmt.Errorf("backtest http server error: %w", err)
			}
			return nil
		})
	}
	if a.engine != nil {
		group.Go(func() error {
			return a.engine.Run(ctx)
		})
	}
	return group.Wait()
}

// Close 释放存储与锁，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.candles != nil {
		a.candles.Close()
		a.candles = nil
	}
	if a.results != nil {
		a.results.Close()
		a.results = nil
	}
	if a.stateStore != nil {
		a.stateStore.Close()
		a.stateStore = nil
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			logger.Warnf("释放状态锁失败: %v", err)
		}
		a.lock = nil
	}
}
