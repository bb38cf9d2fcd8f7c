package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sable/internal/backtest"
	sbcfg "sable/internal/config"
	"sable/internal/engine"
	"sable/internal/gateway/binance"
	"sable/internal/gateway/notifier"
	"sable/internal/logger"
	"sable/internal/market"
	"sable/internal/risk"
	"sable/internal/signal"
	"sable/internal/sim"
	"sable/internal/store/gormstore"
)

// AppBuilder 按配置逐层装配应用依赖。构造函数式字段允许测试替换
// 外部依赖（行情源、通知器）。
type AppBuilder struct {
	cfg *sbcfg.Config

	marketSourcesFn func(sbcfg.MarketConfig) (map[string]market.Source, string, error)
	notifierFn      func(sbcfg.NotifyConfig) notifier.TextNotifier
	persistenceFn   func(sbcfg.EngineConfig) (*gormstore.GormStore, sim.Persistence, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *sbcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:             cfg,
		marketSourcesFn: buildMarketSources,
		notifierFn:      buildNotifier,
		persistenceFn:   buildPersistence,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	registry, err := risk.NewProfileRegistry(cfg.Risk.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("加载风控档位失败: %w", err)
	}
	snap := registry.Snapshot()
	logger.Infof("✓ 已加载 %d 个风控档位: %v", len(snap.Profiles), snap.Names())

	sources, activeName, err := b.marketSourcesFn(cfg.Market)
	if err != nil {
		return nil, err
	}

	app := &App{cfg: cfg, registry: registry}

	if cfg.Backtest.Enabled {
		if err := b.buildBacktestStack(app, sources); err != nil {
			return nil, err
		}
	}

	if cfg.Engine.Enabled {
		active, ok := sources[activeName]
		if !ok {
			return nil, fmt.Errorf("engine 需要行情源 %s", activeName)
		}
		if err := b.buildEngineStack(app, registry, active); err != nil {
			return nil, err
		}
	}

	if app.backtestHTTP == nil && app.engine == nil {
		return nil, fmt.Errorf("backtest 与 engine 均未启用，无事可做")
	}
	return app, nil
}

func (b *AppBuilder) buildBacktestStack(app *App, sources map[string]market.Source) error {
	cfg := b.cfg
	candles, err := backtest.NewCandleStore(cfg.Backtest.DataDir)
	if err != nil {
		return fmt.Errorf("初始化 K 线存储失败: %w", err)
	}
	app.candles = candles

	results, err := backtest.NewResultStore(cfg.Backtest.ResultsDir)
	if err != nil {
		return fmt.Errorf("初始化结果存储失败: %w", err)
	}
	app.results = results

	fetchSvc, err := backtest.NewFetchService(backtest.FetchServiceConfig{
		Store:           candles,
		Sources:         sources,
		DefaultExchange: cfg.Market.ActiveSource,
		RateLimitPerMin: cfg.Backtest.FetchRatePerMin,
		MaxConcurrent:   cfg.Backtest.FetchConcurrent,
	})
	if err != nil {
		return fmt.Errorf("初始化数据拉取服务失败: %w", err)
	}
	app.fetch = fetchSvc

	simulator, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Candles:        candles,
		Results:        results,
		Profiles:       func() map[string]risk.Profile { return app.registry.Snapshot().Profiles },
		Provider:       b.providerFactory(),
		MaxConcurrent:  cfg.Backtest.MaxConcurrent,
		DefaultBalance: cfg.Backtest.DefaultBalance,
		Notify:         b.notifierFn(cfg.Notify),
		SnapshotDir:    cfg.Report.OutputDir,
	})
	if err != nil {
		return fmt.Errorf("初始化回测执行器失败: %w", err)
	}
	app.simulator = simulator

	httpSrv, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:    cfg.Backtest.HTTPAddr,
		Fetch:   fetchSvc,
		Candles: candles,
		Sim:     simulator,
		Results: results,
	})
	if err != nil {
		return fmt.Errorf("初始化回测 HTTP 服务失败: %w", err)
	}
	app.backtestHTTP = httpSrv
	return nil
}

func (b *AppBuilder) buildEngineStack(app *App, registry *risk.ProfileRegistry, source market.Source) error {
	cfg := b.cfg
	profile, ok := registry.Profile(cfg.Risk.ActiveProfile)
	if !ok {
		return fmt.Errorf("风控档位 %s 不存在", cfg.Risk.ActiveProfile)
	}

	lock, err := gormstore.AcquireFileLock(cfg.Engine.LockPath)
	if err != nil {
		return fmt.Errorf("获取状态锁失败: %w", err)
	}
	app.lock = lock

	store, persist, err := b.persistenceFn(cfg.Engine)
	if err != nil {
		lock.Release()
		return err
	}
	app.stateStore = store

	provider, minLookback, err := b.engineProvider()
	if err != nil {
		lock.Release()
		return err
	}

	eng, err := engine.New(engine.Config{
		Symbol:         cfg.Engine.Symbol,
		Interval:       cfg.Engine.Interval,
		Lookback:       cfg.Engine.Lookback,
		PollInterval:   time.Duration(cfg.Engine.PollSeconds) * time.Second,
		InitialBalance: cfg.Engine.InitialBalance,
		SlippageBps:    cfg.Engine.SlippageBps,
		Profile:        profile,
		MinLookback:    minLookback,
	}, source, provider, persist, b.notifierFn(cfg.Notify))
	if err != nil {
		lock.Release()
		return fmt.Errorf("初始化 engine 失败: %w", err)
	}
	app.engine = eng
	return nil
}

// providerFactory 返回回测用的信号源工厂。momentum 的指标参数取配置，
// replay 每次 run 重建游标，避免多个 run 共享消费进度。
func (b *AppBuilder) providerFactory() backtest.ProviderFactory {
	sigCfg := b.cfg.Signal
	return func(risk.Profile) (signal.Provider, int, error) {
		switch sigCfg.Source {
		case "replay":
			replay, err := signal.LoadReplayFile(sigCfg.ReplayPath)
			if err != nil {
				return nil, 0, err
			}
			return replay, 1, nil
		default:
			mc := momentumConfig(sigCfg.Momentum)
			return signal.NewMomentum(mc), mc.MinLookback(), nil
		}
	}
}

func (b *AppBuilder) engineProvider() (signal.Provider, int, error) {
	return b.providerFactory()(risk.Profile{})
}

func momentumConfig(p sbcfg.MomentumParams) signal.MomentumConfig {
	return signal.MomentumConfig{
		EMAFast:       p.EMAFast,
		EMASlow:       p.EMASlow,
		RSIPeriod:     p.RSIPeriod,
		RSIOverbought: p.RSIOverbought,
		RSIOversold:   p.RSIOversold,
		ATRPeriod:     p.ATRPeriod,
		ATRStopMult:   p.ATRStopMult,
	}
}

func buildMarketSources(cfg sbcfg.MarketConfig) (map[string]market.Source, string, error) {
	sources := make(map[string]market.Source)
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		switch name {
		case "binance":
			client, err := binance.New(binance.Config{
				RESTBaseURL:  src.RESTBaseURL,
				HTTPTimeout:  time.Duration(src.TimeoutSeconds) * time.Second,
				ProxyEnabled: src.Proxy.Enabled,
				RESTProxyURL: src.Proxy.RESTURL,
			})
			if err != nil {
				return nil, "", fmt.Errorf("初始化 binance 数据源失败: %w", err)
			}
			sources[name] = client
		default:
			return nil, "", fmt.Errorf("不支持的数据源: %s", src.Name)
		}
	}
	if len(sources) == 0 {
		return nil, "", fmt.Errorf("没有可用的行情数据源")
	}
	active := strings.ToLower(strings.TrimSpace(cfg.ActiveSource))
	if _, ok := sources[active]; !ok {
		for name := range sources {
			active = name
			break
		}
	}
	return sources, active, nil
}

func buildNotifier(cfg sbcfg.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func buildPersistence(cfg sbcfg.EngineConfig) (*gormstore.GormStore, sim.Persistence, error) {
	store, err := gormstore.NewGormStore(cfg.StateDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化状态库失败: %w", err)
	}
	return store, gormstore.NewPersistence(store, cfg.PortfolioName), nil
}

func WithMarketSources(fn func(sbcfg.MarketConfig) (map[string]market.Source, string, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketSourcesFn = fn
		}
	}
}

func WithNotifier(fn func(sbcfg.NotifyConfig) notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

func WithPersistence(fn func(sbcfg.EngineConfig) (*gormstore.GormStore, sim.Persistence, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.persistenceFn = fn
		}
	}
}
