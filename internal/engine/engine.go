// Package engine 驱动实盘/纸面运行：定时拉取最新 K 线，把新收盘的
// K 线推进账本，并在每根之后持久化。实盘路径上持久化失败立即终止。
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sable/internal/gateway/notifier"
	"sable/internal/logger"
	"sable/internal/market"
	"sable/internal/risk"
	"sable/internal/signal"
	"sable/internal/sim"
)

// Config 配置一个 Engine 实例。
type Config struct {
	Symbol         string
	Interval       string
	Lookback       int
	PollInterval   time.Duration
	InitialBalance float64
	SlippageBps    float64
	Profile        risk.Profile
	MinLookback    int
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.Lookback <= 0 {
		c.Lookback = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	return c
}

// Engine 把 Runner 接到真实行情与持久化之上。单实例对应单 symbol
// 单状态库，多进程互斥由上层的文件锁保证。
type Engine struct {
	cfg      Config
	source   market.Source
	runner   *sim.Runner
	notify   notifier.TextNotifier
	lastOpen string
}

// New 构造 Engine。persist 为必填（实盘语义）；notify 可为 nil。
func New(cfg Config, source market.Source, provider signal.Provider, persist sim.Persistence, notify notifier.TextNotifier) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("market source 不能为空")
	}
	if persist == nil {
		return nil, fmt.Errorf("persistence 不能为空")
	}
	cfg = cfg.withDefaults()
	runner := sim.NewRunner(sim.RunnerConfig{
		Symbol:         cfg.Symbol,
		InitialBalance: cfg.InitialBalance,
		MinLookback:    cfg.MinLookback,
		FillMode:       sim.FillImmediate,
		SlippageBps:    cfg.SlippageBps,
		Risk:           cfg.Profile.Risk,
		Lifecycle: sim.LifecycleConfig{
			FeeRate:               cfg.Profile.Risk.FeeRate,
			TrailingEnabled:       cfg.Profile.TrailingEnabled,
			TrailingActivationPct: cfg.Profile.TrailingActivationPct,
			TrailingDistancePct:   cfg.Profile.TrailingDistancePct,
			MaxHoldingBars:        cfg.Profile.MaxHoldingBars,
		},
		PersistFatal: true,
	}, provider, persist)
	return &Engine{cfg: cfg, source: source, runner: runner, notify: notify}, nil
}

// SetVenueHook 透传真实下单回调。
func (e *Engine) SetVenueHook(h sim.VenueHook) { e.runner.SetVenueHook(h) }

// Runner 暴露底层 Runner（状态查询用）。
func (e *Engine) Runner() *sim.Runner { return e.runner }

// Tick 执行一轮：拉取最近历史，推进所有未处理的已收盘 K 线。
// 已处理过的 K 线由账本 LastTS 去重，重复调用幂等。
func (e *Engine) Tick(ctx context.Context) error {
	if e.runner.Portfolio() == nil {
		if err := e.runner.Init(ctx); err != nil {
			return err
		}
	}
	history, err := e.source.FetchHistory(ctx, e.cfg.Symbol, e.cfg.Interval, e.cfg.Lookback)
	if err != nil {
		return fmt.Errorf("拉取行情失败: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	pf := e.runner.Portfolio()
	for i, bar := range history {
		if bar.CloseTime <= pf.LastTS {
			continue
		}
		closed, err := e.runner.ProcessBar(ctx, bar, history[:i+1])
		if err != nil {
			return err
		}
		e.notifyClosed(closed)
	}
	e.notifyOpened(pf)
	return nil
}

// Run 按 PollInterval 循环 Tick 直到 ctx 取消。单次 Tick 失败时
// 记录并继续，账本损坏与持久化失败除外。
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := e.Tick(ctx); err != nil {
			if fatalTickErr(err) {
				return err
			}
			logger.Warnf("[engine] tick 失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func fatalTickErr(err error) bool {
	var sc *sim.StateCorruptionError
	var pe *sim.PersistenceError
	return errors.As(err, &sc) || errors.As(err, &pe)
}

func (e *Engine) notifyClosed(closed []sim.ClosedTrade) {
	if e.notify == nil {
		return
	}
	for _, t := range closed {
		msg := notifier.CloseMessage(t)
		if err := e.notify.SendText(msg.RenderMarkdown()); err != nil {
			logger.Warnf("[engine] 平仓通知失败: %v", err)
		}
	}
}

func (e *Engine) notifyOpened(pf *sim.Portfolio) {
	pos, ok := pf.Position(e.cfg.Symbol)
	if !ok {
		e.lastOpen = ""
		return
	}
	if pos.ID == e.lastOpen {
		return
	}
	e.lastOpen = pos.ID
	if e.notify == nil {
		return
	}
	msg := notifier.OpenMessage(pos)
	if err := e.notify.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[engine] 开仓通知失败: %v", err)
	}
}
