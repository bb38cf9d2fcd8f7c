package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sable/internal/gateway/notifier"
	"sable/internal/logger"
	"sable/internal/market"
	"sable/internal/metrics"
	"sable/internal/report"
	"sable/internal/risk"
	"sable/internal/signal"
	"sable/internal/sim"
)

// ProviderFactory 按参数档位构造信号源。回测期间档位参数固定，
// 不跟随热更新，保证一次 run 内参数一致。
type ProviderFactory func(profile risk.Profile) (signal.Provider, int, error)

// SimulatorConfig 配置 Simulator。
type SimulatorConfig struct {
	Candles  *CandleStore
	Results  *ResultStore
	Profiles func() map[string]risk.Profile
	Provider ProviderFactory
	// MaxConcurrent 限制参数扫描的并行 run 数。
	MaxConcurrent int
	// DefaultBalance 是请求未指定时的初始资金。
	DefaultBalance float64
	// Notify 非空时，run 完成后推送结果摘要。
	Notify notifier.TextNotifier
	// SnapshotDir 非空时，run 完成后把报告截图落盘到该目录。
	SnapshotDir string
}

// Simulator 把一段本地缓存的 K 线喂给 Runner，产出完整 run 结果并入库。
type Simulator struct {
	candles  *CandleStore
	results  *ResultStore
	profiles func() map[string]risk.Profile
	provider ProviderFactory

	maxConcurrent  int
	defaultBalance float64
	notify         notifier.TextNotifier
	snapshotDir    string
	baseCtx        context.Context
}

// NewSimulator 构造 Simulator。
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Candles == nil || cfg.Results == nil {
		return nil, fmt.Errorf("candle/result store 不能为空")
	}
	if cfg.Provider == nil {
		cfg.Provider = DefaultProviderFactory
	}
	if cfg.Profiles == nil {
		cfg.Profiles = func() map[string]risk.Profile { return nil }
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.DefaultBalance <= 0 {
		cfg.DefaultBalance = 10000
	}
	return &Simulator{
		candles:        cfg.Candles,
		results:        cfg.Results,
		profiles:       cfg.Profiles,
		provider:       cfg.Provider,
		maxConcurrent:  cfg.MaxConcurrent,
		defaultBalance: cfg.DefaultBalance,
		notify:         cfg.Notify,
		snapshotDir:    cfg.SnapshotDir,
		baseCtx:        context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，异步 run 随宿主退出而取消。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// DefaultProviderFactory 构造动量信号源（默认参数）。
func DefaultProviderFactory(profile risk.Profile) (signal.Provider, int, error) {
	cfg := signal.MomentumConfig{}
	return signal.NewMomentum(cfg), cfg.MinLookback(), nil
}

// resolveProfile 取档位参数；未指定或未知时退回内置默认档。
func (s *Simulator) resolveProfile(name string) (risk.Profile, string) {
	if name != "" {
		if p, ok := s.profiles()[name]; ok {
			return p, name
		}
		logger.Warnf("[backtest] 未知档位 %q，使用默认参数", name)
	}
	return risk.Profile{
		Name: "default",
		Risk: risk.Config{}.WithDefaults(),
	}, "default"
}

// preparedRun 是 prepare 后待执行的 run。
type preparedRun struct {
	run         Run
	tf          Timeframe
	profile     risk.Profile
	provider    signal.Provider
	minLookback int
}

// prepare 校验请求、固化参数快照并写入 pending 记录。
func (s *Simulator) prepare(ctx context.Context, req RunRequest) (preparedRun, error) {
	tf, err := ParseTimeframe(orDefault(req.Timeframe, "1h"))
	if err != nil {
		return preparedRun{}, err
	}
	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start >= end {
		return preparedRun{}, fmt.Errorf("start/end 需要构成区间")
	}
	profile, profileName := s.resolveProfile(req.Profile)
	balance := req.InitialBalance
	if balance <= 0 {
		balance = s.defaultBalance
	}
	provider, minLookback, err := s.provider(profile)
	if err != nil {
		return preparedRun{}, err
	}

	run := Run{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Profile:        profileName,
		Status:         RunStatusRunning,
		StartTS:        start,
		EndTS:          end,
		Timeframe:      tf.Key,
		InitialBalance: balance,
		Config: RunConfig{
			Profile:        profileName,
			Symbol:         req.Symbol,
			Timeframe:      tf.Key,
			StartTS:        start,
			EndTS:          end,
			InitialBalance: balance,
			SlippageBps:    req.SlippageBps,
			MinLookback:    minLookback,
			Risk:           profile.Risk,
			Profiles:       profile,
		},
	}
	if err := s.results.InsertRun(ctx, run); err != nil {
		return preparedRun{}, err
	}
	return preparedRun{run: run, tf: tf, profile: profile, provider: provider, minLookback: minLookback}, nil
}

// Execute 同步执行一次回测并写库。
func (s *Simulator) Execute(ctx context.Context, req RunRequest) (RunResult, error) {
	prep, err := s.prepare(ctx, req)
	if err != nil {
		return RunResult{}, err
	}
	return s.finish(ctx, prep)
}

// StartRun 异步执行：立即返回 pending/running 的 run 记录，
// 结果通过 /runs/:id 查询。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	prep, err := s.prepare(s.ctx(), req)
	if err != nil {
		return Run{}, err
	}
	go func() {
		if _, err := s.finish(s.ctx(), prep); err != nil {
			logger.Errorf("[backtest] run %s 失败: %v", prep.run.ID, err)
		}
	}()
	return prep.run, nil
}

func (s *Simulator) finish(ctx context.Context, prep preparedRun) (RunResult, error) {
	res, err := s.runOne(ctx, prep)
	if err != nil {
		_ = s.results.UpdateRunStatus(ctx, prep.run.ID, RunStatusFailed, err.Error())
		return RunResult{}, err
	}
	if err := s.results.FinishRun(ctx, res); err != nil {
		return res, err
	}
	s.announce(ctx, res)
	return res, nil
}

// announce 推送完成摘要并落盘报告截图。两者都是尽力而为：
// 通知或渲染失败只记日志，不影响 run 本身的结果。
func (s *Simulator) announce(ctx context.Context, res RunResult) {
	if s.notify != nil {
		if err := s.notify.SendText(runSummaryMessage(res.Run).RenderMarkdown()); err != nil {
			logger.Warnf("[backtest] run %s 结果推送失败: %v", res.Run.ID, err)
		}
	}
	if s.snapshotDir == "" {
		return
	}
	if err := s.writeSnapshot(ctx, res); err != nil {
		logger.Warnf("[backtest] run %s 报告截图失败: %v", res.Run.ID, err)
	}
}

// runSummaryMessage 构造一次 run 的完成推送。
func runSummaryMessage(run Run) notifier.StructuredMessage {
	icon := "✅"
	if run.Profit < 0 {
		icon = "🔻"
	}
	return notifier.StructuredMessage{
		Icon:  icon,
		Title: fmt.Sprintf("回测完成 %s %s (%s)", run.Symbol, run.Timeframe, run.Profile),
		Sections: []notifier.MessageSection{{
			Title: "结果",
			Lines: []string{
				fmt.Sprintf("净盈亏: %.2f (%.2f%%)", run.Profit, run.ReturnPct*100),
				fmt.Sprintf("成交: %d 胜率: %.1f%%", run.Report.TotalTrades, run.Report.WinRate*100),
				fmt.Sprintf("盈亏比: %.2f 最大回撤: %.2f%%", run.Report.ProfitFactor, run.Report.MaxDrawdown*100),
				fmt.Sprintf("拒绝信号: %d", run.Rejections),
			},
		}},
		Footer:    "run " + run.ID,
		Timestamp: time.Now(),
	}
}

// writeSnapshot 用无头浏览器把报告页面截成 PNG 落盘。
func (s *Simulator) writeSnapshot(ctx context.Context, res RunResult) error {
	run := res.Run
	input := report.Input{
		Title:  run.Symbol + " " + run.Timeframe + " (" + run.Profile + ")",
		Symbol: run.Symbol,
		Curve:  res.Curve,
		Trades: res.Trades,
		Report: run.Report,
	}
	if candles, err := s.candles.RangeCandles(ctx, run.Symbol, run.Timeframe, run.StartTS, run.EndTS); err == nil {
		input.Candles = candles
	}
	img, err := report.RenderPNG(ctx, input)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.snapshotDir, run.ID+".png"), img.Bytes, 0o644)
}

func (s *Simulator) runOne(ctx context.Context, prep preparedRun) (RunResult, error) {
	run := prep.run
	started := time.Now()
	candles, err := s.loadWindow(ctx, run.Symbol, prep.tf, run.StartTS, run.EndTS, prep.minLookback)
	if err != nil {
		return RunResult{}, err
	}
	if len(candles) == 0 {
		return RunResult{}, fmt.Errorf("区间内没有本地 K 线，请先拉取数据")
	}

	runner := sim.NewRunner(sim.RunnerConfig{
		Symbol:         run.Symbol,
		InitialBalance: run.InitialBalance,
		MinLookback:    prep.minLookback,
		FillMode:       sim.FillNextOpen,
		SlippageBps:    run.Config.SlippageBps,
		Risk:           prep.profile.Risk,
		Lifecycle: sim.LifecycleConfig{
			FeeRate:               prep.profile.Risk.FeeRate,
			TrailingEnabled:       prep.profile.TrailingEnabled,
			TrailingActivationPct: prep.profile.TrailingActivationPct,
			TrailingDistancePct:   prep.profile.TrailingDistancePct,
			MaxHoldingBars:        prep.profile.MaxHoldingBars,
		},
	}, prep.provider, nil)
	if err := runner.Run(ctx, candles); err != nil {
		return RunResult{}, err
	}

	pf := runner.Portfolio()
	report := metrics.Analyze(pf.Closed, runner.Curve())
	run.Status = RunStatusDone
	run.FinalEquity = pf.Equity()
	run.Profit = run.FinalEquity - run.InitialBalance
	if run.InitialBalance > 0 {
		run.ReturnPct = run.Profit / run.InitialBalance
	}
	run.Trades = report.TotalTrades
	run.Rejections = len(runner.Rejections())
	run.Report = report
	run.Message = fmt.Sprintf("完成，用时 %s", time.Since(started).Round(time.Millisecond))

	logger.Infof("[backtest] run %s %s@%s 完成：trades=%d win=%.1f%% pnl=%.2f dd=%.2f%%",
		run.ID, run.Symbol, run.Timeframe, report.TotalTrades,
		report.WinRate*100, report.NetPnL, report.MaxDrawdown*100)

	return RunResult{
		Run:        run,
		Trades:     pf.Closed,
		Curve:      runner.Curve(),
		Rejections: runner.Rejections(),
	}, nil
}

// loadWindow 读取回测区间，并在区间前补足指标预热窗口。
func (s *Simulator) loadWindow(ctx context.Context, symbol string, tf Timeframe, start, end int64, minLookback int) ([]market.Candle, error) {
	main, err := s.candles.RangeCandles(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return nil, err
	}
	if minLookback <= 0 {
		return main, nil
	}
	warmup, err := s.candles.RecentCandles(ctx, symbol, tf.Key, start, minLookback)
	if err != nil {
		return nil, err
	}
	return append(warmup, main...), nil
}

// Sweep 对同一请求并行跑多个档位，返回全部结果。单个档位失败只记录
// 不中断其余档位。
func (s *Simulator) Sweep(ctx context.Context, base RunRequest, profileNames []string) ([]RunResult, error) {
	if len(profileNames) == 0 {
		return nil, fmt.Errorf("至少需要一个档位")
	}
	results := make([]RunResult, len(profileNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, name := range profileNames {
		i, name := i, name
		g.Go(func() error {
			req := base
			req.Profile = name
			res, err := s.Execute(gctx, req)
			if err != nil {
				logger.Warnf("[backtest] 档位 %s 失败: %v", name, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r.Run.ID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
