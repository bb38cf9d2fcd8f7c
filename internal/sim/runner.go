package sim

import (
	"context"
	"errors"
	"fmt"

	"sable/internal/logger"
	"sable/internal/market"
	"sable/internal/risk"
	"sable/internal/signal"
)

// FillMode 决定被接受的信号在何时成交。
type FillMode string

const (
	// FillNextOpen：bar i 产生的信号在 bar i+1 的开盘价成交（回测，无未来函数）。
	FillNextOpen FillMode = "next_open"
	// FillImmediate：信号立即按当前收盘价成交（实时/纸面）。
	FillImmediate FillMode = "immediate"
)

// Persistence 是组合状态持久化契约。
// 实盘路径上 Save 失败必须上抛：静默丢状态会让重启后的风控限额失效。
type Persistence interface {
	Load(ctx context.Context) (*Portfolio, error)
	Save(ctx context.Context, pf *Portfolio) error
}

// VenueHook 在开仓时执行真实下单，返回不透明回执；纸面模式返回 nil。
type VenueHook func(ctx context.Context, pos *Position) (*VenueConfirmation, error)

// RunnerConfig 汇集一次模拟/运行所需的全部参数快照。
type RunnerConfig struct {
	Symbol         string          `json:"symbol"`
	InitialBalance float64         `json:"initial_balance"`
	MinLookback    int             `json:"min_lookback"`
	FillMode       FillMode        `json:"fill_mode"`
	SlippageBps    float64         `json:"slippage_bps"`
	Risk           risk.Config     `json:"risk"`
	Lifecycle      LifecycleConfig `json:"lifecycle"`
	// PersistFatal：Save 失败是否致命（实盘 true，回测 false）。
	PersistFatal bool `json:"persist_fatal"`
}

// EquityPoint 是资金曲线上的一个采样点。
type EquityPoint struct {
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
	Heat     float64 `json:"heat"`
}

// RejectionRecord 留痕一次被拒信号，原因字符串与风控层完全一致。
type RejectionRecord struct {
	TS     int64  `json:"ts"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Runner 驱动整个循环：按时间序喂入 K 线，推进在仓头寸，
// 维护资金曲线，并在容量/热度允许时请求新信号开仓。
// 单线程同步：一根 K 线完全处理完才看下一根。
type Runner struct {
	cfg       RunnerConfig
	provider  signal.Provider
	sizer     *risk.Sizer
	lifecycle *Lifecycle
	persist   Persistence
	venue     VenueHook

	pf         *Portfolio
	curve      []EquityPoint
	rejections []RejectionRecord
	barIdx     int
}

// NewRunner 构造 Runner。persist 可为 nil（纯内存回测）。
func NewRunner(cfg RunnerConfig, provider signal.Provider, persist Persistence) *Runner {
	cfg.Risk = cfg.Risk.WithDefaults()
	if cfg.FillMode == "" {
		cfg.FillMode = FillNextOpen
	}
	if cfg.Lifecycle.FeeRate == 0 {
		cfg.Lifecycle.FeeRate = cfg.Risk.FeeRate
	}
	return &Runner{
		cfg:       cfg,
		provider:  provider,
		sizer:     risk.NewSizer(cfg.Risk),
		lifecycle: NewLifecycle(cfg.Lifecycle),
		persist:   persist,
	}
}

// SetVenueHook 注入真实下单回调（实盘模式）。
func (r *Runner) SetVenueHook(h VenueHook) { r.venue = h }

// Init 加载持久化状态或以初始资金起新账本。
func (r *Runner) Init(ctx context.Context) error {
	if r.persist != nil {
		pf, err := r.persist.Load(ctx)
		if err != nil {
			return &PersistenceError{Op: "load", Err: err}
		}
		if pf != nil {
			r.pf = pf
			return nil
		}
	}
	r.pf = NewPortfolio(r.cfg.InitialBalance)
	return nil
}

// Portfolio 返回账本（Runner 运行期间独占所有权）。
func (r *Runner) Portfolio() *Portfolio { return r.pf }

// Curve 返回资金曲线。
func (r *Runner) Curve() []EquityPoint { return r.curve }

// Rejections 返回被拒信号记录。
func (r *Runner) Rejections() []RejectionRecord { return r.rejections }

// Heat 返回当前组合热度。
func (r *Runner) Heat() float64 {
	return risk.Heat(r.pf.Equity(), r.pf.HeatExposures(), r.cfg.Risk.AdverseMoveAssumption)
}

// Run 按升序回放整段 K 线，结束时强制平掉残余仓位（session_end）。
// 已处理过的 K 线（CloseTime ≤ 账本 LastTS）自动跳过，因此
// 分段续跑与一次跑完结果一致。
func (r *Runner) Run(ctx context.Context, candles []market.Candle) error {
	if r.pf == nil {
		if err := r.Init(ctx); err != nil {
			return err
		}
	}
	if !market.SortedAscending(candles) {
		return fmt.Errorf("candles not in ascending time order")
	}
	for i, bar := range candles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bar.CloseTime <= r.pf.LastTS {
			continue
		}
		if _, err := r.ProcessBar(ctx, bar, candles[:i+1]); err != nil {
			return err
		}
	}
	if len(candles) > 0 {
		if err := r.CloseSession(ctx, candles[len(candles)-1]); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBar 处理一根 K 线：
//
//	(a) 推进在仓头寸（可能平仓）；
//	(b) 刷新权益/峰值/回撤并校验不变量；
//	(c) 成交挂起信号或请求新信号、定量、开仓；
//	(d) 持久化。
//
// 一根 K 线内的全部账本变更对中断是原子的：任何两根之间打断都不会
// 破坏不变量。
func (r *Runner) ProcessBar(ctx context.Context, bar market.Candle, history []market.Candle) ([]ClosedTrade, error) {
	r.barIdx++
	var closed []ClosedTrade

	if pos, ok := r.pf.Position(r.cfg.Symbol); ok {
		pos.Mark(bar)
		closed = r.lifecycle.Step(r.pf, pos, bar, r.barIdx)
	}

	r.pf.UpdatePeak()
	if err := r.pf.CheckInvariants(); err != nil {
		return closed, err
	}

	if err := r.intake(ctx, bar, history); err != nil {
		return closed, err
	}

	r.pf.UpdatePeak()
	if err := r.pf.CheckInvariants(); err != nil {
		return closed, err
	}
	r.pf.LastTS = bar.CloseTime
	r.curve = append(r.curve, EquityPoint{
		TS:       bar.CloseTime,
		Equity:   r.pf.Equity(),
		Balance:  r.pf.Balance,
		Drawdown: r.pf.Drawdown(),
		Heat:     r.Heat(),
	})

	if r.persist != nil {
		if err := r.persist.Save(ctx, r.pf); err != nil {
			perr := &PersistenceError{Op: "save", Err: err}
			if r.cfg.PersistFatal {
				return closed, perr
			}
			logger.Warnf("[sim] %v（回测路径，继续）", perr)
		}
	}
	return closed, nil
}

// intake 负责信号侧：先成交上一根挂起的信号，再为本根请求新信号。
// 挂起信号记在账本上而不是 Runner 内存里，信号根与成交根之间
// 中断后续跑仍按原时点成交。
func (r *Runner) intake(ctx context.Context, bar market.Candle, history []market.Candle) error {
	if r.pf.Pending != nil {
		sig := *r.pf.Pending
		r.pf.Pending = nil
		if _, open := r.pf.Position(sig.Symbol); !open {
			if err := r.openAt(ctx, sig, r.fillPrice(sig.Direction, bar.Open), bar.CloseTime); err != nil {
				return err
			}
		}
	}

	if _, open := r.pf.Position(r.cfg.Symbol); open {
		return nil
	}
	if r.provider == nil || len(history) < r.cfg.MinLookback {
		return nil
	}
	sig, err := r.provider.Generate(ctx, r.cfg.Symbol, history)
	if err != nil {
		if errors.Is(err, signal.ErrDataGap) {
			logger.Debugf("[sim] %s bar %d data gap，跳过", r.cfg.Symbol, r.barIdx)
			return nil
		}
		return fmt.Errorf("signal provider failed: %w", err)
	}
	if sig == nil {
		return nil
	}
	if err := sig.Validate(); err != nil {
		r.recordRejection(bar.CloseTime, sig.Symbol, "invalid signal: "+err.Error())
		return nil
	}
	if r.cfg.FillMode == FillImmediate {
		return r.openAt(ctx, *sig, r.fillPrice(sig.Direction, bar.Close), bar.CloseTime)
	}
	r.pf.Pending = sig
	return nil
}

// openAt 以实际成交价重写入场并走定量/开仓。被拒只留痕不终止。
func (r *Runner) openAt(ctx context.Context, sig signal.Signal, fillPrice float64, ts int64) error {
	sig.Entry = fillPrice
	if err := sig.Validate(); err != nil {
		// 跳空越过止损/止盈时信号失效，放弃本次机会
		r.recordRejection(ts, sig.Symbol, "fill invalidated signal: "+err.Error())
		return nil
	}
	equity := r.pf.Equity()
	heat := r.Heat()
	sz, err := r.sizer.Size(sig, equity, r.pf.Balance, heat)
	if err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			r.recordRejection(ts, sig.Symbol, rej.Reason)
			logger.Debugf("[sim] %s 信号被拒: %v", sig.Symbol, err)
			return nil
		}
		return err
	}
	id := fmt.Sprintf("%s-%d", sig.Symbol, ts)
	pos, err := r.pf.OpenPosition(id, sig, sz, ts, r.barIdx)
	if err != nil {
		return err
	}
	if r.venue != nil {
		conf, err := r.venue(ctx, pos)
		if err != nil {
			return fmt.Errorf("venue order for %s failed: %w", sig.Symbol, err)
		}
		pos.Venue = conf
	}
	logger.Infof("[sim] open %s %s qty=%.6f entry=%.4f stop=%.4f risk=%.2f%% heat=%.2f%%",
		sig.Symbol, sig.Direction, sz.Quantity, sig.Entry, sig.StopLoss,
		sz.RiskFraction*100, heat*100)
	return nil
}

// CloseSession 以最后可得价格强平所有残余仓位（reason=session_end）并持久化。
// 尚未成交的挂起信号随会话一起作废。
func (r *Runner) CloseSession(ctx context.Context, last market.Candle) error {
	r.pf.Pending = nil
	for _, sym := range r.pf.Symbols() {
		pos := r.pf.Open[sym]
		pos.Mark(last)
		r.pf.closePortion(pos, pos.Quantity, last.Close, last.CloseTime, ExitSession, r.cfg.Lifecycle.FeeRate)
	}
	r.pf.UpdatePeak()
	if err := r.pf.CheckInvariants(); err != nil {
		return err
	}
	if r.persist != nil {
		if err := r.persist.Save(ctx, r.pf); err != nil {
			perr := &PersistenceError{Op: "save", Err: err}
			if r.cfg.PersistFatal {
				return perr
			}
			logger.Warnf("[sim] %v（回测路径，继续）", perr)
		}
	}
	return nil
}

func (r *Runner) recordRejection(ts int64, symbol, reason string) {
	r.rejections = append(r.rejections, RejectionRecord{TS: ts, Symbol: symbol, Reason: reason})
}

// fillPrice 对成交价施加滑点（方向不利侧）。
func (r *Runner) fillPrice(dir signal.Direction, price float64) float64 {
	if r.cfg.SlippageBps <= 0 {
		return price
	}
	slip := price * r.cfg.SlippageBps / 10000
	if dir == signal.Short {
		return price - slip
	}
	return price + slip
}
