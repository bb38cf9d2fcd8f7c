// Package risk 实现仓位规模与组合热度控制。
//
// Sizer 的定位顺序是刻意的：先按风险预算定量，再按余额收缩，
// 收缩结果必须重新通过风险容忍度校验，绝不把余额不足
// 静默转化为超出容忍带的风险放大。
package risk

import (
	"fmt"
	"math"

	"sable/internal/signal"
)

// Config 是风险预算参数。全部为占比（0~1）。
type Config struct {
	RiskPerTrade          float64 `json:"risk_per_trade" mapstructure:"risk_per_trade" yaml:"risk_per_trade"`
	MaxPortfolioHeat      float64 `json:"max_portfolio_heat" mapstructure:"max_portfolio_heat" yaml:"max_portfolio_heat"`
	MinStopDistancePct    float64 `json:"min_stop_distance_pct" mapstructure:"min_stop_distance_pct" yaml:"min_stop_distance_pct"`
	MaxNotionalPct        float64 `json:"max_notional_pct" mapstructure:"max_notional_pct" yaml:"max_notional_pct"`
	BalanceRiskTolerance  float64 `json:"balance_risk_tolerance" mapstructure:"balance_risk_tolerance" yaml:"balance_risk_tolerance"`
	AdverseMoveAssumption float64 `json:"adverse_move_assumption" mapstructure:"adverse_move_assumption" yaml:"adverse_move_assumption"`
	FeeRate               float64 `json:"fee_rate" mapstructure:"fee_rate" yaml:"fee_rate"`
}

// WithDefaults 填充未设置的字段。
func (c Config) WithDefaults() Config {
	if c.RiskPerTrade <= 0 {
		c.RiskPerTrade = 0.01
	}
	if c.MaxPortfolioHeat <= 0 {
		c.MaxPortfolioHeat = 0.06
	}
	if c.MinStopDistancePct <= 0 {
		c.MinStopDistancePct = 0.001
	}
	if c.MaxNotionalPct <= 0 {
		c.MaxNotionalPct = 0.95
	}
	if c.BalanceRiskTolerance <= 0 {
		c.BalanceRiskTolerance = 1.5
	}
	if c.AdverseMoveAssumption <= 0 {
		c.AdverseMoveAssumption = 0.10
	}
	return c
}

// 拒绝原因是对外契约的一部分：dashboard 与 CLI 使用同一字符串。
const (
	ReasonStopTooTight  = "stop distance below minimum"
	ReasonHeatExhausted = "portfolio heat exhausted"
	ReasonUnaffordable  = "insufficient balance for acceptable risk"
	ReasonRiskCeiling   = "resulting risk exceeds hard ceiling"
	ReasonZeroQuantity  = "computed quantity not positive"
)

// Rejection 表示信号被风控拒绝。可恢复：跳过本根 K 线即可。
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("signal rejected: %s (%s)", r.Reason, r.Detail)
	}
	return "signal rejected: " + r.Reason
}

func reject(reason, detailFormat string, args ...any) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(detailFormat, args...)}
}

// Sizing 是 Sizer 接受信号后的执行参数。
type Sizing struct {
	Quantity     float64
	Notional     float64
	EntryFee     float64
	RiskAmount   float64
	RiskFraction float64
	// HeatScaled 表示数量被剩余热度压缩过。
	HeatScaled bool
	// BalanceLimited 表示数量被可用余额压缩过。
	BalanceLimited bool
}

// Sizer 把候选信号换算为可执行数量，或给出拒绝原因。
type Sizer struct {
	cfg Config
}

// NewSizer 构造 Sizer。
func NewSizer(cfg Config) *Sizer {
	return &Sizer{cfg: cfg.WithDefaults()}
}

// Config 返回生效的参数（含默认值）。
func (s *Sizer) Config() Config { return s.cfg }

// Size 按以下顺序定量：
//  1. 止损距离下限；
//  2. 风险预算 → 原始数量；
//  3. 剩余热度压缩；
//  4. 名义价值上限；
//  5. 余额不足时收缩并复验风险容忍度；
//  6. 硬上限（risk_per_trade × 2）终检。
//
// 返回 *Rejection 类型错误表示拒绝。
func (s *Sizer) Size(sig signal.Signal, equity, balance, currentHeat float64) (Sizing, error) {
	if err := sig.Validate(); err != nil {
		return Sizing{}, &Rejection{Reason: "invalid signal", Detail: err.Error()}
	}
	if equity <= 0 {
		return Sizing{}, reject(ReasonZeroQuantity, "equity %.2f not positive", equity)
	}

	stopDistance := sig.StopDistance()
	if stopDistance <= sig.Entry*s.cfg.MinStopDistancePct {
		return Sizing{}, reject(ReasonStopTooTight, "distance %.8g <= %.4f%% of entry",
			stopDistance, s.cfg.MinStopDistancePct*100)
	}

	riskAmount := equity * s.cfg.RiskPerTrade
	quantity := riskAmount / stopDistance

	out := Sizing{RiskAmount: riskAmount}

	availableHeat := s.cfg.MaxPortfolioHeat - currentHeat
	if availableHeat <= 0 {
		return Sizing{}, reject(ReasonHeatExhausted, "heat %.4f >= cap %.4f",
			currentHeat, s.cfg.MaxPortfolioHeat)
	}
	if scale := availableHeat / s.cfg.RiskPerTrade; scale < 1 {
		quantity *= scale
		out.HeatScaled = true
	}

	if maxNotional := equity * s.cfg.MaxNotionalPct; quantity*sig.Entry > maxNotional {
		quantity = maxNotional / sig.Entry
	}

	if quantity*sig.Entry > balance {
		// 余额收缩：按含手续费缓冲的可负担数量重算，
		// 收缩后的实际风险必须仍在容忍带内。
		affordable := balance / (sig.Entry * (1 + s.cfg.FeeRate))
		affordableRisk := affordable * stopDistance / equity
		if affordable <= 0 || affordableRisk > s.cfg.RiskPerTrade*s.cfg.BalanceRiskTolerance {
			return Sizing{}, reject(ReasonUnaffordable,
				"affordable risk %.4f%% > tolerance %.4f%%",
				affordableRisk*100, s.cfg.RiskPerTrade*s.cfg.BalanceRiskTolerance*100)
		}
		quantity = affordable
		out.BalanceLimited = true
	}

	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return Sizing{}, reject(ReasonZeroQuantity, "quantity %.8g", quantity)
	}
	riskFraction := quantity * stopDistance / equity
	if riskFraction > s.cfg.RiskPerTrade*2 {
		return Sizing{}, reject(ReasonRiskCeiling, "risk %.4f%% > ceiling %.4f%%",
			riskFraction*100, s.cfg.RiskPerTrade*2*100)
	}

	out.Quantity = quantity
	out.Notional = quantity * sig.Entry
	out.EntryFee = out.Notional * s.cfg.FeeRate
	out.RiskFraction = riskFraction
	return out, nil
}
