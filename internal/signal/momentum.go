package signal

import (
	"context"
	"math"
	"strings"

	"sable/internal/market"

	talib "github.com/markcheno/go-talib"
)

// MomentumConfig 控制内置动量信号源的指标参数。
type MomentumConfig struct {
	EMAFast       int
	EMASlow       int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	ATRPeriod     int
	ATRStopMult   float64
}

func (c MomentumConfig) withDefaults() MomentumConfig {
	if c.EMAFast <= 0 {
		c.EMAFast = 9
	}
	if c.EMASlow <= c.EMAFast {
		c.EMASlow = 21
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.RSIOverbought <= 0 {
		c.RSIOverbought = 70
	}
	if c.RSIOversold <= 0 {
		c.RSIOversold = 30
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.ATRStopMult <= 0 {
		c.ATRStopMult = 2
	}
	return c
}

// MinLookback 返回产出首个信号前需要的最小 K 线数。
func (c MomentumConfig) MinLookback() int {
	c = c.withDefaults()
	look := c.EMASlow
	if c.RSIPeriod > look {
		look = c.RSIPeriod
	}
	if c.ATRPeriod > look {
		look = c.ATRPeriod
	}
	return look + 2
}

// Momentum 是内置参考信号源：EMA 快慢线交叉 + RSI 过滤，
// 止损取 ATR 倍数，止盈按 1R/2R 两档挂出。
type Momentum struct {
	cfg MomentumConfig
}

// NewMomentum 构造动量信号源。
func NewMomentum(cfg MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg.withDefaults()}
}

// Generate 实现 Provider。数据不足返回 ErrDataGap。
func (m *Momentum) Generate(_ context.Context, symbol string, history []market.Candle) (*Signal, error) {
	if len(history) < m.cfg.MinLookback() {
		return nil, ErrDataGap
	}
	closes := make([]float64, len(history))
	highs := make([]float64, len(history))
	lows := make([]float64, len(history))
	for i, c := range history {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	fast := talib.Ema(closes, m.cfg.EMAFast)
	slow := talib.Ema(closes, m.cfg.EMASlow)
	rsi := talib.Rsi(closes, m.cfg.RSIPeriod)
	atr := talib.Atr(highs, lows, closes, m.cfg.ATRPeriod)

	last := len(closes) - 1
	prev := last - 1
	if badValue(fast[last]) || badValue(slow[last]) || badValue(fast[prev]) ||
		badValue(slow[prev]) || badValue(rsi[last]) || badValue(atr[last]) {
		return nil, ErrDataGap
	}

	var dir Direction
	switch {
	case fast[prev] <= slow[prev] && fast[last] > slow[last] && rsi[last] < m.cfg.RSIOverbought:
		dir = Long
	case fast[prev] >= slow[prev] && fast[last] < slow[last] && rsi[last] > m.cfg.RSIOversold:
		dir = Short
	default:
		return nil, nil
	}

	entry := closes[last]
	stopDist := atr[last] * m.cfg.ATRStopMult
	if stopDist <= 0 || stopDist >= entry {
		return nil, nil
	}
	sign := dir.Sign()
	sig := &Signal{
		Symbol:    strings.ToUpper(symbol),
		Direction: dir,
		Entry:     entry,
		StopLoss:  entry - sign*stopDist,
		Targets: []Target{
			{Price: entry + sign*stopDist, Ratio: 0.5},
			{Price: entry + sign*2*stopDist, Ratio: 1},
		},
		Confidence: momentumConfidence(rsi[last], dir, m.cfg),
		RiskReward: 2,
	}
	if err := sig.Validate(); err != nil {
		// 极端价位可能把止盈推到非法区间，当作无信号处理
		return nil, nil
	}
	return sig, nil
}

func momentumConfidence(rsi float64, dir Direction, cfg MomentumConfig) float64 {
	mid := (cfg.RSIOverbought + cfg.RSIOversold) / 2
	span := (cfg.RSIOverbought - cfg.RSIOversold) / 2
	if span <= 0 {
		return 0.5
	}
	lean := (rsi - mid) / span * dir.Sign()
	conf := 0.5 + lean/2
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func badValue(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
