package signal

import (
	"context"
	"errors"
	"fmt"
	"math"

	"sable/internal/market"
)

// Direction 表示交易方向。
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign 返回方向符号：long=+1，short=-1。
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Valid 报告方向是否合法。
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Target 是一档止盈：触价后按 Ratio 平掉剩余仓位的对应比例。
type Target struct {
	Price float64 `json:"price"`
	Ratio float64 `json:"ratio"`
}

// Signal 是信号源输出的开仓候选。引擎只读，不回写。
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	Targets    []Target  `json:"targets"`
	Confidence float64   `json:"confidence"`
	RiskReward float64   `json:"risk_reward"`
}

// ErrDataGap 表示该 K 线缺少生成信号所需的输入，调用方应跳过本根继续。
var ErrDataGap = errors.New("signal: insufficient data for this bar")

// Provider 是信号源契约。返回 (nil, nil) 表示本根无信号。
// 引擎在信号被接受后不会再回调 Provider 复核。
type Provider interface {
	Generate(ctx context.Context, symbol string, history []market.Candle) (*Signal, error)
}

// Validate 校验信号的经济合理性。止损必须位于入场价的亏损侧，
// 止盈必须位于盈利侧且逐级远离入场价。
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("signal direction %q invalid", s.Direction)
	}
	if s.Entry <= 0 || math.IsNaN(s.Entry) || math.IsInf(s.Entry, 0) {
		return fmt.Errorf("signal entry %v invalid", s.Entry)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("signal stop loss %v invalid", s.StopLoss)
	}
	switch s.Direction {
	case Long:
		if s.StopLoss >= s.Entry {
			return fmt.Errorf("long stop %.8g not below entry %.8g", s.StopLoss, s.Entry)
		}
	case Short:
		if s.StopLoss <= s.Entry {
			return fmt.Errorf("short stop %.8g not above entry %.8g", s.StopLoss, s.Entry)
		}
	}
	prev := s.Entry
	for i, t := range s.Targets {
		if t.Price <= 0 {
			return fmt.Errorf("target[%d] price %v invalid", i, t.Price)
		}
		if t.Ratio <= 0 || t.Ratio > 1 {
			return fmt.Errorf("target[%d] ratio %v outside (0,1]", i, t.Ratio)
		}
		if s.Direction == Long && t.Price <= prev {
			return fmt.Errorf("long target[%d] %.8g not above %.8g", i, t.Price, prev)
		}
		if s.Direction == Short && t.Price >= prev {
			return fmt.Errorf("short target[%d] %.8g not below %.8g", i, t.Price, prev)
		}
		prev = t.Price
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// StopDistance 返回 |entry - stop|。
func (s Signal) StopDistance() float64 {
	return math.Abs(s.Entry - s.StopLoss)
}

// ExpectedRR 根据第一档止盈与止损计算期望盈亏比；输入不全时返回 0。
func ExpectedRR(dir Direction, entry, takeProfit, stopLoss float64) float64 {
	if entry <= 0 || takeProfit <= 0 || stopLoss <= 0 {
		return 0
	}
	switch dir {
	case Long:
		if takeProfit <= entry || stopLoss >= entry {
			return 0
		}
		return (takeProfit - entry) / (entry - stopLoss)
	case Short:
		if takeProfit >= entry || stopLoss <= entry {
			return 0
		}
		return (entry - takeProfit) / (stopLoss - entry)
	default:
		return 0
	}
}
