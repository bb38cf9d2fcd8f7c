package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/market"
	"sable/internal/signal"
)

const hourMs = int64(3600_000)

func hourCandle(i int, open, high, low, closePx float64) market.Candle {
	openTime := int64(i) * hourMs
	return market.Candle{
		OpenTime:  openTime,
		CloseTime: openTime + hourMs - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
	}
}

// scriptProvider 在指定收盘时间的那根 K 线上投放固定信号。
// 只看最后一根的时间戳，不携带内部状态，重放同一根 K 线得到同一答案。
type scriptProvider struct {
	at  int64
	sig signal.Signal
}

func (p *scriptProvider) Generate(_ context.Context, _ string, history []market.Candle) (*signal.Signal, error) {
	if len(history) == 0 || history[len(history)-1].CloseTime != p.at {
		return nil, nil
	}
	sig := p.sig
	return &sig, nil
}

// memPersist 以 JSON 往返模拟真实存储的深拷贝语义。
type memPersist struct {
	raw   []byte
	saves int
}

func (m *memPersist) Load(context.Context) (*Portfolio, error) {
	if m.raw == nil {
		return nil, nil
	}
	var pf Portfolio
	if err := json.Unmarshal(m.raw, &pf); err != nil {
		return nil, err
	}
	if pf.Open == nil {
		pf.Open = make(map[string]*Position)
	}
	return &pf, nil
}

func (m *memPersist) Save(_ context.Context, pf *Portfolio) error {
	raw, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	m.raw = raw
	m.saves++
	return nil
}

func baseRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Symbol:         "BTCUSDT",
		InitialBalance: 10000,
		FillMode:       FillNextOpen,
	}
}

func longAt(closeTime int64, entry, stop float64, targets ...signal.Target) *scriptProvider {
	return &scriptProvider{
		at: closeTime,
		sig: signal.Signal{
			Symbol: "BTCUSDT", Direction: signal.Long,
			Entry: entry, StopLoss: stop, Targets: targets,
		},
	}
}

func TestRunnerFillNextOpen(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100), // 信号产生
		hourCandle(2, 100, 101, 99, 100), // 下一根开盘成交
		hourCandle(3, 100, 106, 100, 105),
		hourCandle(4, 100, 101, 99, 100),
	}
	provider := longAt(candles[1].CloseTime, 100, 97, signal.Target{Price: 105, Ratio: 1})
	r := NewRunner(baseRunnerConfig(), provider, nil)
	require.NoError(t, r.Run(context.Background(), candles))

	pf := r.Portfolio()
	require.Len(t, pf.Closed, 1)
	tr := pf.Closed[0]
	assert.Equal(t, ExitTarget, tr.Reason)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.Equal(t, 105.0, tr.ExitPrice)
	// bar 2 开盘成交
	assert.Equal(t, candles[2].CloseTime, tr.EntryTime)
	assert.Equal(t, fmt.Sprintf("BTCUSDT-%d", candles[2].CloseTime), tr.PositionID)
	assert.Empty(t, pf.Open)
	assert.InDelta(t, 10000+tr.NetPnL, pf.Equity(), 1e-9)
	assert.Len(t, r.Curve(), len(candles))
}

func TestRunnerSlippage(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100),
		hourCandle(2, 100, 101, 99, 100),
	}
	cfg := baseRunnerConfig()
	cfg.SlippageBps = 2
	provider := longAt(candles[1].CloseTime, 100, 97)
	r := NewRunner(cfg, provider, nil)
	require.NoError(t, r.Run(context.Background(), candles))

	// 最后一根强平（session_end），入场价含不利方向滑点
	pf := r.Portfolio()
	require.Len(t, pf.Closed, 1)
	assert.Equal(t, ExitSession, pf.Closed[0].Reason)
	assert.InDelta(t, 100*(1+2.0/10000), pf.Closed[0].EntryPrice, 1e-9)
}

func TestRunnerSessionEnd(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100),
		hourCandle(2, 100, 101, 99, 101),
		hourCandle(3, 101, 102, 100, 101.5),
	}
	provider := longAt(candles[1].CloseTime, 100, 97)
	r := NewRunner(baseRunnerConfig(), provider, nil)
	require.NoError(t, r.Run(context.Background(), candles))

	pf := r.Portfolio()
	require.Len(t, pf.Closed, 1)
	tr := pf.Closed[0]
	assert.Equal(t, ExitSession, tr.Reason)
	assert.Equal(t, 101.5, tr.ExitPrice)
	assert.Empty(t, pf.Open)
}

func TestRunnerDeterminism(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100),
		hourCandle(2, 100, 101, 99, 100),
		hourCandle(3, 100, 106, 100, 105),
		hourCandle(4, 100, 101, 99, 100),
	}
	run := func() *Runner {
		provider := longAt(candles[1].CloseTime, 100, 97, signal.Target{Price: 105, Ratio: 1})
		r := NewRunner(baseRunnerConfig(), provider, nil)
		require.NoError(t, r.Run(context.Background(), candles))
		return r
	}
	a, b := run(), run()
	assert.Equal(t, a.Portfolio().Closed, b.Portfolio().Closed)
	assert.Equal(t, a.Curve(), b.Curve())
	assert.Equal(t, a.Portfolio().Equity(), b.Portfolio().Equity())
}

func TestRunnerResumption(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100),
		hourCandle(2, 100, 101, 99, 100),
		hourCandle(3, 100, 106, 100, 105),
		hourCandle(4, 100, 101, 99, 100),
	}
	newProvider := func() *scriptProvider {
		return longAt(candles[1].CloseTime, 100, 97, signal.Target{Price: 105, Ratio: 1})
	}

	// 一次跑完作为基准
	baseline := NewRunner(baseRunnerConfig(), newProvider(), nil)
	require.NoError(t, baseline.Run(context.Background(), candles))

	// 分段：前 3 根处理后"宕机"，从持久化状态续跑全量输入
	persist := &memPersist{}
	first := NewRunner(baseRunnerConfig(), newProvider(), persist)
	require.NoError(t, first.Init(context.Background()))
	for i := 0; i < 3; i++ {
		_, err := first.ProcessBar(context.Background(), candles[i], candles[:i+1])
		require.NoError(t, err)
	}

	second := NewRunner(baseRunnerConfig(), newProvider(), persist)
	require.NoError(t, second.Run(context.Background(), candles))

	// 重复投喂的 K 线被 LastTS 去重，最终成交与基准一致
	assert.Equal(t, baseline.Portfolio().Closed, second.Portfolio().Closed)
	assert.InDelta(t, baseline.Portfolio().Equity(), second.Portfolio().Equity(), 1e-9)
}

func TestRunnerResumptionPendingSignal(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100), // 信号产生，挂起待成交
		hourCandle(2, 100, 101, 99, 100),
		hourCandle(3, 100, 106, 100, 105),
		hourCandle(4, 100, 101, 99, 100),
	}
	newProvider := func() *scriptProvider {
		return longAt(candles[1].CloseTime, 100, 97, signal.Target{Price: 105, Ratio: 1})
	}

	baseline := NewRunner(baseRunnerConfig(), newProvider(), nil)
	require.NoError(t, baseline.Run(context.Background(), candles))

	// 在信号根与成交根之间"宕机"：挂起信号必须随账本一起落盘
	persist := &memPersist{}
	first := NewRunner(baseRunnerConfig(), newProvider(), persist)
	require.NoError(t, first.Init(context.Background()))
	for i := 0; i < 2; i++ {
		_, err := first.ProcessBar(context.Background(), candles[i], candles[:i+1])
		require.NoError(t, err)
	}
	require.NotNil(t, first.Portfolio().Pending)

	second := NewRunner(baseRunnerConfig(), newProvider(), persist)
	require.NoError(t, second.Run(context.Background(), candles))

	pf := second.Portfolio()
	require.Len(t, pf.Closed, 1)
	// 续跑后仍在 bar 2 开盘成交并按止盈离场，与基准完全一致
	assert.Equal(t, candles[2].CloseTime, pf.Closed[0].EntryTime)
	assert.Equal(t, ExitTarget, pf.Closed[0].Reason)
	assert.Equal(t, baseline.Portfolio().Closed, pf.Closed)
	assert.InDelta(t, baseline.Portfolio().Equity(), pf.Equity(), 1e-9)
	assert.Nil(t, pf.Pending)
}

func TestRunnerRejections(t *testing.T) {
	t.Run("止损过近被风控拒绝并留痕", func(t *testing.T) {
		candles := []market.Candle{
			hourCandle(0, 100, 101, 99, 100),
			hourCandle(1, 100, 101, 99, 100),
			hourCandle(2, 100, 101, 99, 100),
		}
		provider := longAt(candles[1].CloseTime, 100, 99.99)
		r := NewRunner(baseRunnerConfig(), provider, nil)
		require.NoError(t, r.Run(context.Background(), candles))

		require.Len(t, r.Rejections(), 1)
		assert.Equal(t, "stop distance below minimum", r.Rejections()[0].Reason)
		assert.Empty(t, r.Portfolio().Closed)
	})

	t.Run("跳空越过止损的成交作废", func(t *testing.T) {
		candles := []market.Candle{
			hourCandle(0, 100, 101, 99, 100),
			hourCandle(1, 100, 101, 99, 100),
			hourCandle(2, 96, 97, 95, 96), // 开盘 96 < 止损 97
		}
		provider := longAt(candles[1].CloseTime, 100, 97)
		r := NewRunner(baseRunnerConfig(), provider, nil)
		require.NoError(t, r.Run(context.Background(), candles))

		require.Len(t, r.Rejections(), 1)
		assert.Contains(t, r.Rejections()[0].Reason, "fill invalidated signal")
		assert.Empty(t, r.Portfolio().Closed)
	})
}

func TestRunnerUnsortedInput(t *testing.T) {
	candles := []market.Candle{
		hourCandle(1, 100, 101, 99, 100),
		hourCandle(0, 100, 101, 99, 100),
	}
	r := NewRunner(baseRunnerConfig(), nil, nil)
	assert.Error(t, r.Run(context.Background(), candles))
}

func TestRunnerPersistEveryBar(t *testing.T) {
	candles := []market.Candle{
		hourCandle(0, 100, 101, 99, 100),
		hourCandle(1, 100, 101, 99, 100),
	}
	persist := &memPersist{}
	r := NewRunner(baseRunnerConfig(), nil, persist)
	require.NoError(t, r.Run(context.Background(), candles))
	// 每根之后 + session 收尾
	assert.Equal(t, len(candles)+1, persist.saves)
}

func TestRunnerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	candles := []market.Candle{hourCandle(0, 100, 101, 99, 100)}
	r := NewRunner(baseRunnerConfig(), nil, nil)
	assert.ErrorIs(t, r.Run(ctx, candles), context.Canceled)
}
