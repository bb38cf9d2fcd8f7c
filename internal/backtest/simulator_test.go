package backtest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/market"
	"sable/internal/risk"
	"sable/internal/signal"
)

// recordNotifier 记录推送文本，替代真实 Telegram。
type recordNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordNotifier) SendText(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

// fixedSignalProvider 在指定收盘时间的 K 线上给出固定信号。
type fixedSignalProvider struct {
	at  int64
	sig signal.Signal
}

func (p *fixedSignalProvider) Generate(_ context.Context, _ string, history []market.Candle) (*signal.Signal, error) {
	if len(history) == 0 || history[len(history)-1].CloseTime != p.at {
		return nil, nil
	}
	sig := p.sig
	return &sig, nil
}

func TestSimulatorNotifyOnFinish(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	results, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = results.Close() })

	var candles []market.Candle
	for i := 1; i <= 6; i++ {
		candles = append(candles, storeCandle(i, 100))
	}
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1h", candles)
	require.NoError(t, err)

	notify := &recordNotifier{}
	simulator, err := NewSimulator(SimulatorConfig{
		Candles: store,
		Results: results,
		Notify:  notify,
		Provider: func(risk.Profile) (signal.Provider, int, error) {
			return &fixedSignalProvider{
				at: candles[1].CloseTime,
				sig: signal.Signal{
					Symbol: "BTCUSDT", Direction: signal.Long,
					Entry: 100, StopLoss: 97,
					Targets: []signal.Target{{Price: 101, Ratio: 1}},
				},
			}, 1, nil
		},
	})
	require.NoError(t, err)

	res, err := simulator.Execute(ctx, RunRequest{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		StartTS:   candles[0].OpenTime,
		EndTS:     candles[len(candles)-1].OpenTime + 3600_000,
	})
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, res.Run.Status)
	assert.Equal(t, 1, res.Run.Trades)

	// 完成后推送一条摘要，带 run 标识与关键统计
	msgs := notify.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "回测完成 BTCUSDT 1h")
	assert.Contains(t, msgs[0], res.Run.ID)
	assert.Contains(t, msgs[0], "成交: 1")

	t.Run("通知器为空时静默跳过", func(t *testing.T) {
		quiet, err := NewSimulator(SimulatorConfig{
			Candles:  store,
			Results:  results,
			Provider: func(risk.Profile) (signal.Provider, int, error) { return &fixedSignalProvider{}, 1, nil },
		})
		require.NoError(t, err)
		_, err = quiet.Execute(ctx, RunRequest{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			StartTS:   candles[0].OpenTime,
			EndTS:     candles[len(candles)-1].OpenTime + 3600_000,
		})
		require.NoError(t, err)
		assert.Len(t, notify.all(), 1)
	})
}
