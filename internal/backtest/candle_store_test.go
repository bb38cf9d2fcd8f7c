package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/market"
)

func newTestStore(t *testing.T) *CandleStore {
	t.Helper()
	store, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storeCandle(i int, closePx float64) market.Candle {
	open := int64(i) * 3600_000
	return market.Candle{
		OpenTime: open, CloseTime: open + 3599_999,
		Open: closePx, High: closePx + 1, Low: closePx - 1, Close: closePx,
		Volume: 10, Trades: 5,
	}
}

func TestCandleStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	candles := []market.Candle{storeCandle(1, 100), storeCandle(2, 101), storeCandle(3, 102)}
	n, err := store.InsertCandles(ctx, "BTCUSDT", "1h", candles)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", candles[0].OpenTime, candles[2].OpenTime)
	require.NoError(t, err)
	assert.Equal(t, candles, got)

	t.Run("重复open_time覆盖旧行", func(t *testing.T) {
		updated := storeCandle(2, 999)
		_, err := store.InsertCandles(ctx, "BTCUSDT", "1h", []market.Candle{updated})
		require.NoError(t, err)

		got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", updated.OpenTime, updated.OpenTime)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 999.0, got[0].Close)
	})

	t.Run("manifest跟随写入刷新", func(t *testing.T) {
		m, err := store.Manifest(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", m.Symbol)
		assert.Equal(t, int64(3), m.Rows)
		assert.Equal(t, candles[0].OpenTime, m.MinTime)
		assert.Equal(t, candles[2].OpenTime, m.MaxTime)
	})
}

func TestCandleStoreRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var candles []market.Candle
	for i := 1; i <= 5; i++ {
		candles = append(candles, storeCandle(i, 100+float64(i)))
	}
	_, err := store.InsertCandles(ctx, "ETHUSDT", "1h", candles)
	require.NoError(t, err)

	// end 之前最近 2 根，升序返回
	got, err := store.RecentCandles(ctx, "ETHUSDT", "1h", candles[3].OpenTime, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, candles[1].OpenTime, got[0].OpenTime)
	assert.Equal(t, candles[2].OpenTime, got[1].OpenTime)
}

func TestCandleStoreArgs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RangeCandles(ctx, "BTCUSDT", "1h", 0, 100)
	assert.Error(t, err)

	_, _, err = store.db("", "1h")
	assert.Error(t, err)

	_, err = NewCandleStore("")
	assert.Error(t, err)
}
