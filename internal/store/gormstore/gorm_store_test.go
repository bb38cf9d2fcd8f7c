package gormstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/sim"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := NewGormStore(filepath.Join(t.TempDir(), "state", "portfolio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGormStoreRoundTrip(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	t.Run("不存在的账本返回nil", func(t *testing.T) {
		pf, err := store.LoadPortfolio(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, pf)
	})

	t.Run("保存后原样读回", func(t *testing.T) {
		pf := sim.NewPortfolio(10000)
		pf.Balance = 9500
		pf.LastTS = 42
		pf.Closed = append(pf.Closed, sim.ClosedTrade{
			PositionID: "BTCUSDT-1", Symbol: "BTCUSDT",
			NetPnL: 12.34, Reason: sim.ExitTarget, ExitTime: 42,
		})
		require.NoError(t, store.SavePortfolio(ctx, "live", pf))

		got, err := store.LoadPortfolio(ctx, "live")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 9500.0, got.Balance)
		assert.Equal(t, int64(42), got.LastTS)
		require.Len(t, got.Closed, 1)
		assert.Equal(t, "BTCUSDT-1", got.Closed[0].PositionID)
		assert.NotNil(t, got.Open)
	})

	t.Run("重复保存只追加新成交", func(t *testing.T) {
		pf := sim.NewPortfolio(10000)
		pf.Closed = append(pf.Closed, sim.ClosedTrade{PositionID: "p1", Symbol: "ETHUSDT", ExitTime: 1})
		require.NoError(t, store.SavePortfolio(ctx, "append", pf))
		require.NoError(t, store.SavePortfolio(ctx, "append", pf))

		pf.Closed = append(pf.Closed, sim.ClosedTrade{PositionID: "p2", Symbol: "ETHUSDT", ExitTime: 2})
		require.NoError(t, store.SavePortfolio(ctx, "append", pf))

		trades, err := store.ListClosedTrades(ctx, "append", 10)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, "p1", trades[0].PositionID)
		assert.Equal(t, "p2", trades[1].PositionID)
	})
}

func TestPersistenceBinding(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	p := NewPersistence(store, "paper")
	pf := sim.NewPortfolio(5000)
	require.NoError(t, p.Save(ctx, pf))

	got, err := p.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5000.0, got.InitialBalance)

	// 不同账本名互不可见
	other := NewPersistence(store, "live")
	none, err := other.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}
