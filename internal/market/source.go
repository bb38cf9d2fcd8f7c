package market

import "context"

// Source 抽象历史行情来源。实现方必须返回按时间升序、允许缺口的序列。
type Source interface {
	// FetchHistory 拉取最近 limit 条 K 线。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// FetchRange 拉取 [start, end]（毫秒，含端点）内的 K 线。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]Candle, error)
}
