package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"sable/internal/market"
)

const maxKlineBatch = 1500

// Source 基于 go-binance 合约 SDK 实现 market.Source。只读行情，
// 不需要 API key。
type Source struct {
	cfg    Config
	client *futures.Client
}

// New 构造数据源。
func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client}, nil
}

// FetchHistory 拉取最近 limit 根已收盘 K 线。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineBatch {
		limit = maxKlineBatch
	}
	symbol, interval, err := normalizeArgs(symbol, interval)
	if err != nil {
		return nil, err
	}
	kls, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	return dropUnclosed(convertKlines(kls)), nil
}

// FetchRange 拉取 [start,end] 区间（open_time 毫秒）的 K 线，自动翻页。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	symbol, interval, err := normalizeArgs(symbol, interval)
	if err != nil {
		return nil, err
	}
	if start <= 0 || end <= 0 || end < start {
		return nil, fmt.Errorf("start/end 区间非法: [%d,%d]", start, end)
	}
	var out []market.Candle
	cursor := start
	for cursor <= end {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kls, err := s.client.NewKlinesService().
			Symbol(symbol).Interval(interval).
			StartTime(cursor).EndTime(end).Limit(maxKlineBatch).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		batch := convertKlines(kls)
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		last := batch[len(batch)-1]
		next := last.CloseTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return dropUnclosed(out), nil
}

func normalizeArgs(symbol, interval string) (string, string, error) {
	// Binance 合约 symbol 不带斜杠（ETH/USDT → ETHUSDT）
	symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	if symbol == "" {
		return "", "", fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return "", "", fmt.Errorf("interval is required")
	}
	return symbol, interval, nil
}

func convertKlines(kls []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out
}

// dropUnclosed 丢掉尾部未收盘的 K 线，避免半根数据进账本。
func dropUnclosed(candles []market.Candle) []market.Candle {
	now := time.Now().UnixMilli()
	for len(candles) > 0 && candles[len(candles)-1].CloseTime > now {
		candles = candles[:len(candles)-1]
	}
	return candles
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
