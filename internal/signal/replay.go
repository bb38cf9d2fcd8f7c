package signal

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"sable/internal/market"

	"github.com/tidwall/gjson"
)

// TimedSignal 是带投放时间的外部信号：At（毫秒）之后的第一根 K 线可见。
type TimedSignal struct {
	At     int64
	Signal Signal
}

// Replay 按时间回放外部信号文件，用于回测外部信号源的输出。
// 每条信号只投放一次。
type Replay struct {
	pending []TimedSignal
	cursor  int
}

// NewReplay 构造回放源。输入按 At 升序排列。
func NewReplay(signals []TimedSignal) *Replay {
	sorted := append([]TimedSignal(nil), signals...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Replay{pending: sorted}
}

// LoadReplayFile 读取信号文件。格式为 JSON 数组，元素需含 at（毫秒时间戳）
// 与标准信号字段。
func LoadReplayFile(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取信号文件失败: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("信号文件 %s 不是合法 JSON", path)
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("信号文件 %s 根节点必须是数组", path)
	}
	var out []TimedSignal
	var firstErr error
	parsed.ForEach(func(idx, item gjson.Result) bool {
		at := item.Get("at").Int()
		if at <= 0 {
			firstErr = fmt.Errorf("signal #%d: at 字段缺失或非法", int(idx.Int())+1)
			return false
		}
		sig, err := DecodeJSON(item.Raw)
		if err != nil {
			firstErr = fmt.Errorf("signal #%d: %w", int(idx.Int())+1, err)
			return false
		}
		out = append(out, TimedSignal{At: at, Signal: sig})
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return NewReplay(out), nil
}

// Generate 实现 Provider：返回 At 不晚于最新收盘时间、symbol 匹配的下一条信号。
func (r *Replay) Generate(_ context.Context, symbol string, history []market.Candle) (*Signal, error) {
	if len(history) == 0 {
		return nil, ErrDataGap
	}
	now := history[len(history)-1].CloseTime
	symbol = strings.ToUpper(symbol)
	for r.cursor < len(r.pending) {
		next := r.pending[r.cursor]
		if next.At > now {
			return nil, nil
		}
		r.cursor++
		if strings.ToUpper(next.Signal.Symbol) == symbol {
			sig := next.Signal
			return &sig, nil
		}
	}
	return nil, nil
}
