package backtest

import (
	"time"

	"sable/internal/metrics"
	"sable/internal/risk"
	"sable/internal/sim"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 是本次模拟的完整参数快照，写库后可据此重放。
type RunConfig struct {
	Profile        string       `json:"profile"`
	Symbol         string       `json:"symbol"`
	Timeframe      string       `json:"timeframe"`
	StartTS        int64        `json:"start_ts"`
	EndTS          int64        `json:"end_ts"`
	InitialBalance float64      `json:"initial_balance"`
	SlippageBps    float64      `json:"slippage_bps"`
	MinLookback    int          `json:"min_lookback"`
	Risk           risk.Config  `json:"risk"`
	Profiles       risk.Profile `json:"profile_params"`
	Notes          string       `json:"notes,omitempty"`
}

// Run 表示一次回测任务及其汇总结果。
type Run struct {
	ID             string         `json:"id"`
	Symbol         string         `json:"symbol"`
	Profile        string         `json:"profile"`
	Status         string         `json:"status"`
	StartTS        int64          `json:"start_ts"`
	EndTS          int64          `json:"end_ts"`
	Timeframe      string         `json:"timeframe"`
	InitialBalance float64        `json:"initial_balance"`
	FinalEquity    float64        `json:"final_equity"`
	Profit         float64        `json:"profit"`
	ReturnPct      float64        `json:"return_pct"`
	Trades         int            `json:"trades"`
	Rejections     int            `json:"rejections"`
	Message        string         `json:"message"`
	Config         RunConfig      `json:"config"`
	Report         metrics.Report `json:"report"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// RunRequest 是 HTTP 提交一次回测的请求体。
type RunRequest struct {
	Symbol         string  `json:"symbol" binding:"required"`
	Profile        string  `json:"profile"`
	Timeframe      string  `json:"timeframe"`
	StartTS        int64   `json:"start_ts" binding:"required"`
	EndTS          int64   `json:"end_ts" binding:"required"`
	InitialBalance float64 `json:"initial_balance"`
	SlippageBps    float64 `json:"slippage_bps"`
}

// RunResult 是模拟完成后的全量产物（内存态，入库由 ResultStore 负责）。
type RunResult struct {
	Run        Run                   `json:"run"`
	Trades     []sim.ClosedTrade     `json:"trades"`
	Curve      []sim.EquityPoint     `json:"curve"`
	Rejections []sim.RejectionRecord `json:"rejections"`
}
