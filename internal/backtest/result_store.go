package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sable/internal/signal"
	"sable/internal/sim"
)

// ResultStore 管理 backtest_runs/trades/snapshots/rejections 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewResultStore 在 root 下打开（必要时创建）runs.db。
func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

// Close 关闭底层数据库。
func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			profile TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			timeframe TEXT NOT NULL,
			initial_balance REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			rejections INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			report_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_time INTEGER NOT NULL,
			holding_ms INTEGER NOT NULL,
			entry_fee REAL NOT NULL,
			exit_fee REAL NOT NULL,
			gross_pnl REAL NOT NULL,
			net_pnl REAL NOT NULL,
			return_pct REAL NOT NULL,
			reason TEXT NOT NULL,
			max_favorable REAL,
			max_adverse REAL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			balance REAL NOT NULL,
			drawdown REAL NOT NULL,
			heat REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			reason TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON backtest_snapshots(run_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_run ON backtest_rejections(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录（pending/running 态）。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, profile, status, start_ts, end_ts, timeframe, initial_balance,
			 final_equity, profit, return_pct, trades, rejections, config_json, message,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Profile, run.Status, run.StartTS, run.EndTS, run.Timeframe,
		run.InitialBalance, run.FinalEquity, run.Profit, run.ReturnPct, run.Trades,
		run.Rejections, string(cfgJSON), run.Message, now, now)
	return err
}

// FinishRun 以完整结果收尾一条 run：汇总字段、报告、逐笔成交与快照。
func (s *ResultStore) FinishRun(ctx context.Context, res RunResult) error {
	reportJSON, err := json.Marshal(res.Run.Report)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, final_equity=?, profit=?, return_pct=?, trades=?, rejections=?,
		    report_json=?, message=?, updated_at=?, completed_at=?
		WHERE id=?`,
		res.Run.Status, res.Run.FinalEquity, res.Run.Profit, res.Run.ReturnPct,
		len(res.Trades), len(res.Rejections), string(reportJSON), res.Run.Message,
		now, now, res.Run.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, t := range res.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades
				(run_id, position_id, symbol, direction, entry_price, exit_price, quantity,
				 entry_time, exit_time, holding_ms, entry_fee, exit_fee, gross_pnl, net_pnl,
				 return_pct, reason, max_favorable, max_adverse)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.Run.ID, t.PositionID, t.Symbol, string(t.Direction), t.EntryPrice, t.ExitPrice,
			t.Quantity, t.EntryTime, t.ExitTime, t.HoldingMs, t.EntryFee, t.ExitFee,
			t.GrossPnL, t.NetPnL, t.ReturnPct, string(t.Reason), t.MaxFavorable, t.MaxAdverse); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, p := range res.Curve {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_snapshots (run_id, ts, equity, balance, drawdown, heat)
			VALUES (?, ?, ?, ?, ?, ?)`,
			res.Run.ID, p.TS, p.Equity, p.Balance, p.Drawdown, p.Heat); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, rej := range res.Rejections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_rejections (run_id, ts, symbol, reason)
			VALUES (?, ?, ?, ?)`,
			res.Run.ID, rej.TS, rej.Symbol, rej.Reason); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// ListRuns 按创建时间倒序列出 run。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, profile, status, start_ts, end_ts, timeframe, initial_balance,
		       final_equity, profit, return_pct, trades, rejections, config_json, report_json,
		       message, created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

// GetRun 读取单条 run。
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, profile, status, start_ts, end_ts, timeframe, initial_balance,
		       final_equity, profit, return_pct, trades, rejections, config_json, report_json,
		       message, created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

// ListTrades 返回某次 run 的逐笔成交（按出场顺序）。
func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]sim.ClosedTrade, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, symbol, direction, entry_price, exit_price, quantity,
		       entry_time, exit_time, holding_ms, entry_fee, exit_fee, gross_pnl, net_pnl,
		       return_pct, reason, max_favorable, max_adverse
		FROM backtest_trades
		WHERE run_id=?
		ORDER BY exit_time ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sim.ClosedTrade
	for rows.Next() {
		var t sim.ClosedTrade
		var direction, reason string
		if err := rows.Scan(&t.PositionID, &t.Symbol, &direction, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.EntryTime, &t.ExitTime, &t.HoldingMs, &t.EntryFee, &t.ExitFee,
			&t.GrossPnL, &t.NetPnL, &t.ReturnPct, &reason, &t.MaxFavorable, &t.MaxAdverse); err != nil {
			return nil, err
		}
		t.Direction = signal.Direction(direction)
		t.Reason = sim.ExitReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSnapshots 返回某次 run 的资金曲线。
func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]sim.EquityPoint, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity, balance, drawdown, heat
		FROM backtest_snapshots
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sim.EquityPoint
	for rows.Next() {
		var p sim.EquityPoint
		if err := rows.Scan(&p.TS, &p.Equity, &p.Balance, &p.Drawdown, &p.Heat); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRejections 返回某次 run 的被拒信号。
func (s *ResultStore) ListRejections(ctx context.Context, runID string, limit int) ([]sim.RejectionRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, symbol, reason
		FROM backtest_rejections
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sim.RejectionRecord
	for rows.Next() {
		var r sim.RejectionRecord
		if err := rows.Scan(&r.TS, &r.Symbol, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var reportStr sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Profile, &run.Status,
		&run.StartTS, &run.EndTS, &run.Timeframe, &run.InitialBalance,
		&run.FinalEquity, &run.Profit, &run.ReturnPct, &run.Trades, &run.Rejections,
		&cfgStr, &reportStr, &run.Message, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if reportStr.Valid && reportStr.String != "" {
		if err := json.Unmarshal([]byte(reportStr.String), &run.Report); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
