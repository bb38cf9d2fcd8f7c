// Package gormstore 用 Gorm + SQLite 持久化实盘/纸面账本。
// 账本整体序列化为 JSON 存单行，load→mutate→save 构成唯一写路径。
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sable/internal/sim"
)

type portfolioStateModel struct {
	Name      string         `gorm:"primaryKey;size:64"`
	State     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
}

func (portfolioStateModel) TableName() string { return "portfolio_states" }

type closedTradeModel struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	Portfolio  string         `gorm:"index;size:64"`
	PositionID string         `gorm:"size:128"`
	Symbol     string         `gorm:"size:32"`
	NetPnL     float64        ``
	Reason     string         `gorm:"size:32"`
	ExitTime   int64          `gorm:"index"`
	Detail     datatypes.JSON ``
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
}

func (closedTradeModel) TableName() string { return "closed_trades" }

// GormStore implements portfolio persistence using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 状态库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&portfolioStateModel{}, &closedTradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePortfolio 整体覆盖写入命名账本，并把新增成交同步进 closed_trades
// 做可查询的只增日志。
func (s *GormStore) SavePortfolio(ctx context.Context, name string, pf *sim.Portfolio) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if pf == nil {
		return fmt.Errorf("portfolio 不能为空")
	}
	raw, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := portfolioStateModel{Name: name, State: datatypes.JSON(raw)}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		var logged int64
		if err := tx.Model(&closedTradeModel{}).Where("portfolio = ?", name).Count(&logged).Error; err != nil {
			return err
		}
		for _, t := range pf.Closed[logged:] {
			detail, err := json.Marshal(t)
			if err != nil {
				return err
			}
			rec := closedTradeModel{
				Portfolio:  name,
				PositionID: t.PositionID,
				Symbol:     t.Symbol,
				NetPnL:     t.NetPnL,
				Reason:     string(t.Reason),
				ExitTime:   t.ExitTime,
				Detail:     datatypes.JSON(detail),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPortfolio 读取命名账本；不存在时返回 (nil, nil)。
func (s *GormStore) LoadPortfolio(ctx context.Context, name string) (*sim.Portfolio, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var model portfolioStateModel
	err := s.db.WithContext(ctx).First(&model, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pf sim.Portfolio
	if err := json.Unmarshal(model.State, &pf); err != nil {
		return nil, fmt.Errorf("账本 %s 反序列化失败: %w", name, err)
	}
	if pf.Open == nil {
		pf.Open = make(map[string]*sim.Position)
	}
	return &pf, nil
}

// ListClosedTrades 按出场时间返回某账本的成交日志。
func (s *GormStore) ListClosedTrades(ctx context.Context, name string, limit int) ([]sim.ClosedTrade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []closedTradeModel
	if err := s.db.WithContext(ctx).
		Where("portfolio = ?", name).
		Order("exit_time ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]sim.ClosedTrade, 0, len(models))
	for _, m := range models {
		var t sim.ClosedTrade
		if err := json.Unmarshal(m.Detail, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Persistence 把 GormStore 绑定到一个账本名，实现 sim.Persistence。
type Persistence struct {
	store *GormStore
	name  string
}

// NewPersistence 构造绑定账本。
func NewPersistence(store *GormStore, name string) *Persistence {
	if name == "" {
		name = "default"
	}
	return &Persistence{store: store, name: name}
}

func (p *Persistence) Load(ctx context.Context) (*sim.Portfolio, error) {
	return p.store.LoadPortfolio(ctx, p.name)
}

func (p *Persistence) Save(ctx context.Context, pf *sim.Portfolio) error {
	return p.store.SavePortfolio(ctx, p.name, pf)
}

var _ sim.Persistence = (*Persistence)(nil)

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
