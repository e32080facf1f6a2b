package gormstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	storemodel "scalpctl/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type (
	positionModel    = storemodel.PositionModel
	cooldownModel    = storemodel.CooldownModel
	circuitModel     = storemodel.CircuitModel
	modeModel        = storemodel.ModeModel
	tradeModel       = storemodel.TradeModel
	ledgerEventModel = storemodel.LedgerEventModel
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// GormStore is the state store: open positions, cooldowns, circuit state,
// mode history, closed trades and the ledger audit log.
type GormStore struct {
	db  *gorm.DB
	loc *time.Location
}

type Option func(*GormStore)

// WithLocation sets the timezone used to derive session dates.
func WithLocation(loc *time.Location) Option {
	return func(s *GormStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string, opts ...Option) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	dsn := "file::memory:"
	memory := path == MemoryPath
	if !memory {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&positionModel{},
		&cooldownModel{},
		&circuitModel{},
		&modeModel{},
		&tradeModel{},
		&ledgerEventModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if memory {
		// 每个连接都是独立的内存库
		sqlDB.SetMaxOpenConns(1)
	} else {
		// SQLite + WAL: the admin API reads while the engine writes.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	s := &GormStore{db: db, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
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

// SQLDB exposes the underlying *sql.DB for health checks.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

func (s *GormStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	return nil
}

// sessionOf returns the session date (YYYY-MM-DD) of t.
func (s *GormStore) sessionOf(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
