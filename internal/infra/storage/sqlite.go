package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"l2_trader/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	defaultDBPath = "data/l2_trader.db"
	riskStateID   = 1
)

// Storage persists orders, trades, positions and the risk record in SQLite.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path and migrates the schema.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		path = defaultDBPath
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&domain.Order{}, &domain.Trade{}, &domain.Position{}, &domain.RiskState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Orders and trades
// ======================================================================================

// SaveOrder creates or updates an order by ID.
func (s *Storage) SaveOrder(ctx context.Context, order *domain.Order) error {
	return s.db.WithContext(ctx).Save(order).Error
}

// SaveTrade appends a realized trade.
func (s *Storage) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	return s.db.WithContext(ctx).Create(trade).Error
}

// GetOrder retrieves an order by ID. A missing order returns nil, nil.
func (s *Storage) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TradesSince returns trades closed at or after since, oldest first.
func (s *Storage) TradesSince(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.db.WithContext(ctx).
		Where("closed_at >= ?", since).
		Order("closed_at asc").
		Find(&trades).Error
	return trades, err
}

// ======================================================================================
// Positions
// ======================================================================================

// SavePosition upserts the position for its symbol.
func (s *Storage) SavePosition(ctx context.Context, pos *domain.Position) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(pos).Error
}

// DeletePosition removes the position for symbol. Deleting a missing row is not an error.
func (s *Storage) DeletePosition(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&domain.Position{}).Error
}

// Positions returns all stored positions keyed by symbol.
func (s *Storage) Positions(ctx context.Context) (map[string]domain.Position, error) {
	var rows []domain.Position
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make(map[string]domain.Position, len(rows))
	for _, p := range rows {
		result[p.Symbol] = p
	}
	return result, nil
}

// ======================================================================================
// Risk state
// ======================================================================================

// SaveRiskState stores the single risk record.
func (s *Storage) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	row := *state
	row.ID = riskStateID
	return s.db.WithContext(ctx).Save(&row).Error
}

// LoadRiskState returns the stored risk record, or nil if none was saved yet.
func (s *Storage) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	var state domain.RiskState
	err := s.db.WithContext(ctx).First(&state, riskStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
