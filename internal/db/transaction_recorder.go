package db

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hexbridge-labs/triarb/pkg/executor"
)

// TradeAttemptRow is the database model for executor.TradeAttemptRecord.
type TradeAttemptRow struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	PathID        uint64    `gorm:"index;not null"`
	AmountIn      string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	AmountOut     string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	ProfitRaw     string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	ProfitUSD     float64   `gorm:"not null"`
	GasWei        string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	GasUSD        float64   `gorm:"not null"`
	Route         string    `gorm:"type:varchar(16);not null"`
	TxHashes      string    `gorm:"type:text;not null;comment:JSON array of hex tx hashes"`
	TerminalState string    `gorm:"type:varchar(16);index;not null"`
	BlockNumber   uint64    `gorm:"index;not null"`
	Timestamp     time.Time `gorm:"index;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TradeAttemptRow) TableName() string {
	return "trade_attempts"
}

// MySQLRecorder implements executor.TradeRecorder using GORM and MySQL.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder creates a new MySQLRecorder instance.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := db.AutoMigrate(&TradeAttemptRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// NewMySQLRecorderWithDB creates a new MySQLRecorder with an existing GORM DB instance.
func NewMySQLRecorderWithDB(db *gorm.DB) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&TradeAttemptRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// RecordAttempt implements executor.TradeRecorder.
func (r *MySQLRecorder) RecordAttempt(attempt executor.TradeAttemptRecord) error {
	hashesJSON, err := json.Marshal(attempt.TxHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal tx hashes: %w", err)
	}

	row := TradeAttemptRow{
		PathID:        attempt.PathID,
		AmountIn:      stringOrZero(attempt.AmountIn),
		AmountOut:     stringOrZero(attempt.AmountOut),
		ProfitRaw:     stringOrZero(attempt.ProfitRaw),
		ProfitUSD:     attempt.ProfitUSD,
		GasWei:        stringOrZero(attempt.GasWei),
		GasUSD:        attempt.GasUSD,
		Route:         attempt.Route,
		TxHashes:      string(hashesJSON),
		TerminalState: attempt.TerminalState,
		BlockNumber:   attempt.BlockNumber,
		Timestamp:     attempt.Timestamp,
	}

	result := r.db.Create(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to record trade attempt: %w", result.Error)
	}

	return nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// stringOrZero safely defaults an empty big.Int string encoding to "0".
func stringOrZero(value string) string {
	if value == "" {
		return "0"
	}
	return value
}

// GetAttemptsByPath retrieves every recorded attempt for a path, most recent first.
func (r *MySQLRecorder) GetAttemptsByPath(pathID uint64) ([]TradeAttemptRow, error) {
	var rows []TradeAttemptRow
	result := r.db.Where("path_id = ?", pathID).
		Order("timestamp DESC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get attempts for path %d: %w", pathID, result.Error)
	}
	return rows, nil
}

// GetAttemptsByState retrieves every recorded attempt that reached a given
// terminal state (Included, Reverted, Dropped, Timeout).
func (r *MySQLRecorder) GetAttemptsByState(state string) ([]TradeAttemptRow, error) {
	var rows []TradeAttemptRow
	result := r.db.Where("terminal_state = ?", state).
		Order("timestamp DESC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get attempts in state %s: %w", state, result.Error)
	}
	return rows, nil
}

// CountAttempts returns the total number of recorded trade attempts.
func (r *MySQLRecorder) CountAttempts() (int64, error) {
	var count int64
	result := r.db.Model(&TradeAttemptRow{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", result.Error)
	}
	return count, nil
}
