package db

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/hexbridge-labs/triarb/pkg/executor"
)

func TestMySQLRecorder_RecordAttempt(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to create gorm DB: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `trade_attempts`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Bypass auto-migration for testing.
	recorder := &MySQLRecorder{db: gormDB}

	attempt := executor.TradeAttemptRecord{
		PathID:        7,
		AmountIn:      "1000000000000000000",
		AmountOut:     "1010000000000000000",
		ProfitRaw:     "10000000000000000",
		ProfitUSD:     25.5,
		GasWei:        "21000000000000",
		GasUSD:        0.42,
		Route:         "private",
		TxHashes:      []string{"0xabc123"},
		TerminalState: "Included",
		BlockNumber:   18500000,
		Timestamp:     time.Now(),
	}

	if err := recorder.RecordAttempt(attempt); err != nil {
		t.Errorf("RecordAttempt failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMySQLRecorder_RecordAttemptDefaultsEmptyAmounts(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to create gorm DB: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `trade_attempts`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	recorder := &MySQLRecorder{db: gormDB}

	attempt := executor.TradeAttemptRecord{
		PathID:        3,
		TerminalState: "Dropped",
		Timestamp:     time.Now(),
	}

	if err := recorder.RecordAttempt(attempt); err != nil {
		t.Errorf("RecordAttempt failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStringOrZero(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty value", input: "", expected: "0"},
		{name: "zero value", input: "0", expected: "0"},
		{name: "positive value", input: "123456789", expected: "123456789"},
		{name: "large value", input: "18446744073709551615", expected: "18446744073709551615"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := stringOrZero(tt.input)
			if result != tt.expected {
				t.Errorf("stringOrZero() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestTradeAttemptRow_TableName(t *testing.T) {
	row := TradeAttemptRow{}
	expected := "trade_attempts"
	if row.TableName() != expected {
		t.Errorf("TableName() = %v, want %v", row.TableName(), expected)
	}
}

// Integration test example (requires an actual MySQL instance).
// Uncomment and configure DSN to run.
/*
func TestMySQLRecorder_Integration(t *testing.T) {
	dsn := "testuser:testpass@tcp(localhost:3306)/triarb_test?charset=utf8mb4&parseTime=True&loc=Local"

	recorder, err := NewMySQLRecorder(dsn)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	defer recorder.Close()

	attempt := executor.TradeAttemptRecord{
		PathID:        1,
		AmountIn:      "1000000000000000000",
		TerminalState: "Included",
		Timestamp:     time.Now(),
	}

	if err := recorder.RecordAttempt(attempt); err != nil {
		t.Errorf("RecordAttempt failed: %v", err)
	}

	count, err := recorder.CountAttempts()
	if err != nil {
		t.Errorf("CountAttempts failed: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one recorded attempt")
	}
}
*/
