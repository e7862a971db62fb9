package db

import (
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/pkg/config"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	boom := errors.New("boom")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled-back"}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("rollback leaked a record, count %d", count)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := config.DBConfig{DSN: "file::memory:", Driver: "oracle"}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	cfg := config.DBConfig{Driver: "sqlite"}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error without DSN")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"nil error", nil, "uq_x", false},
		{"postgres wording", errors.New(`duplicate key value violates unique constraint "uq_x"`), "", true},
		{"sqlite wording", errors.New("UNIQUE constraint failed: reward_transactions.subject_id"), "", true},
		{"named constraint", errors.New(`pq: constraint uq_reward_tx_subject_rule_active violated`), "uq_reward_tx_subject_rule_active", true},
		{"unrelated error", errors.New("connection reset"), "uq_x", false},
	}

	for _, tt := range tests {
		if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
			t.Errorf("%s: expected %v got %v", tt.name, tt.want, got)
		}
	}
}
