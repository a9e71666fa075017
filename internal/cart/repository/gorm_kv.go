package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GuestCartRecord is one persisted guest cart payload
type GuestCartRecord struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Payload   []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name
func (GuestCartRecord) TableName() string {
	return "guest_carts"
}

// GormKV stores guest carts in a SQL table through GORM
type GormKV struct {
	db *gorm.DB
}

func NewGormKV(db *gorm.DB) *GormKV {
	return &GormKV{db: db}
}

func (r *GormKV) AutoMigrate() error {
	return r.db.AutoMigrate(&GuestCartRecord{})
}

func (r *GormKV) Get(ctx context.Context, key string) ([]byte, error) {
	var record GuestCartRecord
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find guest cart: %w", err)
	}
	return record.Payload, nil
}

func (r *GormKV) Set(ctx context.Context, key string, value []byte) error {
	record := GuestCartRecord{Key: key, Payload: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to save guest cart: %w", err)
	}
	return nil
}

func (r *GormKV) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("key = ?", key).Delete(&GuestCartRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete guest cart: %w", err)
	}
	return nil
}
