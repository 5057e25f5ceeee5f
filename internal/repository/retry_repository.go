package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anpr-edge/internal/domain/anpr"
)

// RetryRepository keeps the dispatcher retry queue in Postgres. It satisfies
// export.QueueStore.
type RetryRepository struct {
	db *gorm.DB
}

func NewRetryRepository(db *gorm.DB) *RetryRepository {
	return &RetryRepository{db: db}
}

type RetryItem struct {
	ID         int64          `gorm:"primaryKey"`
	Position   int            `gorm:"not null"`
	Exporter   string         `gorm:"not null"`
	EventID    uuid.UUID      `gorm:"type:uuid;not null"`
	Event      datatypes.JSON `gorm:"type:jsonb;not null"`
	Attempts   int            `gorm:"not null"`
	EnqueuedAt time.Time      `gorm:"not null"`
	CreatedAt  time.Time
}

func (r *RetryRepository) Load(ctx context.Context) ([]anpr.RetryItem, error) {
	var rows []RetryItem
	if err := r.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load retry items: %w", err)
	}

	items := make([]anpr.RetryItem, 0, len(rows))
	for _, row := range rows {
		var ev anpr.PlateEvent
		if err := json.Unmarshal(row.Event, &ev); err != nil {
			return nil, fmt.Errorf("decode retry item %d: %w", row.ID, err)
		}
		items = append(items, anpr.RetryItem{
			Sink:       row.Exporter,
			Event:      ev,
			EnqueuedAt: row.EnqueuedAt,
			Attempts:   row.Attempts,
		})
	}
	return items, nil
}

// Save rewrites the whole queue in one transaction so a crash leaves either
// the old or the new queue.
func (r *RetryRepository) Save(ctx context.Context, items []anpr.RetryItem) error {
	rows := make([]RetryItem, 0, len(items))
	now := time.Now()
	for i, it := range items {
		payload, err := json.Marshal(it.Event)
		if err != nil {
			return fmt.Errorf("encode retry item %d: %w", i, err)
		}
		rows = append(rows, RetryItem{
			Position:   i,
			Exporter:   it.Sink,
			EventID:    it.Event.ID,
			Event:      datatypes.JSON(payload),
			Attempts:   it.Attempts,
			EnqueuedAt: it.EnqueuedAt,
			CreatedAt:  now,
		})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM retry_items").Error; err != nil {
			return fmt.Errorf("clear retry items: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
			return fmt.Errorf("insert retry items: %w", err)
		}
		return nil
	})
}
