package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anpr-edge/internal/domain/anpr"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

type Plate struct {
	ID         int64  `gorm:"primaryKey"`
	Number     string `gorm:"not null"`
	Normalized string `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time
}

type PlateEvent struct {
	ID              int64     `gorm:"primaryKey"`
	EventID         uuid.UUID `gorm:"type:uuid;not null"`
	PlateID         *int64
	CameraID        string `gorm:"not null"`
	TrackID         int64  `gorm:"not null"`
	RawPlate        string `gorm:"not null"`
	NormalizedPlate string `gorm:"not null"`
	Confidence      *float64
	BBox            datatypes.JSON `gorm:"column:bbox;type:jsonb;not null"`
	ZoneID          *string
	Direction       *string
	FrameURL        *string
	CropURL         *string
	Votes           datatypes.JSON `gorm:"type:jsonb"`
	Extra           datatypes.JSON `gorm:"type:jsonb"`
	EventTime       time.Time      `gorm:"not null"`
	CreatedAt       time.Time
}

func (r *EventRepository) GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error) {
	return getOrCreatePlate(r.db.WithContext(ctx), normalized, original)
}

func getOrCreatePlate(tx *gorm.DB, normalized, original string) (int64, error) {
	var plate Plate
	err := tx.Where("normalized = ?", normalized).First(&plate).Error
	if err == nil {
		return plate.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	plate = Plate{
		Number:     original,
		Normalized: normalized,
		CreatedAt:  time.Now(),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "normalized"}},
		DoNothing: true,
	}).Create(&plate)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 {
		return plate.ID, nil
	}

	// Another writer inserted the same plate first.
	var existing Plate
	if err := tx.Where("normalized = ?", normalized).First(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// CreatePlateEvent stores a delivered event. Redelivery of the same event is
// absorbed by the unique (event_id, zone, direction) index.
func (r *EventRepository) CreatePlateEvent(ctx context.Context, event anpr.PlateEvent) error {
	row, err := toPlateEventRow(event)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event.NormalizedPlate != "" {
			plateID, err := getOrCreatePlate(tx, event.NormalizedPlate, event.Plate)
			if err != nil {
				return fmt.Errorf("get or create plate: %w", err)
			}
			row.PlateID = &plateID
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func toPlateEventRow(event anpr.PlateEvent) (PlateEvent, error) {
	bbox, err := json.Marshal(event.BBox)
	if err != nil {
		return PlateEvent{}, fmt.Errorf("encode bbox: %w", err)
	}
	row := PlateEvent{
		EventID:         event.ID,
		CameraID:        event.CameraID,
		TrackID:         event.TrackID,
		RawPlate:        event.Plate,
		NormalizedPlate: event.NormalizedPlate,
		BBox:            datatypes.JSON(bbox),
		EventTime:       event.Timestamp,
		CreatedAt:       time.Now(),
	}

	if event.Confidence != 0 {
		row.Confidence = &event.Confidence
	}
	if event.Zone != nil {
		zoneID := event.Zone.ZoneID
		direction := string(event.Zone.Type)
		row.ZoneID = &zoneID
		row.Direction = &direction
	}
	if event.FrameURL != "" {
		row.FrameURL = &event.FrameURL
	}
	if event.CropURL != "" {
		row.CropURL = &event.CropURL
	}
	if len(event.Votes) > 0 {
		votes, err := json.Marshal(event.Votes)
		if err != nil {
			return PlateEvent{}, fmt.Errorf("encode votes: %w", err)
		}
		row.Votes = datatypes.JSON(votes)
	}
	if len(event.Extra) > 0 {
		extra, err := json.Marshal(event.Extra)
		if err != nil {
			return PlateEvent{}, fmt.Errorf("encode extra: %w", err)
		}
		row.Extra = datatypes.JSON(extra)
	}
	return row, nil
}

// DeleteOldEvents removes events older than the given number of days.
func (r *EventRepository) DeleteOldEvents(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("event_time < ?", cutoff).
		Delete(&PlateEvent{})
	return res.RowsAffected, res.Error
}
