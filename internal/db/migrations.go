package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS plates (
		id              BIGSERIAL PRIMARY KEY,
		number          TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plates_normalized ON plates(normalized);`,
	`CREATE TABLE IF NOT EXISTS plate_events (
		id               BIGSERIAL PRIMARY KEY,
		event_id         UUID NOT NULL,
		plate_id         BIGINT REFERENCES plates(id),
		camera_id        TEXT NOT NULL,
		track_id         BIGINT NOT NULL,
		raw_plate        TEXT NOT NULL,
		normalized_plate TEXT NOT NULL,
		confidence       DOUBLE PRECISION,
		bbox             JSONB NOT NULL,
		zone_id          TEXT,
		direction        TEXT,
		frame_url        TEXT,
		crop_url         TEXT,
		votes            JSONB,
		extra            JSONB,
		event_time       TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plate_events_event_zone ON plate_events(event_id, COALESCE(zone_id, ''), COALESCE(direction, ''));`,
	`CREATE INDEX IF NOT EXISTS idx_plate_events_plate_id ON plate_events(plate_id);`,
	`CREATE INDEX IF NOT EXISTS idx_plate_events_event_time ON plate_events(event_time);`,
	`CREATE TABLE IF NOT EXISTS retry_items (
		id           BIGSERIAL PRIMARY KEY,
		position     INT NOT NULL,
		exporter     TEXT NOT NULL,
		event_id     UUID NOT NULL,
		event        JSONB NOT NULL,
		attempts     INT NOT NULL DEFAULT 0,
		enqueued_at  TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_retry_items_position ON retry_items(position);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
