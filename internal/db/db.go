// Package db provides SQLite-backed storage for the rail network
// topology, fleet state, position samples, schedules and detected
// conflicts.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/railsignal/railwatch/internal/rail"
)

type DB struct {
	*sql.DB
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trains (
			train_id            INTEGER PRIMARY KEY,
			number              TEXT NOT NULL,
			kind                TEXT NOT NULL,
			priority            INTEGER NOT NULL DEFAULT 5,
			max_speed_kmh       REAL NOT NULL,
			length_m            REAL,
			weight_t            REAL,
			current_section_id  INTEGER,
			speed_kmh           REAL NOT NULL DEFAULT 0,
			load                INTEGER NOT NULL DEFAULT 0,
			status              TEXT NOT NULL DEFAULT 'active'
		);
		CREATE TABLE IF NOT EXISTS sections (
			section_id          INTEGER PRIMARY KEY,
			code                TEXT NOT NULL,
			kind                TEXT NOT NULL,
			length_m            REAL NOT NULL,
			max_speed_kmh       REAL NOT NULL,
			capacity            INTEGER NOT NULL DEFAULT 1,
			neighbors           TEXT,
			active              INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS train_positions (
			train_id            INTEGER NOT NULL,
			recorded_at         REAL NOT NULL,
			section_id          INTEGER NOT NULL,
			speed_kmh           REAL NOT NULL,
			distance_m          REAL NOT NULL DEFAULT 0,
			lat                 REAL,
			lon                 REAL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_train_time
			ON train_positions(train_id, recorded_at DESC);
		CREATE TABLE IF NOT EXISTS train_schedules (
			schedule_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			train_id            INTEGER NOT NULL,
			route_sections      TEXT NOT NULL,
			active              INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS conflicts (
			conflict_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			conflict_key        TEXT NOT NULL,
			kind                TEXT NOT NULL,
			severity            INTEGER NOT NULL,
			severity_bucket     TEXT NOT NULL,
			trains              TEXT NOT NULL,
			sections            TEXT NOT NULL,
			time_to_impact_min  REAL NOT NULL,
			impact_time_unix    REAL NOT NULL,
			description         TEXT,
			suggestions         TEXT,
			metadata            TEXT,
			detection_time_unix REAL NOT NULL,
			updated_at_unix     REAL NOT NULL,
			resolved_at_unix    REAL,
			auto_resolved       INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open
			ON conflicts(conflict_key) WHERE resolved_at_unix IS NULL;
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// unixSeconds converts a time to the REAL unix-seconds representation
// used throughout the schema.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func encodeIDs(ids []int64) string {
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}

// SaveTrain inserts or replaces a train row.
func (db *DB) SaveTrain(ctx context.Context, t rail.Train) error {
	var section sql.NullInt64
	if t.CurrentSectionID != nil {
		section = sql.NullInt64{Int64: *t.CurrentSectionID, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trains (
			train_id, number, kind, priority, max_speed_kmh, length_m,
			weight_t, current_section_id, speed_kmh, load, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Number, string(t.Kind), t.Priority, t.MaxSpeedKmh, t.LengthM,
		t.WeightT, section, t.SpeedKmh, t.Load, string(t.Status),
	)
	return err
}

// SaveSection inserts or replaces a section row.
func (db *DB) SaveSection(ctx context.Context, s rail.Section) error {
	active := 0
	if s.Active {
		active = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sections (
			section_id, code, kind, length_m, max_speed_kmh, capacity, neighbors, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Code, string(s.Kind), s.LengthM, s.MaxSpeedKmh, s.Capacity,
		encodeIDs(s.Neighbors), active,
	)
	return err
}

// SaveSchedule replaces the active schedule for a train.
func (db *DB) SaveSchedule(ctx context.Context, sched rail.Schedule) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE train_schedules SET active = 0 WHERE train_id = ?`, sched.TrainID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO train_schedules (train_id, route_sections, active)
		VALUES (?, ?, 1)`,
		sched.TrainID, encodeIDs(sched.RouteSections),
	)
	return err
}

// RecordPosition appends a position sample and mirrors the section onto
// the train row. The latest position sample is authoritative for the
// train's current section.
func (db *DB) RecordPosition(ctx context.Context, p rail.Position) error {
	var lat, lon sql.NullFloat64
	if p.Lat != nil {
		lat = sql.NullFloat64{Float64: *p.Lat, Valid: true}
	}
	if p.Lon != nil {
		lon = sql.NullFloat64{Float64: *p.Lon, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO train_positions (train_id, recorded_at, section_id, speed_kmh, distance_m, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.TrainID, unixSeconds(p.Timestamp), p.SectionID, p.SpeedKmh, p.DistanceM, lat, lon,
	)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE trains SET current_section_id = ?, speed_kmh = ? WHERE train_id = ?`,
		p.SectionID, p.SpeedKmh, p.TrainID,
	)
	return err
}

const trainColumns = `train_id, number, kind, priority, max_speed_kmh, length_m,
	weight_t, current_section_id, speed_kmh, load, status`

func scanTrain(rows *sql.Rows) (rail.Train, error) {
	var t rail.Train
	var kind, status string
	var length, weight sql.NullFloat64
	var section sql.NullInt64
	if err := rows.Scan(&t.ID, &t.Number, &kind, &t.Priority, &t.MaxSpeedKmh,
		&length, &weight, &section, &t.SpeedKmh, &t.Load, &status); err != nil {
		return rail.Train{}, err
	}
	t.Kind = rail.TrainKind(kind)
	t.Status = rail.TrainStatus(status)
	t.LengthM = length.Float64
	t.WeightT = weight.Float64
	if section.Valid {
		id := section.Int64
		t.CurrentSectionID = &id
	}
	return t, nil
}

// LoadTrains returns all trains with status 'active', ordered by ID.
func (db *DB) LoadTrains(ctx context.Context) ([]rail.Train, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+trainColumns+` FROM trains WHERE status = 'active' ORDER BY train_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trains: %w", err)
	}
	defer rows.Close()

	var trains []rail.Train
	for rows.Next() {
		t, err := scanTrain(rows)
		if err != nil {
			return nil, err
		}
		trains = append(trains, t)
	}
	return trains, rows.Err()
}

// LoadSections returns all active sections, ordered by ID.
func (db *DB) LoadSections(ctx context.Context) ([]rail.Section, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT section_id, code, kind, length_m, max_speed_kmh, capacity, neighbors, active
		FROM sections WHERE active = 1 ORDER BY section_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections: %w", err)
	}
	defer rows.Close()

	var sections []rail.Section
	for rows.Next() {
		var s rail.Section
		var kind string
		var neighbors sql.NullString
		var active int
		if err := rows.Scan(&s.ID, &s.Code, &kind, &s.LengthM, &s.MaxSpeedKmh,
			&s.Capacity, &neighbors, &active); err != nil {
			return nil, err
		}
		s.Kind = rail.SectionKind(kind)
		s.Active = active != 0
		if neighbors.Valid {
			s.Neighbors = decodeIDs(neighbors.String)
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}
