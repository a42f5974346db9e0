package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/railsignal/railwatch/internal/monitoring"
	"github.com/railsignal/railwatch/internal/rail"
)

// Session is one detection cycle's storage session: a transaction
// offering the reads the cycle needs plus the conflict upsert. A session
// is never shared across cycles.
type Session struct {
	tx   *sql.Tx
	done bool
}

// NewSession opens a storage session backed by a transaction.
func (db *DB) NewSession(ctx context.Context) (*Session, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage session: %w", err)
	}
	return &Session{tx: tx}, nil
}

// Commit commits the session's transaction.
func (s *Session) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Commit()
}

// Rollback aborts the session's transaction.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}

// Close releases the session. If neither Commit nor Rollback has been
// called the transaction is rolled back.
func (s *Session) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		monitoring.Logf("warning: failed to rollback storage session: %v", err)
		return err
	}
	return nil
}

// ListActiveTrains returns the active trains visible to this session.
func (s *Session) ListActiveTrains(ctx context.Context) ([]rail.Train, error) {
	rows, err := s.tx.QueryContext(ctx,
		`SELECT `+trainColumns+` FROM trains WHERE status = 'active' ORDER BY train_id`)
	if err != nil {
		return nil, err
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

// LatestPositions returns, per train, the freshest position sample newer
// than maxAge before now. Trains without a fresh sample are absent.
func (s *Session) LatestPositions(ctx context.Context, now time.Time, maxAge time.Duration) (map[int64]rail.Position, error) {
	cutoff := unixSeconds(now.Add(-maxAge))
	rows, err := s.tx.QueryContext(ctx, `
		SELECT p.train_id, p.recorded_at, p.section_id, p.speed_kmh, p.distance_m, p.lat, p.lon
		FROM train_positions p
		JOIN (
			SELECT train_id, MAX(recorded_at) AS recorded_at
			FROM train_positions
			WHERE recorded_at >= ?
			GROUP BY train_id
		) latest ON latest.train_id = p.train_id AND latest.recorded_at = p.recorded_at`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make(map[int64]rail.Position)
	for rows.Next() {
		var p rail.Position
		var recordedAt float64
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&p.TrainID, &recordedAt, &p.SectionID, &p.SpeedKmh,
			&p.DistanceM, &lat, &lon); err != nil {
			return nil, err
		}
		p.Timestamp = fromUnixSeconds(recordedAt)
		if lat.Valid {
			v := lat.Float64
			p.Lat = &v
		}
		if lon.Valid {
			v := lon.Float64
			p.Lon = &v
		}
		positions[p.TrainID] = p
	}
	return positions, rows.Err()
}

// ActiveSchedule returns the active schedule for a train, or nil when
// the train has none.
func (s *Session) ActiveSchedule(ctx context.Context, trainID int64) (*rail.Schedule, error) {
	var sched rail.Schedule
	var route string
	err := s.tx.QueryRowContext(ctx, `
		SELECT schedule_id, train_id, route_sections
		FROM train_schedules
		WHERE train_id = ? AND active = 1
		ORDER BY schedule_id DESC LIMIT 1`,
		trainID,
	).Scan(&sched.ID, &sched.TrainID, &route)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sched.RouteSections = decodeIDs(route)
	return &sched, nil
}

// PersistedConflict is the storage view of an unresolved conflict.
type PersistedConflict struct {
	ID            int64
	Key           string
	Kind          rail.ConflictKind
	Severity      int
	Bucket        rail.SeverityBucket
	Trains        []int64
	Sections      []int64
	Description   string
	DetectionTime time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
	AutoResolved  bool
}

// FindOpenConflict looks up the unresolved conflict with the given key,
// or nil when none exists.
func (s *Session) FindOpenConflict(ctx context.Context, key string) (*PersistedConflict, error) {
	var pc PersistedConflict
	var kind, bucket string
	var trains, sections string
	var description sql.NullString
	var detectionTime, updatedAt float64
	var resolvedAt sql.NullFloat64
	var autoResolved int

	err := s.tx.QueryRowContext(ctx, `
		SELECT conflict_id, conflict_key, kind, severity, severity_bucket,
			trains, sections, description, detection_time_unix,
			updated_at_unix, resolved_at_unix, auto_resolved
		FROM conflicts
		WHERE conflict_key = ? AND resolved_at_unix IS NULL`,
		key,
	).Scan(&pc.ID, &pc.Key, &kind, &pc.Severity, &bucket, &trains, &sections,
		&description, &detectionTime, &updatedAt, &resolvedAt, &autoResolved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pc.Kind = rail.ConflictKind(kind)
	pc.Bucket = rail.SeverityBucket(bucket)
	pc.Trains = decodeIDs(trains)
	pc.Sections = decodeIDs(sections)
	pc.Description = description.String
	pc.DetectionTime = fromUnixSeconds(detectionTime)
	pc.UpdatedAt = fromUnixSeconds(updatedAt)
	if resolvedAt.Valid {
		t := fromUnixSeconds(resolvedAt.Float64)
		pc.ResolvedAt = &t
	}
	pc.AutoResolved = autoResolved != 0
	return &pc, nil
}

// InsertConflict inserts a new open conflict row and returns its ID.
func (s *Session) InsertConflict(ctx context.Context, c rail.Conflict, now time.Time) (int64, error) {
	suggestions, _ := json.Marshal(c.Suggestions)
	metadata, _ := json.Marshal(c.Metadata)

	res, err := s.tx.ExecContext(ctx, `
		INSERT INTO conflicts (
			conflict_key, kind, severity, severity_bucket, trains, sections,
			time_to_impact_min, impact_time_unix, description, suggestions,
			metadata, detection_time_unix, updated_at_unix, auto_resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		c.Key(), string(c.Kind), c.Severity, string(rail.BucketForScore(c.Severity)),
		encodeIDs(c.Trains), encodeIDs(c.Sections), c.TimeToImpactMin,
		unixSeconds(c.ImpactTime), c.Description, string(suggestions),
		string(metadata), unixSeconds(now), unixSeconds(now),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateConflict refreshes an existing open conflict row after a
// re-detection of the same situation.
func (s *Session) UpdateConflict(ctx context.Context, id int64, c rail.Conflict, now time.Time) error {
	_, err := s.tx.ExecContext(ctx, `
		UPDATE conflicts SET
			severity = ?, severity_bucket = ?, time_to_impact_min = ?,
			impact_time_unix = ?, description = ?, updated_at_unix = ?
		WHERE conflict_id = ?`,
		c.Severity, string(rail.BucketForScore(c.Severity)), c.TimeToImpactMin,
		unixSeconds(c.ImpactTime), c.Description, unixSeconds(now), id,
	)
	return err
}

// PersistConflicts upserts the cycle's detected conflicts and commits.
// Re-detections of an open conflict update the existing row rather than
// creating a duplicate. On any error the transaction is rolled back and
// an empty ID list is returned; the next cycle re-detects the conflicts.
func (s *Session) PersistConflicts(ctx context.Context, conflicts []rail.Conflict, now time.Time) ([]int64, error) {
	ids := make([]int64, 0, len(conflicts))
	for _, c := range conflicts {
		existing, err := s.FindOpenConflict(ctx, c.Key())
		if err != nil {
			s.Rollback()
			return nil, fmt.Errorf("failed to look up open conflict: %w", err)
		}
		if existing != nil {
			if err := s.UpdateConflict(ctx, existing.ID, c, now); err != nil {
				s.Rollback()
				return nil, fmt.Errorf("failed to update conflict %d: %w", existing.ID, err)
			}
			ids = append(ids, existing.ID)
			continue
		}
		id, err := s.InsertConflict(ctx, c, now)
		if err != nil {
			s.Rollback()
			return nil, fmt.Errorf("failed to insert conflict: %w", err)
		}
		ids = append(ids, id)
	}
	if err := s.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conflicts: %w", err)
	}
	return ids, nil
}
