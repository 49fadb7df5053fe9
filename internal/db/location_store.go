package db

import (
	"database/sql"
	"strings"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/uuid"
)

// LocationStore caches accepted position fixes until the location sync pass
// delivers them.
type LocationStore struct {
	db    *DB
	newID uuid.Generator
}

// NewLocationStore creates a LocationStore on db.
func NewLocationStore(db *DB) *LocationStore {
	return &LocationStore{db: db, newID: uuid.New}
}

const sampleColumns = `id, driver_id, latitude, longitude, accuracy, timestamp, speed, heading, synced`

// SaveSample stores a sample, assigning an id if it has none.
func (s *LocationStore) SaveSample(sample *models.LocationSample) error {
	if sample.ID == "" {
		sample.ID = s.newID()
	}

	stmt, err := s.db.prepare(`INSERT INTO location_samples (` + sampleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare save sample", err)
	}

	_, err = stmt.Exec(
		sample.ID,
		sample.DriverID,
		sample.Latitude,
		sample.Longitude,
		sample.Accuracy,
		toMillis(sample.Timestamp),
		nullFloat(sample.Speed),
		nullFloat(sample.Heading),
		boolToInt(sample.Synced),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert sample", err)
	}
	return nil
}

// ListUnsynced returns up to limit unsynced samples, oldest first.
// A limit <= 0 returns all of them.
func (s *LocationStore) ListUnsynced(limit int) ([]*models.LocationSample, error) {
	if limit <= 0 {
		limit = -1
	}

	stmt, err := s.db.prepare(`SELECT ` + sampleColumns + ` FROM location_samples
		WHERE synced = 0 ORDER BY timestamp, seq LIMIT ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare list samples", err)
	}

	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query samples", err)
	}
	defer rows.Close()

	var samples []*models.LocationSample
	for rows.Next() {
		var (
			sample  models.LocationSample
			ts      int64
			speed   sql.NullFloat64
			heading sql.NullFloat64
			synced  int
		)
		if err := rows.Scan(&sample.ID, &sample.DriverID, &sample.Latitude, &sample.Longitude,
			&sample.Accuracy, &ts, &speed, &heading, &synced); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan sample", err)
		}
		sample.Timestamp = fromMillis(ts)
		if speed.Valid {
			sample.Speed = &speed.Float64
		}
		if heading.Valid {
			sample.Heading = &heading.Float64
		}
		sample.Synced = synced == 1
		samples = append(samples, &sample)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate samples", err)
	}
	return samples, nil
}

// MarkSynced flags the given samples as delivered. Unknown ids are ignored.
func (s *LocationStore) MarkSynced(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `UPDATE location_samples SET synced = 1 WHERE id IN (` + placeholders + `)`
	if _, err := s.db.Exec(query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark samples synced", err)
	}
	return nil
}

// PruneSynced deletes synced samples beyond the newest keep ones and returns
// how many were removed. Unsynced samples are untouched.
func (s *LocationStore) PruneSynced(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	res, err := s.db.Exec(`DELETE FROM location_samples
		WHERE synced = 1 AND seq NOT IN (
			SELECT seq FROM location_samples WHERE synced = 1
			ORDER BY timestamp DESC, seq DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "prune synced samples", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountSamples returns the number of cached samples, split by sync state.
func (s *LocationStore) CountSamples() (unsynced, synced int, err error) {
	err = s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
		FROM location_samples`).Scan(&unsynced, &synced)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrDatabase, "count samples", err)
	}
	return unsynced, synced, nil
}

// ClearSamples deletes every cached sample.
func (s *LocationStore) ClearSamples() error {
	if _, err := s.db.Exec(`DELETE FROM location_samples`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear samples", err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
