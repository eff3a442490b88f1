// Package sqlite persists anchors, the alignment cache and per-session
// pose trails in a single sqlite database.
package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/alignment"
)

// Store wraps the session database.
type Store struct {
	*sql.DB
}

// schema.sql creates the anchors, alignment_cache and pose_log tables.
// It matches the cumulative result of the versioned migrations.
//
//go:embed schema.sql
var schemaSQL string

// Open opens (or creates) the database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db}, nil
}

// OpenBare opens the database without applying the embedded schema. The
// migrate subcommand uses it so the versioned migrations manage the
// schema themselves.
func OpenBare(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db}, nil
}

// SaveAnchor inserts the anchor, replacing any previous anchor for the
// same marker. At most one anchor may exist per marker.
func (s *Store) SaveAnchor(a marker.Anchor) error {
	query := `
		INSERT INTO anchors (handle, marker_id, pos_x, pos_y, pos_z, rot_w, rot_x, rot_y, rot_z, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(marker_id) DO UPDATE SET
			handle = excluded.handle,
			pos_x = excluded.pos_x, pos_y = excluded.pos_y, pos_z = excluded.pos_z,
			rot_w = excluded.rot_w, rot_x = excluded.rot_x, rot_y = excluded.rot_y, rot_z = excluded.rot_z,
			created_at = excluded.created_at
	`
	_, err := s.Exec(query,
		a.Handle, a.MarkerID,
		a.Position.X, a.Position.Y, a.Position.Z,
		a.Rotation.Real, a.Rotation.Imag, a.Rotation.Jmag, a.Rotation.Kmag,
		a.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to save anchor %s: %w", a.Handle, err)
	}
	return nil
}

// DeleteAnchor removes the anchor with the given handle.
func (s *Store) DeleteAnchor(handle string) error {
	if _, err := s.Exec(`DELETE FROM anchors WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("failed to delete anchor %s: %w", handle, err)
	}
	return nil
}

// LoadAnchors returns all persisted anchors, oldest first.
func (s *Store) LoadAnchors() ([]marker.Anchor, error) {
	rows, err := s.Query(`
		SELECT handle, marker_id, pos_x, pos_y, pos_z, rot_w, rot_x, rot_y, rot_z, created_at
		FROM anchors ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []marker.Anchor
	for rows.Next() {
		var a marker.Anchor
		var createdMicro int64
		if err := rows.Scan(&a.Handle, &a.MarkerID,
			&a.Position.X, &a.Position.Y, &a.Position.Z,
			&a.Rotation.Real, &a.Rotation.Imag, &a.Rotation.Jmag, &a.Rotation.Kmag,
			&createdMicro); err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		a.CreatedAt = time.UnixMicro(createdMicro).UTC()
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

// SaveAlignment upserts the alignment result for the given layout
// fingerprint.
func (s *Store) SaveAlignment(fingerprint string, res alignment.Result) error {
	query := `
		INSERT INTO alignment_cache (layout_fingerprint, trans_x, trans_y, trans_z, yaw_rad, rms_error, correspondences, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(layout_fingerprint) DO UPDATE SET
			trans_x = excluded.trans_x, trans_y = excluded.trans_y, trans_z = excluded.trans_z,
			yaw_rad = excluded.yaw_rad,
			rms_error = excluded.rms_error,
			correspondences = excluded.correspondences,
			saved_at = excluded.saved_at
	`
	_, err := s.Exec(query,
		fingerprint,
		res.Translation.X, res.Translation.Y, res.Translation.Z,
		res.YawRad, res.RMSError, res.Correspondences,
		time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to save alignment: %w", err)
	}
	return nil
}

// LoadAlignment returns the cached alignment for the fingerprint. A cache
// entry recorded under a different layout is never returned: the caller
// passes the fingerprint of the layout it actually loaded.
func (s *Store) LoadAlignment(fingerprint string) (alignment.Result, bool, error) {
	var res alignment.Result
	err := s.QueryRow(`
		SELECT trans_x, trans_y, trans_z, yaw_rad, rms_error, correspondences
		FROM alignment_cache WHERE layout_fingerprint = ?
	`, fingerprint).Scan(
		&res.Translation.X, &res.Translation.Y, &res.Translation.Z,
		&res.YawRad, &res.RMSError, &res.Correspondences)
	if err == sql.ErrNoRows {
		return alignment.Result{}, false, nil
	}
	if err != nil {
		return alignment.Result{}, false, fmt.Errorf("failed to load alignment: %w", err)
	}
	return res, true, nil
}

// PoseSample is one persisted pose-log row, used by the trail plotter.
type PoseSample struct {
	MarkerID   string
	Raw        r3.Vec
	Filtered   r3.Vec
	Distance   float64
	Confidence float64
	Timestamp  time.Time
}

// RecordPose appends one sample to the pose log.
func (s *Store) RecordPose(p PoseSample) error {
	query := `
		INSERT INTO pose_log (marker_id, raw_x, raw_y, raw_z, filt_x, filt_y, filt_z, distance, confidence, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.Exec(query,
		p.MarkerID,
		p.Raw.X, p.Raw.Y, p.Raw.Z,
		p.Filtered.X, p.Filtered.Y, p.Filtered.Z,
		p.Distance, p.Confidence, p.Timestamp.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to record pose: %w", err)
	}
	return nil
}

// PoseTrail returns the marker's pose samples in time order.
func (s *Store) PoseTrail(markerID string) ([]PoseSample, error) {
	rows, err := s.Query(`
		SELECT marker_id, raw_x, raw_y, raw_z, filt_x, filt_y, filt_z, distance, confidence, timestamp
		FROM pose_log WHERE marker_id = ? ORDER BY timestamp
	`, markerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pose trail: %w", err)
	}
	defer rows.Close()

	var samples []PoseSample
	for rows.Next() {
		var p PoseSample
		var tsMicro int64
		if err := rows.Scan(&p.MarkerID,
			&p.Raw.X, &p.Raw.Y, &p.Raw.Z,
			&p.Filtered.X, &p.Filtered.Y, &p.Filtered.Z,
			&p.Distance, &p.Confidence, &tsMicro); err != nil {
			return nil, fmt.Errorf("failed to scan pose sample: %w", err)
		}
		p.Timestamp = time.UnixMicro(tsMicro).UTC()
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// PoseMarkerIDs returns the distinct marker ids present in the pose log.
func (s *Store) PoseMarkerIDs() ([]string, error) {
	rows, err := s.Query(`SELECT DISTINCT marker_id FROM pose_log ORDER BY marker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pose marker ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
