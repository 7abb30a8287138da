// Package store persists user feedback on snapshots so it can be synced
// to the POI service later. It is the engine's TagRecorder.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
	"github.com/banshee-data/urbo/internal/security"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the feedback database.
type DB struct {
	*sql.DB
	imageDir string
}

// Open opens (creating if needed) the database at path and migrates it
// to the latest schema. Snapshot JPEGs are written under imageDir; an
// empty imageDir disables image retention.
func Open(path, imageDir string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the per-connection pragmas in force and
	// serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db := &DB{DB: sqlDB, imageDir: imageDir}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if imageDir != "" {
		if err := security.EnsureDir(imageDir); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("create image dir: %w", err)
		}
	}
	monitoring.Opsf("feedback database ready at %s", path)
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version, or 0 if none is applied.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Diagf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Event is one row of reco_events.
type Event struct {
	EventID       string   `json:"event_id"`
	SessionID     string   `json:"session_id"`
	SnapshotID    int64    `json:"snapshot_id"`
	Action        string   `json:"action"`
	Outcome       string   `json:"outcome"`
	UserInitiated bool     `json:"user_initiated"`
	PoiClientID   string   `json:"poi_client_id,omitempty"`
	PoiServerID   string   `json:"poi_server_id,omitempty"`
	PoiName       string   `json:"poi_name,omitempty"`
	IsIndex       bool     `json:"is_index"`
	Heading       float64  `json:"heading"`
	Pitch         float64  `json:"pitch"`
	Lat           float64  `json:"lat"`
	Lon           float64  `json:"lon"`
	Accuracy      float64  `json:"accuracy"`
	Votes         []string `json:"votes,omitempty"`
	ImagePath     string   `json:"image_path,omitempty"`
	ClientTime    int64    `json:"client_unix_nanos"`
	Synced        bool     `json:"synced"`
}

func (e *Event) String() string {
	return fmt.Sprintf("%s snapshot=%d action=%s outcome=%s poi=%s/%s index=%t",
		e.EventID, e.SnapshotID, e.Action, e.Outcome, e.PoiClientID, e.PoiServerID, e.IsIndex)
}

// vote is the stored form of a matcher vote.
type vote struct {
	Key        string  `json:"key"`
	Confidence float64 `json:"confidence"`
}

// RecordTag stores a confirm, reject or tag on snap. Client-only POIs
// named by a tag are remembered so they survive a restart. An image
// written for an event that is not committed is removed again.
func (db *DB) RecordTag(ctx context.Context, action string, snap *recognition.Snapshot, res recognition.TagResult) (err error) {
	if snap == nil {
		return fmt.Errorf("record %s: nil snapshot", action)
	}
	eventID := uuid.New().String()

	votes := make([]vote, 0, len(snap.Votes))
	for _, v := range snap.Votes {
		votes = append(votes, vote{Key: v.Poi.Key(), Confidence: v.Confidence})
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}

	imagePath, created, imgErr := db.saveImage(snap)
	if imgErr != nil {
		monitoring.Diagf("snapshot %d image not kept: %v", snap.ID, imgErr)
	}
	if created {
		defer func() {
			if err == nil {
				return
			}
			if rmErr := os.Remove(imagePath); rmErr != nil {
				monitoring.Diagf("remove orphaned image %s: %v", imagePath, rmErr)
			}
		}()
	}

	var clientID, serverID, name sql.NullString
	if p := res.Poi; p != nil {
		clientID = nullString(p.ClientID)
		serverID = nullString(p.ID)
		name = nullString(p.Name)
	}
	loc := snap.Sensors.Location

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO reco_events (
		event_id, session_id, snapshot_id, action, outcome, user_initiated,
		poi_client_id, poi_server_id, poi_name, is_index,
		heading, pitch, lat, lon, accuracy, votes_json, image_path, client_unix_nanos
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eventID, snap.SessionID, snap.ID, action, snap.Outcome.String(), snap.UserInitiated,
		clientID, serverID, name, res.IsIndex,
		snap.Sensors.Heading, snap.Sensors.Pitch, loc.Lat, loc.Lon, loc.Accuracy,
		string(votesJSON), nullString(imagePath), snap.ClientTimestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if p := res.Poi; p != nil && p.IsClientOnly() {
		meta, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO local_pois (client_id, server_id, name, lat, lon, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET server_id = excluded.server_id, name = excluded.name`,
			p.ClientID, nullString(p.ID), p.Name, p.Location.Lat, p.Location.Lon, string(meta))
		if err != nil {
			return fmt.Errorf("upsert local poi: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	monitoring.Tracef("recorded %s for snapshot %d as %s", action, snap.ID, eventID)
	return nil
}

// saveImage writes the snapshot JPEG once; created reports whether this
// call wrote it.
func (db *DB) saveImage(snap *recognition.Snapshot) (path string, created bool, err error) {
	if db.imageDir == "" || snap.Image == nil || len(snap.Image.Data) == 0 {
		return "", false, nil
	}
	path, err = security.SnapshotImagePath(db.imageDir, snap.SessionID, snap.ID)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.WriteFile(path, snap.Image.Data, 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// RebindPoi attaches the server id assigned to a client-created POI to
// every event and local POI row that names it, and queues those events
// for another sync.
func (db *DB) RebindPoi(ctx context.Context, clientID, serverID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE reco_events SET poi_server_id = ?, synced = 0 WHERE poi_client_id = ?`,
		serverID, clientID); err != nil {
		return fmt.Errorf("rebind events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE local_pois SET server_id = ? WHERE client_id = ?`,
		serverID, clientID); err != nil {
		return fmt.Errorf("rebind local poi: %w", err)
	}
	return tx.Commit()
}

// PendingEvents returns up to limit unsynced events, oldest first.
func (db *DB) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryEvents(ctx, `WHERE synced = 0 ORDER BY client_unix_nanos, event_id LIMIT ?`, limit)
}

// SessionEvents returns every event of a session in recording order.
func (db *DB) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	return db.queryEvents(ctx, `WHERE session_id = ? ORDER BY client_unix_nanos, event_id`, sessionID)
}

func (db *DB) queryEvents(ctx context.Context, where string, args ...interface{}) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT event_id, session_id, snapshot_id, action, outcome, user_initiated,
		poi_client_id, poi_server_id, poi_name, is_index, heading, pitch, lat, lon, accuracy,
		votes_json, image_path, client_unix_nanos, synced
		FROM reco_events `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var clientID, serverID, name, votesJSON, imagePath sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.SnapshotID, &ev.Action, &ev.Outcome, &ev.UserInitiated,
			&clientID, &serverID, &name, &ev.IsIndex, &ev.Heading, &ev.Pitch, &ev.Lat, &ev.Lon, &ev.Accuracy,
			&votesJSON, &imagePath, &ev.ClientTime, &ev.Synced); err != nil {
			return nil, err
		}
		ev.PoiClientID = clientID.String
		ev.PoiServerID = serverID.String
		ev.PoiName = name.String
		ev.ImagePath = imagePath.String
		if votesJSON.Valid {
			var votes []vote
			if err := json.Unmarshal([]byte(votesJSON.String), &votes); err != nil {
				return nil, fmt.Errorf("event %s votes: %w", ev.EventID, err)
			}
			for _, v := range votes {
				ev.Votes = append(ev.Votes, v.Key)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkSynced flags events as delivered and returns how many changed.
func (db *DB) MarkSynced(ctx context.Context, eventIDs ...string) (int64, error) {
	var n int64
	for _, id := range eventIDs {
		res, err := db.ExecContext(ctx, `UPDATE reco_events SET synced = 1 WHERE event_id = ? AND synced = 0`, id)
		if err != nil {
			return n, err
		}
		c, err := res.RowsAffected()
		if err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

// LocalPois returns the client-created POIs recorded so far so a new
// session can offer them again.
func (db *DB) LocalPois(ctx context.Context) ([]poi.Poi, error) {
	rows, err := db.QueryContext(ctx, `SELECT client_id, server_id, name, lat, lon, metadata_json FROM local_pois ORDER BY created_at, client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []poi.Poi
	for rows.Next() {
		var p poi.Poi
		var serverID, name, meta sql.NullString
		if err := rows.Scan(&p.ClientID, &serverID, &name, &p.Location.Lat, &p.Location.Lon, &meta); err != nil {
			return nil, err
		}
		p.ID = serverID.String
		p.Name = name.String
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
				return nil, fmt.Errorf("local poi %s metadata: %w", p.ClientID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats summarises the table sizes for the debug page.
type Stats struct {
	Events    int `json:"events"`
	Pending   int `json:"pending"`
	LocalPois int `json:"local_pois"`
}

// Stats counts events and local POIs.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM reco_events),
		(SELECT COUNT(*) FROM reco_events WHERE synced = 0),
		(SELECT COUNT(*) FROM local_pois)`).Scan(&s.Events, &s.Pending, &s.LocalPois)
	return s, err
}

// Prune deletes synced events recorded before cutoff and returns how many
// were removed.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM reco_events WHERE synced = 1 AND client_unix_nanos < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Location returns the event's capture location.
func (e *Event) Location() geo.Location {
	return geo.Location{Lat: e.Lat, Lon: e.Lon, Accuracy: e.Accuracy}
}
