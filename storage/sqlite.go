// Copyright 2021-2022 The orderhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

// sqliteMigrations are applied in order, once each. The change log is written by triggers
// so that rows modified by other writers reach the change feed as well.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		tracking_id TEXT UNIQUE,
		branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		details TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		op TEXT NOT NULL,
		old_status TEXT,
		new_status TEXT
	)`,
	`CREATE TRIGGER IF NOT EXISTS orders_insert_log AFTER INSERT ON orders BEGIN
		INSERT INTO order_changes (order_id, op, old_status, new_status)
			VALUES (NEW.id, 'INSERT', NULL, NEW.status);
	END`,
	`CREATE TRIGGER IF NOT EXISTS orders_update_log AFTER UPDATE ON orders BEGIN
		INSERT INTO order_changes (order_id, op, old_status, new_status)
			VALUES (NEW.id, 'UPDATE', OLD.status, NEW.status);
	END`,
	`CREATE TRIGGER IF NOT EXISTS orders_delete_log AFTER DELETE ON orders BEGIN
		INSERT INTO order_changes (order_id, op, old_status, new_status)
			VALUES (OLD.id, 'DELETE', OLD.status, NULL);
	END`,
}

// SQLiteOrderStore embedded order store. The change feed polls the trigger maintained
// change log.
type SQLiteOrderStore struct {
	goutils.Component
	db           *sql.DB
	active       common.StatusSet
	pollInterval time.Duration
	timer        common.IntervalTimer
}

// NewSQLiteOrderStore open (or create) the order database at path. Use ":memory:" for a
// private in-memory database.
func NewSQLiteOrderStore(
	path string, activeStatuses []string, pollInterval time.Duration,
) (*SQLiteOrderStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-order-store", "instance": path,
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; also keeps a ":memory:" database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteOrderStore{
		Component:    goutils.Component{LogTags: logTags},
		db:           db,
		active:       common.NewStatusSet(activeStatuses),
		pollInterval: pollInterval,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteOrderStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}
	var current int
	if err := s.db.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM schema_version",
	).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := current; i < len(sqliteMigrations); i++ {
		log.WithFields(s.LogTags).Infof("Applying migration %d", i+1)
		if _, err := s.db.Exec(sqliteMigrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close stop the change feed and close the database
func (s *SQLiteOrderStore) Close() error {
	if s.timer != nil {
		_ = s.timer.Stop()
	}
	return s.db.Close()
}

// Ready check the database answers
func (s *SQLiteOrderStore) Ready(ctxt context.Context) error {
	return s.db.PingContext(ctxt)
}

// UpsertOrder create or replace an order. An order without ID is assigned one.
func (s *SQLiteOrderStore) UpsertOrder(ctxt context.Context, order common.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	var trackingID interface{}
	if order.TrackingID != "" {
		trackingID = order.TrackingID
	}
	_, err := s.db.ExecContext(ctxt, `INSERT INTO orders
		(id, tracking_id, branch, status, details, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tracking_id = excluded.tracking_id, branch = excluded.branch,
			status = excluded.status, details = excluded.details,
			updated_at = excluded.updated_at`,
		order.ID, trackingID, order.Branch, order.Status, order.Details,
		order.UpdatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return "", fmt.Errorf("upserting order %s: %w", order.ID, err)
	}
	return order.ID, nil
}

// DeleteOrder remove an order
func (s *SQLiteOrderStore) DeleteOrder(ctxt context.Context, orderID string) error {
	if _, err := s.db.ExecContext(ctxt, "DELETE FROM orders WHERE id = ?", orderID); err != nil {
		return fmt.Errorf("deleting order %s: %w", orderID, err)
	}
	return nil
}

const sqliteOrderColumns = `id, COALESCE(tracking_id, ''), branch, status, details, updated_at`

func scanSQLiteOrder(row *sql.Row) (common.Order, error) {
	var order common.Order
	var updatedAt string
	if err := row.Scan(
		&order.ID, &order.TrackingID, &order.Branch, &order.Status, &order.Details, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.Order{}, ErrOrderNotFound
		}
		return common.Order{}, err
	}
	parsed, err := time.Parse(sqliteTimeFormat, updatedAt)
	if err != nil {
		return common.Order{}, fmt.Errorf("order %s has invalid updated_at: %w", order.ID, err)
	}
	order.UpdatedAt = parsed
	return order, nil
}

// GetOrder fetch an order by ID
func (s *SQLiteOrderStore) GetOrder(ctxt context.Context, orderID string) (common.Order, error) {
	return scanSQLiteOrder(s.db.QueryRowContext(
		ctxt, "SELECT "+sqliteOrderColumns+" FROM orders WHERE id = ?", orderID,
	))
}

// GetOrderByTrackingID fetch the order with a tracking ID
func (s *SQLiteOrderStore) GetOrderByTrackingID(
	ctxt context.Context, trackingID string,
) (common.Order, error) {
	return scanSQLiteOrder(s.db.QueryRowContext(
		ctxt, "SELECT "+sqliteOrderColumns+" FROM orders WHERE tracking_id = ?", trackingID,
	))
}

// sqliteChange one change log entry
type sqliteChange struct {
	seq       int64
	orderID   string
	op        string
	oldStatus sql.NullString
	newStatus sql.NullString
}

// latestChangeSeq the newest change log sequence number
func (s *SQLiteOrderStore) latestChangeSeq(ctxt context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctxt, "SELECT COALESCE(MAX(seq), 0) FROM order_changes").Scan(&seq)
	return seq, err
}

// pruneChanges drop the change log entries at or before a cursor
func (s *SQLiteOrderStore) pruneChanges(ctxt context.Context, cursor int64) {
	result, err := s.db.ExecContext(ctxt, "DELETE FROM order_changes WHERE seq <= ?", cursor)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Change log prune failed")
		return
	}
	if pruned, err := result.RowsAffected(); err == nil && pruned > 0 {
		log.WithFields(s.LogTags).Debugf("Pruned %d change log entries", pruned)
	}
}

// changeLogSize number of entries in the change log
func (s *SQLiteOrderStore) changeLogSize(ctxt context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctxt, "SELECT COUNT(*) FROM order_changes").Scan(&count)
	return count, err
}

// readChanges read the change log entries after a cursor
func (s *SQLiteOrderStore) readChanges(ctxt context.Context, after int64) ([]sqliteChange, error) {
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT seq, order_id, op, old_status, new_status
			FROM order_changes WHERE seq > ? ORDER BY seq`,
		after,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []sqliteChange{}
	for rows.Next() {
		var change sqliteChange
		if err := rows.Scan(
			&change.seq, &change.orderID, &change.op, &change.oldStatus, &change.newStatus,
		); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

// resolveChange turn a change log entry into the change reported to subscribers
func (s *SQLiteOrderStore) resolveChange(
	ctxt context.Context, change sqliteChange,
) (common.OrderChange, bool, error) {
	existed := change.op != "INSERT"
	if change.op == "DELETE" {
		reported, visible := classifyChange(
			s.active, existed, change.oldStatus.String, common.Order{ID: change.orderID},
		)
		return reported, visible, nil
	}
	order, err := s.GetOrder(ctxt, change.orderID)
	if errors.Is(err, ErrOrderNotFound) {
		// Deleted since; the DELETE entry reports it
		return common.OrderChange{}, false, nil
	} else if err != nil {
		return common.OrderChange{}, false, err
	}
	if order.Status != change.newStatus.String {
		// Superseded by a later entry, which reports the current state
		return common.OrderChange{}, false, nil
	}
	reported, visible := classifyChange(s.active, existed, change.oldStatus.String, order)
	return reported, visible, nil
}

// StartChangeFeed poll the change log, delivering changes made after this call. Entries
// are deleted once read, so only one feed may run against a database.
func (s *SQLiteOrderStore) StartChangeFeed(
	ctxt context.Context, wg *sync.WaitGroup, handler OrderChangeHandler,
) error {
	cursor, err := s.latestChangeSeq(ctxt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read change log cursor")
		return err
	}
	s.pruneChanges(ctxt, cursor)
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "sqlite-change-feed")
	if err != nil {
		return err
	}
	s.timer = timer
	return timer.Start(s.pollInterval, func() error {
		changes, err := s.readChanges(ctxt, cursor)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Change log read failed")
			return nil
		}
		for _, entry := range changes {
			cursor = entry.seq
			change, visible, err := s.resolveChange(ctxt, entry)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Unable to resolve change of order %s", entry.orderID,
				)
				continue
			}
			if !visible {
				continue
			}
			if err := handler(ctxt, change); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Handler failed on %s", change)
			}
		}
		if len(changes) > 0 {
			s.pruneChanges(ctxt, cursor)
		}
		return nil
	}, false)
}
