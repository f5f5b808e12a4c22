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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgChannelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// pgSchema creates the orders table and the trigger publishing its changes on the notify
// channel. The channel name is substituted for %[1]s.
const pgSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	tracking_id TEXT UNIQUE,
	branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	details JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION orderhub_notify_%[1]s() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('%[1]s', json_build_object(
			'op', TG_OP, 'id', OLD.id, 'old_status', OLD.status)::text);
		RETURN OLD;
	ELSIF TG_OP = 'UPDATE' THEN
		PERFORM pg_notify('%[1]s', json_build_object(
			'op', TG_OP, 'id', NEW.id, 'old_status', OLD.status, 'new_status', NEW.status)::text);
	ELSE
		PERFORM pg_notify('%[1]s', json_build_object(
			'op', TG_OP, 'id', NEW.id, 'new_status', NEW.status)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS orderhub_notify_%[1]s ON orders;
CREATE TRIGGER orderhub_notify_%[1]s
	AFTER INSERT OR UPDATE OR DELETE ON orders
	FOR EACH ROW EXECUTE FUNCTION orderhub_notify_%[1]s();
`

// pgNotification payload published by the orders trigger
type pgNotification struct {
	Op        string  `json:"op"`
	ID        string  `json:"id"`
	OldStatus *string `json:"old_status"`
	NewStatus *string `json:"new_status"`
}

// PostgresOrderStore order store backed by Postgres. Changes are received over
// LISTEN / NOTIFY.
type PostgresOrderStore struct {
	goutils.Component
	pool           *pgxpool.Pool
	channel        string
	active         common.StatusSet
	reconnectDelay time.Duration
}

// NewPostgresOrderStore connect to the order database and install its schema
func NewPostgresOrderStore(
	ctxt context.Context, config common.PostgresConfig, activeStatuses []string,
) (*PostgresOrderStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "postgres-order-store", "instance": config.Channel,
	}
	if !pgChannelPattern.MatchString(config.Channel) {
		return nil, fmt.Errorf("notify channel '%s' is not a plain identifier", config.Channel)
	}
	pool, err := pgxpool.New(ctxt, config.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection pool")
		return nil, err
	}
	s := &PostgresOrderStore{
		Component:      goutils.Component{LogTags: logTags},
		pool:           pool,
		channel:        config.Channel,
		active:         common.NewStatusSet(activeStatuses),
		reconnectDelay: time.Second,
	}
	if _, err := pool.Exec(ctxt, fmt.Sprintf(pgSchema, config.Channel)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install schema")
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close close the connection pool
func (s *PostgresOrderStore) Close() error {
	s.pool.Close()
	return nil
}

// Ready check the database answers
func (s *PostgresOrderStore) Ready(ctxt context.Context) error {
	return s.pool.Ping(ctxt)
}

// UpsertOrder create or replace an order
func (s *PostgresOrderStore) UpsertOrder(ctxt context.Context, order common.Order) error {
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	var trackingID *string
	if order.TrackingID != "" {
		trackingID = &order.TrackingID
	}
	_, err := s.pool.Exec(ctxt, `
		INSERT INTO orders (id, tracking_id, branch, status, details, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tracking_id = excluded.tracking_id, branch = excluded.branch,
			status = excluded.status, details = excluded.details,
			updated_at = excluded.updated_at`,
		order.ID, trackingID, order.Branch, order.Status, map[string]interface{}(order.Details),
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting order %s: %w", order.ID, err)
	}
	return nil
}

const pgOrderColumns = `id, COALESCE(tracking_id, ''), branch, status, details, updated_at`

func scanPgOrder(row pgx.Row) (common.Order, error) {
	var order common.Order
	var details map[string]interface{}
	if err := row.Scan(
		&order.ID, &order.TrackingID, &order.Branch, &order.Status, &details, &order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Order{}, ErrOrderNotFound
		}
		return common.Order{}, err
	}
	order.Details = details
	return order, nil
}

// GetOrder fetch an order by ID
func (s *PostgresOrderStore) GetOrder(ctxt context.Context, orderID string) (common.Order, error) {
	return scanPgOrder(s.pool.QueryRow(
		ctxt, "SELECT "+pgOrderColumns+" FROM orders WHERE id = $1", orderID,
	))
}

// GetOrderByTrackingID fetch the order with a tracking ID
func (s *PostgresOrderStore) GetOrderByTrackingID(
	ctxt context.Context, trackingID string,
) (common.Order, error) {
	return scanPgOrder(s.pool.QueryRow(
		ctxt, "SELECT "+pgOrderColumns+" FROM orders WHERE tracking_id = $1", trackingID,
	))
}

// resolveNotification turn a trigger notification into the change reported to subscribers
func (s *PostgresOrderStore) resolveNotification(
	ctxt context.Context, payload string,
) (common.OrderChange, bool, error) {
	var note pgNotification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		return common.OrderChange{}, false, fmt.Errorf("invalid notification payload: %w", err)
	}
	oldStatus := ""
	if note.OldStatus != nil {
		oldStatus = *note.OldStatus
	}
	existed := note.Op != "INSERT"
	if note.Op == "DELETE" {
		change, visible := classifyChange(s.active, existed, oldStatus, common.Order{ID: note.ID})
		return change, visible, nil
	}
	order, err := s.GetOrder(ctxt, note.ID)
	if errors.Is(err, ErrOrderNotFound) {
		return common.OrderChange{}, false, nil
	} else if err != nil {
		return common.OrderChange{}, false, err
	}
	if note.NewStatus != nil && *note.NewStatus != order.Status {
		// Superseded by a later notification
		return common.OrderChange{}, false, nil
	}
	change, visible := classifyChange(s.active, existed, oldStatus, order)
	return change, visible, nil
}

// StartChangeFeed LISTEN on the notify channel, delivering changes made after this call.
// A lost connection is re-established after a delay; notifications sent in between are
// lost.
func (s *PostgresOrderStore) StartChangeFeed(
	ctxt context.Context, wg *sync.WaitGroup, handler OrderChangeHandler,
) error {
	conn, err := s.listen(ctxt)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(s.LogTags).Info("Change feed exiting")
		for {
			if conn == nil {
				select {
				case <-ctxt.Done():
					return
				case <-time.After(s.reconnectDelay):
				}
				if conn, err = s.listen(ctxt); err != nil {
					continue
				}
			}
			notification, err := conn.Conn().WaitForNotification(ctxt)
			if err != nil {
				conn.Release()
				conn = nil
				if ctxt.Err() != nil {
					return
				}
				log.WithError(err).WithFields(s.LogTags).Error("Lost notify connection")
				continue
			}
			change, visible, err := s.resolveNotification(ctxt, notification.Payload)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Unable to resolve notification '%s'", notification.Payload,
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
	}()
	return nil
}

// listen acquire a dedicated connection and LISTEN on the notify channel
func (s *PostgresOrderStore) listen(ctxt context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctxt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to acquire notify connection")
		return nil, err
	}
	if _, err := conn.Exec(ctxt, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("LISTEN failed")
		conn.Release()
		return nil, err
	}
	log.WithFields(s.LogTags).Infof("Listening on %s", s.channel)
	return conn, nil
}
