package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PendingChannel is the LISTEN/NOTIFY channel on which ids of newly pending
// remote feedback results are announced. It carries the table prefix so
// deployments sharing a database do not see each other's work.
func (db *DB) PendingChannel() string {
	return db.prefix + "feedback_pending"
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel. Postgres only.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if db.backend != BackendPostgres {
		return fmt.Errorf("storage: notify requires the postgres backend, have %s", db.backend)
	}
	_, err := db.sql.ExecContext(ctx, db.q("SELECT pg_notify(?, ?)"), channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
