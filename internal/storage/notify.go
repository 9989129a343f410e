package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ChannelDemoStatus carries status cache updates between instances.
const ChannelDemoStatus = "demo_status"

// maxNotifyPayload is the largest payload pg_notify accepts.
const maxNotifyPayload = 7999

var (
	errNoNotifyConn = errors.New("storage: notify connection not configured")
	errDBClosed     = errors.New("storage: db closed")

	// ErrNotifyPayloadTooLarge is returned by Notify before contacting the
	// database when the payload exceeds the Postgres limit.
	ErrNotifyPayloadTooLarge = errors.New("storage: notify payload too large")
)

// Listen subscribes the listener connection to channel. Subscriptions are
// remembered and re-issued if the connection has to be re-established.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	conn, err := db.listenerLocked(ctx)
	if err != nil {
		return err
	}
	if err := listen(ctx, conn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.channels, channel) {
		db.channels = append(db.channels, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. When the connection has dropped, the error is returned and the
// next call reconnects.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn, err := db.listenerLocked(ctx)
	db.notifyMu.Unlock()
	if err != nil {
		return "", "", err
	}

	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify sends payload on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes on %s", ErrNotifyPayloadTooLarge, len(payload), channel)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// listenerLocked returns a live listener connection, replacing a closed one
// and re-subscribing it to every remembered channel. Callers hold notifyMu.
func (db *DB) listenerLocked(ctx context.Context) (*pgx.Conn, error) {
	if db.notifyDSN == "" {
		return nil, errNoNotifyConn
	}
	if db.closed {
		return nil, errDBClosed
	}
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return db.notifyConn, nil
	}

	reconnect := db.notifyConn != nil
	conn, err := connectNotify(ctx, db.notifyDSN)
	if err != nil {
		return nil, err
	}
	for _, ch := range db.channels {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
	}
	db.notifyConn = conn
	if reconnect {
		db.logger.Info("storage: notify connection re-established", "channels", db.channels)
	}
	return conn, nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}
