package channel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lockflow/pkg/schema"
)

// SQLChannel is a durable Channel on the channel_messages table. It shares
// the record store's *sql.DB; the table is created by the store migrations.
type SQLChannel struct {
	db     *sql.DB
	topo   Topology
	opts   options
	closed atomic.Bool
}

// NewSQLChannel creates a SQLChannel over db.
func NewSQLChannel(db *sql.DB, topo Topology, opts ...Option) (*SQLChannel, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &SQLChannel{db: db, topo: topo, opts: buildOptions(opts)}, nil
}

func (c *SQLChannel) Publish(ctx context.Context, msg *schema.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	subs, err := checkPublish(c.topo, msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin publish", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.opts.now().UnixMilli()
	for _, s := range subs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_messages (message_id, subscription, message_type, body, state, delivery_count, visible_at_ms, enqueued_at_ms)
			 VALUES (?, ?, ?, ?, 'ready', 0, ?, ?)
			 ON CONFLICT(message_id, subscription) DO NOTHING`,
			msg.ID, s.Name, string(msg.Type), string(body), now, now,
		)
		if err != nil {
			return storeErr("publish", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit publish", err)
	}
	return nil
}

type sqlRow struct {
	messageID string
	body      string
	count     int
}

func (c *SQLChannel) Receive(ctx context.Context, subscription string, max int) ([]*Delivery, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sub, ok := c.topo.Lookup(subscription)
	if !ok {
		return nil, unknownSubscription(subscription)
	}
	if max <= 0 {
		max = 1
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin receive", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.opts.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, body, delivery_count FROM channel_messages
		 WHERE subscription = ? AND state IN ('ready', 'leased') AND visible_at_ms <= ?
		 ORDER BY enqueued_at_ms, message_id
		 LIMIT ?`,
		subscription, now.UnixMilli(), max,
	)
	if err != nil {
		return nil, storeErr("select visible", err)
	}
	var candidates []sqlRow
	for rows.Next() {
		var r sqlRow
		if err := rows.Scan(&r.messageID, &r.body, &r.count); err != nil {
			rows.Close()
			return nil, storeErr("scan delivery", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Close(); err != nil {
		return nil, storeErr("close rows", err)
	}

	var out []*Delivery
	var dead []DeadLetter
	for _, r := range candidates {
		var msg schema.Message
		if err := json.Unmarshal([]byte(r.body), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", r.messageID, err)
		}

		if r.count >= sub.MaxDeliveries {
			res, err := tx.ExecContext(ctx,
				`UPDATE channel_messages SET state = 'dead', lease_token = NULL, last_error = ?, visible_at_ms = ?
				 WHERE message_id = ? AND subscription = ? AND delivery_count = ? AND state != 'dead'`,
				reasonLeaseExpired, now.UnixMilli(), r.messageID, subscription, r.count,
			)
			if err != nil {
				return nil, storeErr("dead-letter", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			dead = append(dead, DeadLetter{
				Message:       deliveredMessage(&msg, r.count),
				Subscription:  subscription,
				DeliveryCount: r.count,
				Reason:        reasonLeaseExpired,
				At:            now,
			})
			continue
		}

		token := uuid.NewString()
		expires := now.Add(sub.VisibilityTimeout)
		res, err := tx.ExecContext(ctx,
			`UPDATE channel_messages SET state = 'leased', delivery_count = delivery_count + 1, lease_token = ?, visible_at_ms = ?
			 WHERE message_id = ? AND subscription = ? AND delivery_count = ?`,
			token, expires.UnixMilli(), r.messageID, subscription, r.count,
		)
		if err != nil {
			return nil, storeErr("lease", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		out = append(out, &Delivery{
			Message:        deliveredMessage(&msg, r.count+1),
			Subscription:   subscription,
			DeliveryCount:  r.count + 1,
			LeaseToken:     token,
			LeaseExpiresAt: expires,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit receive", err)
	}
	c.opts.fire(ctx, dead)
	return out, nil
}

func (c *SQLChannel) Ack(ctx context.Context, d *Delivery) error {
	if c.closed.Load() {
		return ErrClosed
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE channel_messages SET state = 'acked', lease_token = NULL
		 WHERE message_id = ? AND subscription = ? AND state = 'leased' AND lease_token = ?`,
		d.Message.ID, d.Subscription, d.LeaseToken,
	)
	if err != nil {
		return storeErr("ack", err)
	}
	return leaseHeld(res, d)
}

func (c *SQLChannel) Nack(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	sub, ok := c.topo.Lookup(d.Subscription)
	if !ok {
		return unknownSubscription(d.Subscription)
	}
	now := c.opts.now()

	if d.DeliveryCount >= sub.MaxDeliveries {
		res, err := c.db.ExecContext(ctx,
			`UPDATE channel_messages SET state = 'dead', lease_token = NULL, last_error = ?, visible_at_ms = ?
			 WHERE message_id = ? AND subscription = ? AND state = 'leased' AND lease_token = ?`,
			reason, now.UnixMilli(), d.Message.ID, d.Subscription, d.LeaseToken,
		)
		if err != nil {
			return storeErr("dead-letter", err)
		}
		if err := leaseHeld(res, d); err != nil {
			return err
		}
		c.opts.fire(ctx, []DeadLetter{{
			Message:       d.Message,
			Subscription:  d.Subscription,
			DeliveryCount: d.DeliveryCount,
			Reason:        reason,
			At:            now,
		}})
		return ErrDeadLettered
	}

	res, err := c.db.ExecContext(ctx,
		`UPDATE channel_messages SET state = 'ready', lease_token = NULL, last_error = ?, visible_at_ms = ?
		 WHERE message_id = ? AND subscription = ? AND state = 'leased' AND lease_token = ?`,
		reason, now.Add(delay).UnixMilli(), d.Message.ID, d.Subscription, d.LeaseToken,
	)
	if err != nil {
		return storeErr("nack", err)
	}
	return leaseHeld(res, d)
}

func (c *SQLChannel) DeadLetters(ctx context.Context, subscription string) ([]DeadLetter, error) {
	if _, ok := c.topo.Lookup(subscription); !ok {
		return nil, unknownSubscription(subscription)
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT body, delivery_count, COALESCE(last_error, ''), visible_at_ms FROM channel_messages
		 WHERE subscription = ? AND state = 'dead'
		 ORDER BY visible_at_ms, message_id`,
		subscription,
	)
	if err != nil {
		return nil, storeErr("list dead letters", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			body   string
			dl     DeadLetter
			deadAt int64
		)
		if err := rows.Scan(&body, &dl.DeliveryCount, &dl.Reason, &deadAt); err != nil {
			return nil, storeErr("scan dead letter", err)
		}
		var msg schema.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		dl.Message = deliveredMessage(&msg, dl.DeliveryCount)
		dl.Subscription = subscription
		dl.At = time.UnixMilli(deadAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Close marks the channel closed. The database belongs to the store.
func (c *SQLChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func leaseHeld(res sql.Result, d *Delivery) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, describe(d))
	}
	return nil
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "channel %s: %s", op, err.Error()).WithCause(err)
}
