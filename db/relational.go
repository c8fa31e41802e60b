package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FollowStatus is the lifecycle state of a follow edge. Rows are never
// deleted on unfollow, only flipped to Canceled, so history and idempotent
// re-follow checks both work off the same row.
type FollowStatus int

const (
	FollowCanceled FollowStatus = 0
	FollowActive   FollowStatus = 1
)

// FollowEdge is one direction of a follow relationship as read back from
// storage, used for paginated backfills when the Redis sorted-set cache
// needs a source-of-truth reload.
type FollowEdge struct {
	UserID    int64
	CreatedAt time.Time
}

// OutboxRow is one row of the transactional outbox the CDC bridge polls.
type OutboxRow struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	CreatedAt     time.Time
}

// RelationStore owns the follow_relation and outbox_event tables. It uses
// pgx directly instead of GORM because the write path needs explicit
// transaction control (insert relation + outbox row atomically) and the CDC
// poll needs FOR UPDATE SKIP LOCKED, neither of which GORM expresses as
// cleanly.
type RelationStore struct {
	pg *PostgresDB
}

// NewRelationStore wraps a pgx-backed PostgresDB for relation/outbox access.
func NewRelationStore(pg *PostgresDB) *RelationStore {
	return &RelationStore{pg: pg}
}

// Migrate creates the relation and outbox tables if they do not exist. Real
// deployments would run this via a migration tool; it is exposed directly
// here so tests and local runs do not need one.
func (s *RelationStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS follow_relation (
			id BIGSERIAL PRIMARY KEY,
			from_user_id BIGINT NOT NULL,
			to_user_id BIGINT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (from_user_id, to_user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follow_relation_to ON follow_relation (to_user_id, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_follow_relation_from ON follow_relation (from_user_id, status, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS outbox_event (
			id BIGSERIAL PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			acked BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unacked ON outbox_event (id) WHERE NOT acked`,
	}
	for _, stmt := range stmts {
		if err := s.pg.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate relation schema: %w", err)
		}
	}
	return nil
}

// InsertFollow upserts an active follow edge and appends a matching outbox
// event in the same transaction. inserted is false when the edge was
// already active, which callers treat as a no-op rather than an error.
func (s *RelationStore) InsertFollow(ctx context.Context, fromUserID, toUserID int64) (relationID int64, inserted bool, err error) {
	err = s.pg.WithTx(ctx, func(tx pgx.Tx) error {
		var status FollowStatus
		scanErr := tx.QueryRow(ctx,
			`SELECT id, status FROM follow_relation WHERE from_user_id = $1 AND to_user_id = $2`,
			fromUserID, toUserID,
		).Scan(&relationID, &status)

		switch {
		case scanErr == pgx.ErrNoRows:
			if err := tx.QueryRow(ctx,
				`INSERT INTO follow_relation (from_user_id, to_user_id, status) VALUES ($1, $2, $3) RETURNING id`,
				fromUserID, toUserID, FollowActive,
			).Scan(&relationID); err != nil {
				return fmt.Errorf("insert follow_relation: %w", err)
			}
			inserted = true
		case scanErr != nil:
			return fmt.Errorf("lookup follow_relation: %w", scanErr)
		case status == FollowActive:
			inserted = false
			return nil
		default:
			if _, err := tx.Exec(ctx,
				`UPDATE follow_relation SET status = $1, updated_at = now() WHERE id = $2`,
				FollowActive, relationID,
			); err != nil {
				return fmt.Errorf("reactivate follow_relation: %w", err)
			}
			inserted = true
		}

		if !inserted {
			return nil
		}
		return insertFollowOutboxEvent(ctx, tx, "follow.created", fromUserID, toUserID)
	})
	return relationID, inserted, err
}

// CancelFollow flips an active edge to canceled and appends a matching
// outbox event. updated is false when there was no active edge to cancel.
func (s *RelationStore) CancelFollow(ctx context.Context, fromUserID, toUserID int64) (relationID int64, updated bool, err error) {
	err = s.pg.WithTx(ctx, func(tx pgx.Tx) error {
		var status FollowStatus
		scanErr := tx.QueryRow(ctx,
			`SELECT id, status FROM follow_relation WHERE from_user_id = $1 AND to_user_id = $2`,
			fromUserID, toUserID,
		).Scan(&relationID, &status)
		if scanErr == pgx.ErrNoRows {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("lookup follow_relation: %w", scanErr)
		}
		if status == FollowCanceled {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE follow_relation SET status = $1, updated_at = now() WHERE id = $2`,
			FollowCanceled, relationID,
		); err != nil {
			return fmt.Errorf("cancel follow_relation: %w", err)
		}
		updated = true
		return insertFollowOutboxEvent(ctx, tx, "follow.canceled", fromUserID, toUserID)
	})
	return relationID, updated, err
}

func insertFollowOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, fromUserID, toUserID int64) error {
	payload, err := json.Marshal(map[string]int64{"fromUserId": fromUserID, "toUserId": toUserID})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	aggregateID := fmt.Sprintf("%d:%d", fromUserID, toUserID)
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox_event (aggregate_type, aggregate_id, type, payload) VALUES ($1, $2, $3, $4)`,
		"follow_relation", aggregateID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox_event: %w", err)
	}
	return nil
}

// IsFollowing reports whether fromUserID currently follows toUserID.
func (s *RelationStore) IsFollowing(ctx context.Context, fromUserID, toUserID int64) (bool, error) {
	var status FollowStatus
	err := s.pg.QueryRow(ctx,
		`SELECT status FROM follow_relation WHERE from_user_id = $1 AND to_user_id = $2`,
		fromUserID, toUserID,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db: is following: %w", err)
	}
	return status == FollowActive, nil
}

// CountActiveFollowings counts users fromUserID actively follows.
func (s *RelationStore) CountActiveFollowings(ctx context.Context, userID int64) (int64, error) {
	return s.countActive(ctx, "from_user_id", userID)
}

// CountActiveFollowers counts users actively following userID.
func (s *RelationStore) CountActiveFollowers(ctx context.Context, userID int64) (int64, error) {
	return s.countActive(ctx, "to_user_id", userID)
}

func (s *RelationStore) countActive(ctx context.Context, column string, userID int64) (int64, error) {
	var n int64
	err := s.pg.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM follow_relation WHERE %s = $1 AND status = $2`, column),
		userID, FollowActive,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db: count active relations: %w", err)
	}
	return n, nil
}

// ListFollowingSince backfills the most recent active followings for a
// user, newest first, for reloading the Redis sorted-set cache.
func (s *RelationStore) ListFollowingSince(ctx context.Context, userID int64, limit int) ([]FollowEdge, error) {
	return s.listActive(ctx, "from_user_id", "to_user_id", userID, limit)
}

// ListFollowersSince backfills the most recent active followers for a user.
func (s *RelationStore) ListFollowersSince(ctx context.Context, userID int64, limit int) ([]FollowEdge, error) {
	return s.listActive(ctx, "to_user_id", "from_user_id", userID, limit)
}

func (s *RelationStore) listActive(ctx context.Context, whereCol, selectCol string, userID int64, limit int) ([]FollowEdge, error) {
	rows, err := s.pg.Query(ctx,
		fmt.Sprintf(`SELECT %s, created_at FROM follow_relation WHERE %s = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3`, selectCol, whereCol),
		userID, FollowActive, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db: list active relations: %w", err)
	}
	defer rows.Close()

	var edges []FollowEdge
	for rows.Next() {
		var e FollowEdge
		if err := rows.Scan(&e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan relation row: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// FetchUnacked returns up to batchSize unacknowledged outbox rows without
// removing them. The query runs outside a transaction, so its FOR UPDATE
// SKIP LOCKED row locks end with the statement and do not stop another
// caller from fetching the same rows; PollAndPublish is the claiming form.
func (s *RelationStore) FetchUnacked(ctx context.Context, batchSize int) ([]OutboxRow, error) {
	rows, err := s.pg.Query(ctx,
		`SELECT id, aggregate_type, aggregate_id, type, payload, created_at
		 FROM outbox_event
		 WHERE NOT acked
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("db: fetch unacked outbox rows: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.AggregateType, &r.AggregateID, &r.Type, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ack marks outbox rows as published so a future FetchUnacked skips them.
func (s *RelationStore) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.pg.Exec(ctx, `UPDATE outbox_event SET acked = true WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("db: ack outbox rows: %w", err)
	}
	return nil
}

// PollAndPublish claims up to batchSize unacked outbox rows and holds the
// FOR UPDATE SKIP LOCKED lock for the lifetime of a single transaction,
// calling publish with the claimed rows and only marking them acked, in the
// same transaction, if publish succeeds. A publish failure rolls the whole
// transaction back, releasing the lock so the rows are visible to the next
// poll instead of being lost or duplicated. This is what lets more than one
// CDC bridge instance run against the same outbox table concurrently.
func (s *RelationStore) PollAndPublish(ctx context.Context, batchSize int, publish func([]OutboxRow) error) (int, error) {
	var n int
	err := s.pg.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, aggregate_type, aggregate_id, type, payload, created_at
			 FROM outbox_event
			 WHERE NOT acked
			 ORDER BY id
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED`,
			batchSize,
		)
		if err != nil {
			return fmt.Errorf("poll outbox rows: %w", err)
		}
		var claimed []OutboxRow
		for rows.Next() {
			var r OutboxRow
			if err := rows.Scan(&r.ID, &r.AggregateType, &r.AggregateID, &r.Type, &r.Payload, &r.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			claimed = append(claimed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		if err := publish(claimed); err != nil {
			return fmt.Errorf("publish claimed outbox rows: %w", err)
		}

		ids := make([]int64, len(claimed))
		for i, r := range claimed {
			ids[i] = r.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox_event SET acked = true WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("ack claimed outbox rows: %w", err)
		}
		n = len(claimed)
		return nil
	})
	return n, err
}
