// Package notification implements the access-request workflow: consumers
// ask for access, providers or their auth delegates approve (creating a
// policy) or reject, and consumers may withdraw pending requests.
package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
)

// Status is the state of an access request. The only legal transitions are
// out of PENDING.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusWithdrawn Status = "WITHDRAWN"
)

// Notification is a persisted access request.
type Notification struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	UserID         uuid.UUID          `db:"user_id" json:"userId"`
	OwnerID        uuid.UUID          `db:"owner_id" json:"ownerId"`
	ItemID         uuid.UUID          `db:"item_id" json:"-"`
	ItemType       catalogue.ItemType `db:"item_type" json:"itemType"`
	Status         Status             `db:"status" json:"status"`
	Constraints    json.RawMessage    `db:"constraints" json:"constraints,omitempty"`
	ExpiryDuration string             `db:"expiry_duration" json:"expiryDuration,omitempty"`
	PolicyID       uuid.NullUUID      `db:"policy_id" json:"-"`
}

// StatusUpdate is one staged transition of an update batch.
type StatusUpdate struct {
	ID     uuid.UUID
	Status Status
}

// Store exposes the access-request queries. No business logic lives here.
type Store interface {
	ExistsPendingRequest(ctx context.Context, userID, itemID, ownerID uuid.UUID) (bool, error)
	InsertRequests(ctx context.Context, requests []Notification) ([]Notification, error)
	ListByConsumer(ctx context.Context, userID uuid.UUID) ([]Notification, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Notification, error)
	RequestsByIDs(ctx context.Context, ids []uuid.UUID) ([]Notification, error)
	// UpdateStatuses stages every transition inside one transaction, then
	// runs onStaged before committing. A non-nil error from onStaged rolls
	// back all staged transitions.
	UpdateStatuses(ctx context.Context, updates []StatusUpdate, onStaged func(ctx context.Context) error) error
	// LinkPolicy records the policy created for an approved request. Runs
	// outside UpdateStatuses; failures are the caller's to log.
	LinkPolicy(ctx context.Context, id, policyID uuid.UUID) error
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates the Postgres-backed notification store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) ExistsPendingRequest(ctx context.Context, userID, itemID, ownerID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM access_requests
		  WHERE user_id = $1 AND item_id = $2 AND owner_id = $3 AND status = 'PENDING')`,
		userID, itemID, ownerID)
	return exists, err
}

func (s *sqlStore) InsertRequests(ctx context.Context, requests []Notification) ([]Notification, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Notification, 0, len(requests))
	for _, n := range requests {
		row := tx.QueryRowxContext(ctx,
			`INSERT INTO access_requests
			   (user_id, owner_id, item_id, item_type, status, constraints, expiry_duration, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 'PENDING', COALESCE($5, '{}'::jsonb), $6, NOW(), NOW())
			 RETURNING id`,
			n.UserID, n.OwnerID, n.ItemID, string(n.ItemType), []byte(n.Constraints), n.ExpiryDuration)
		if err := row.Scan(&n.ID); err != nil {
			return nil, err
		}
		n.Status = StatusPending
		inserted = append(inserted, n)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

const selectColumns = `SELECT id, user_id, owner_id, item_id, item_type, status, constraints, expiry_duration, policy_id
	 FROM access_requests`

func (s *sqlStore) ListByConsumer(ctx context.Context, userID uuid.UUID) ([]Notification, error) {
	var rows []Notification
	err := s.db.SelectContext(ctx, &rows,
		selectColumns+` WHERE user_id = $1 AND status != 'WITHDRAWN'`, userID)
	return rows, err
}

func (s *sqlStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Notification, error) {
	var rows []Notification
	err := s.db.SelectContext(ctx, &rows,
		selectColumns+` WHERE owner_id = $1 AND status != 'WITHDRAWN'`, ownerID)
	return rows, err
}

func (s *sqlStore) RequestsByIDs(ctx context.Context, ids []uuid.UUID) ([]Notification, error) {
	var rows []Notification
	err := s.db.SelectContext(ctx, &rows,
		selectColumns+` WHERE id = ANY($1)`, pq.Array(ids))
	return rows, err
}

func (s *sqlStore) UpdateStatuses(ctx context.Context, updates []StatusUpdate, onStaged func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		res, err := tx.ExecContext(ctx,
			`UPDATE access_requests SET status = $1, updated_at = NOW()
			 WHERE id = $2 AND status = 'PENDING'`,
			string(u.Status), u.ID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
	}

	if onStaged != nil {
		if err := onStaged(ctx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) LinkPolicy(ctx context.Context, id, policyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_requests SET policy_id = $1, updated_at = NOW() WHERE id = $2`,
		policyID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return errors.New("notification not found")
	}
	return nil
}
