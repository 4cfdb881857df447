// Package delegation manages grants of authority between a resource owner
// and a delegate for a resource server, including the platform's own
// administrative delegation.
package delegation

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
)

// ErrDuplicateDelegation is returned by InsertDelegations when the store's
// uniqueness constraint rejects a row.
var ErrDuplicateDelegation = errors.New("delegation already exists")

// Delegation is a persisted "userId may act as ownerId for this server"
// row, joined with the server's URL on reads.
type Delegation struct {
	ID                uuid.UUID `db:"id" json:"id"`
	OwnerID           uuid.UUID `db:"owner_id" json:"ownerId"`
	UserID            uuid.UUID `db:"user_id" json:"userId"`
	ResourceServerID  uuid.UUID `db:"resource_server_id" json:"-"`
	ResourceServerURL string    `db:"url" json:"url"`
	Status            string    `db:"status" json:"status"`
}

// Store exposes the delegation queries. No business logic lives here.
type Store interface {
	HasApprovedRole(ctx context.Context, userID uuid.UUID, role principal.Role) (bool, error)
	ResourceServerIDByURL(ctx context.Context, url string) (uuid.UUID, error)
	HasAuthPolicy(ctx context.Context, userID uuid.UUID, authServerURL string) (bool, error)
	ExistsDelegation(ctx context.Context, ownerID, userID, serverID uuid.UUID) (bool, error)

	InsertDelegations(ctx context.Context, delegations []Delegation) ([]Delegation, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Delegation, error)
	ListByDelegate(ctx context.Context, userID uuid.UUID) ([]Delegation, error)
	DelegationsByIDs(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]Delegation, error)
	SoftDeleteDelegations(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates the Postgres-backed delegation store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) HasApprovedRole(ctx context.Context, userID uuid.UUID, role principal.Role) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE user_id = $1 AND role = $2 AND status = 'APPROVED')`,
		userID, string(role))
	return exists, err
}

func (s *sqlStore) ResourceServerIDByURL(ctx context.Context, url string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `SELECT id FROM resource_server WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

func (s *sqlStore) HasAuthPolicy(ctx context.Context, userID uuid.UUID, authServerURL string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM policies a
		  INNER JOIN resource_server b ON a.item_id = b.id
		  WHERE a.user_id = $1 AND a.owner_id = b.owner_id AND b.url = $2
		    AND a.status = 'ACTIVE' AND a.expiry_time > NOW())`,
		userID, authServerURL)
	return exists, err
}

func (s *sqlStore) ExistsDelegation(ctx context.Context, ownerID, userID, serverID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM delegations
		  WHERE owner_id = $1 AND user_id = $2 AND resource_server_id = $3 AND status = 'ACTIVE')`,
		ownerID, userID, serverID)
	return exists, err
}

func (s *sqlStore) InsertDelegations(ctx context.Context, delegations []Delegation) ([]Delegation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Delegation, 0, len(delegations))
	for _, d := range delegations {
		row := tx.QueryRowxContext(ctx,
			`INSERT INTO delegations (owner_id, user_id, resource_server_id, status, created_at, updated_at)
			 VALUES ($1, $2, $3, 'ACTIVE', NOW(), NOW())
			 RETURNING id`,
			d.OwnerID, d.UserID, d.ResourceServerID)
		if err := row.Scan(&d.ID); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil, ErrDuplicateDelegation
			}
			return nil, err
		}
		d.Status = "ACTIVE"
		inserted = append(inserted, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

const listQuery = `SELECT a.id, a.owner_id, a.user_id, a.resource_server_id, a.status, b.url
	 FROM delegations a INNER JOIN resource_server b ON a.resource_server_id = b.id`

func (s *sqlStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Delegation, error) {
	var rows []Delegation
	err := s.db.SelectContext(ctx, &rows,
		listQuery+` WHERE a.owner_id = $1 AND a.status = 'ACTIVE'`, ownerID)
	return rows, err
}

func (s *sqlStore) ListByDelegate(ctx context.Context, userID uuid.UUID) ([]Delegation, error) {
	var rows []Delegation
	err := s.db.SelectContext(ctx, &rows,
		listQuery+` WHERE a.user_id = $1 AND a.status = 'ACTIVE'`, userID)
	return rows, err
}

func (s *sqlStore) DelegationsByIDs(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]Delegation, error) {
	var rows []Delegation
	err := s.db.SelectContext(ctx, &rows,
		listQuery+` WHERE a.owner_id = $1 AND a.id = ANY($2) AND a.status = 'ACTIVE'`,
		ownerID, pq.Array(ids))
	return rows, err
}

func (s *sqlStore) SoftDeleteDelegations(ctx context.Context, ids []uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET status = 'DELETED', updated_at = NOW()
		 WHERE id = ANY($1) AND status = 'ACTIVE'`,
		pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
