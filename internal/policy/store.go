package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
)

// ErrDuplicatePolicy is returned by InsertPolicies when the store's
// uniqueness constraint rejects a row. Under concurrent creation this
// constraint, not application locking, is the correctness mechanism.
var ErrDuplicatePolicy = errors.New("policy already exists")

// Constraint is the usable part of a matched user policy.
type Constraint struct {
	OwnerID     uuid.UUID       `db:"owner_id"`
	Constraints json.RawMessage `db:"constraints"`
}

// ApdPolicyDetail is the usable part of a matched APD policy.
type ApdPolicyDetail struct {
	ApdID       uuid.UUID       `db:"apd_id"`
	UserClass   string          `db:"user_class"`
	Constraints json.RawMessage `db:"constraints"`
}

// ResourceServer is a registered resource server row.
type ResourceServer struct {
	ID      uuid.UUID `db:"id"`
	URL     string    `db:"url"`
	OwnerID uuid.UUID `db:"owner_id"`
}

// Store exposes the prepared, parameterized queries of the policy engine.
// No business logic lives here.
type Store interface {
	HasApprovedRole(ctx context.Context, userID uuid.UUID, role principal.Role) (bool, error)
	MissingUsers(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	ResourceServersByURL(ctx context.Context, ownerID uuid.UUID, urls []string) (map[string]uuid.UUID, error)
	ResourceServerURL(ctx context.Context, id uuid.UUID) (string, error)
	ResourceServerByID(ctx context.Context, id uuid.UUID) (*ResourceServer, error)
	ResourceServerByURL(ctx context.Context, url string) (*ResourceServer, error)
	UserIDByEmailHash(ctx context.Context, emailHash string) (uuid.UUID, error)

	UserPolicy(ctx context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType) (*Constraint, error)
	OwnerUserPolicy(ctx context.Context, userID, ownerID, itemID uuid.UUID) (*Constraint, error)
	ApdPolicy(ctx context.Context, itemID uuid.UUID, itemType catalogue.ItemType) (*ApdPolicyDetail, error)
	HasAdminPolicy(ctx context.Context, userID, ownerID, serverID uuid.UUID) (bool, error)
	HasAuthPolicy(ctx context.Context, userID uuid.UUID, authServerURL string) (bool, error)
	HasDelegation(ctx context.Context, delegateID, ownerID, serverID uuid.UUID) (bool, error)
	ExistsActivePolicy(ctx context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType, ownerID uuid.UUID) (bool, error)

	InsertPolicies(ctx context.Context, policies []Policy) ([]Policy, error)
	ListPolicies(ctx context.Context, userID uuid.UUID) ([]Policy, error)
	ListApdPolicies(ctx context.Context, ownerID uuid.UUID) ([]Policy, error)
	PoliciesOwnedBy(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	SoftDeletePolicies(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates the Postgres-backed policy store.
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

func (s *sqlStore) MissingUsers(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var present []uuid.UUID
	err := s.db.SelectContext(ctx, &present,
		`SELECT id FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(present))
	for _, id := range present {
		seen[id] = true
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *sqlStore) ResourceServersByURL(ctx context.Context, ownerID uuid.UUID, urls []string) (map[string]uuid.UUID, error) {
	if len(urls) == 0 {
		return map[string]uuid.UUID{}, nil
	}
	var rows []ResourceServer
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, url, owner_id FROM resource_server WHERE owner_id = $1 AND url = ANY($2)`,
		ownerID, pq.Array(urls))
	if err != nil {
		return nil, err
	}
	servers := make(map[string]uuid.UUID, len(rows))
	for _, r := range rows {
		servers[r.URL] = r.ID
	}
	return servers, nil
}

func (s *sqlStore) ResourceServerURL(ctx context.Context, id uuid.UUID) (string, error) {
	var url string
	err := s.db.GetContext(ctx, &url, `SELECT url FROM resource_server WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return url, err
}

func (s *sqlStore) ResourceServerByID(ctx context.Context, id uuid.UUID) (*ResourceServer, error) {
	var server ResourceServer
	err := s.db.GetContext(ctx, &server,
		`SELECT id, url, owner_id FROM resource_server WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *sqlStore) ResourceServerByURL(ctx context.Context, url string) (*ResourceServer, error) {
	var server ResourceServer
	err := s.db.GetContext(ctx, &server,
		`SELECT id, url, owner_id FROM resource_server WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *sqlStore) UserIDByEmailHash(ctx context.Context, emailHash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `SELECT id FROM users WHERE email_hash = $1`, emailHash)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

func (s *sqlStore) UserPolicy(ctx context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType) (*Constraint, error) {
	var c Constraint
	err := s.db.GetContext(ctx, &c,
		`SELECT owner_id, constraints FROM policies
		 WHERE user_id = $1 AND item_id = $2 AND item_type = $3
		   AND status = 'ACTIVE' AND expiry_time > NOW()`,
		userID, itemID, string(itemType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) OwnerUserPolicy(ctx context.Context, userID, ownerID, itemID uuid.UUID) (*Constraint, error) {
	var c Constraint
	err := s.db.GetContext(ctx, &c,
		`SELECT owner_id, constraints FROM policies
		 WHERE user_id = $1 AND owner_id = $2 AND item_id = $3
		   AND status = 'ACTIVE' AND expiry_time > NOW()`,
		userID, ownerID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ApdPolicy does not filter on expiry: APD policies decide continuously and
// carry no meaningful expiry of their own.
func (s *sqlStore) ApdPolicy(ctx context.Context, itemID uuid.UUID, itemType catalogue.ItemType) (*ApdPolicyDetail, error) {
	var d ApdPolicyDetail
	err := s.db.GetContext(ctx, &d,
		`SELECT apd_id, user_class, constraints FROM policies
		 WHERE user_id = $1 AND item_id = $2 AND item_type = $3
		   AND apd_id IS NOT NULL AND status = 'ACTIVE'`,
		uuid.Nil, itemID, string(itemType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqlStore) HasAdminPolicy(ctx context.Context, userID, ownerID, serverID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM policies
		  WHERE user_id = $1 AND owner_id = $2 AND item_id = $3
		    AND item_type = 'RESOURCE_SERVER' AND status = 'ACTIVE' AND expiry_time > NOW())`,
		userID, ownerID, serverID)
	return exists, err
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

func (s *sqlStore) HasDelegation(ctx context.Context, delegateID, ownerID, serverID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM delegations
		  WHERE user_id = $1 AND owner_id = $2 AND resource_server_id = $3 AND status = 'ACTIVE')`,
		delegateID, ownerID, serverID)
	return exists, err
}

func (s *sqlStore) ExistsActivePolicy(ctx context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType, ownerID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM policies
		  WHERE user_id = $1 AND item_id = $2 AND item_type = $3 AND owner_id = $4
		    AND status = 'ACTIVE' AND expiry_time > NOW())`,
		userID, itemID, string(itemType), ownerID)
	return exists, err
}

// InsertPolicies writes the batch in one transaction. Rows whose ACTIVE
// predecessor has expired are retired first so the partial unique index
// only ever guards live grants. A unique violation maps to
// ErrDuplicatePolicy.
func (s *sqlStore) InsertPolicies(ctx context.Context, policies []Policy) ([]Policy, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Policy, 0, len(policies))
	for _, p := range policies {
		_, err = tx.ExecContext(ctx,
			`UPDATE policies SET status = 'DELETED', updated_at = NOW()
			 WHERE user_id = $1 AND item_id = $2 AND item_type = $3 AND owner_id = $4
			   AND status = 'ACTIVE' AND expiry_time <= NOW()`,
			p.UserID, p.ItemID, string(p.ItemType), p.OwnerID)
		if err != nil {
			return nil, err
		}

		row := tx.QueryRowxContext(ctx,
			`INSERT INTO policies
			   (user_id, item_id, item_type, owner_id, apd_id, user_class, status, expiry_time, constraints, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE', $7, COALESCE($8, '{}'::jsonb), NOW(), NOW())
			 RETURNING id`,
			p.UserID, p.ItemID, string(p.ItemType), p.OwnerID, p.ApdID, p.UserClass,
			p.ExpiryTime, []byte(p.Constraints))
		if err := row.Scan(&p.ID); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.ItemID)
			}
			return nil, err
		}
		p.Status = StatusActive
		inserted = append(inserted, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *sqlStore) ListPolicies(ctx context.Context, userID uuid.UUID) ([]Policy, error) {
	var policies []Policy
	err := s.db.SelectContext(ctx, &policies,
		`SELECT id, user_id, owner_id, item_id, item_type, apd_id, user_class, status, expiry_time, constraints
		 FROM policies
		 WHERE (owner_id = $1 OR user_id = $1) AND user_id != $2
		   AND status = 'ACTIVE' AND expiry_time > NOW()`,
		userID, uuid.Nil)
	return policies, err
}

func (s *sqlStore) ListApdPolicies(ctx context.Context, ownerID uuid.UUID) ([]Policy, error) {
	var policies []Policy
	err := s.db.SelectContext(ctx, &policies,
		`SELECT id, user_id, owner_id, item_id, item_type, apd_id, user_class, status, expiry_time, constraints
		 FROM policies
		 WHERE owner_id = $1 AND user_id = $2 AND apd_id IS NOT NULL AND status = 'ACTIVE'`,
		ownerID, uuid.Nil)
	return policies, err
}

func (s *sqlStore) PoliciesOwnedBy(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	var owned []uuid.UUID
	err := s.db.SelectContext(ctx, &owned,
		`SELECT id FROM policies
		 WHERE owner_id = $1 AND id = ANY($2) AND status = 'ACTIVE' AND expiry_time > NOW()`,
		ownerID, pq.Array(ids))
	return owned, err
}

func (s *sqlStore) SoftDeletePolicies(ctx context.Context, ids []uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET status = 'DELETED', updated_at = NOW()
		 WHERE id = ANY($1) AND status = 'ACTIVE' AND expiry_time > NOW()`,
		pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
