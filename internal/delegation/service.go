package delegation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

const (
	titleInvalidRole     = "invalid role to perform operation"
	titleInvalidDelegate = "invalid delegation"

	detailNotAuthDelegate  = "not an auth delegate for the provider"
	detailNoAuthDelegation = "auth delegation cannot be managed by an auth delegate"
)

// CreateRequest is one entry of a delegation creation batch.
type CreateRequest struct {
	UserID            uuid.UUID `json:"userId" binding:"required"`
	ResourceServerURL string    `json:"resSerUrl" binding:"required"`
}

// ListedDelegation is a delegation row enriched for callers.
type ListedDelegation struct {
	ID    uuid.UUID             `json:"id"`
	URL   string                `json:"url"`
	Owner *registration.Profile `json:"ownerDetails,omitempty"`
	User  *registration.Profile `json:"userDetails,omitempty"`
}

// Options is the platform configuration the manager branches on.
type Options struct {
	// AuthServerURL marks the administrative server; delegations against
	// it are auth delegations and get the re-delegation guards.
	AuthServerURL string
}

// Service manages delegations of authority.
type Service interface {
	CreateDelegations(ctx context.Context, requests []CreateRequest, user principal.User, delegation *principal.Delegation) ([]Delegation, error)
	ListDelegations(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedDelegation, error)
	DeleteDelegations(ctx context.Context, ids []uuid.UUID, user principal.User, delegation *principal.Delegation) error
	// VerifyAuthDelegate checks that the caller holds an ACTIVE auth
	// delegation from the given provider.
	VerifyAuthDelegate(ctx context.Context, userID, providerID uuid.UUID) error
}

type service struct {
	store    Store
	profiles registration.Client
	opts     Options
	logger   *zap.Logger
}

// NewService creates the delegation manager.
func NewService(store Store, profiles registration.Client, opts Options, logger *zap.Logger) Service {
	return &service{store: store, profiles: profiles, opts: opts, logger: logger}
}

func (s *service) VerifyAuthDelegate(ctx context.Context, userID, providerID uuid.UUID) error {
	authServerID, err := s.store.ResourceServerIDByURL(ctx, s.opts.AuthServerURL)
	if err != nil {
		s.logger.Error("auth server lookup failed", zap.Error(err))
		return response.Internal()
	}
	if authServerID == uuid.Nil {
		return response.Forbidden(response.URNInvalidDelegate, titleInvalidDelegate, detailNotAuthDelegate)
	}
	exists, err := s.store.ExistsDelegation(ctx, providerID, userID, authServerID)
	if err != nil {
		s.logger.Error("auth delegation lookup failed", zap.Error(err))
		return response.Internal()
	}
	if !exists {
		return response.Forbidden(response.URNInvalidDelegate, titleInvalidDelegate, detailNotAuthDelegate)
	}
	return nil
}

// actingProvider resolves and authorizes the owner an operation runs under.
// A delegated caller must hold the auth delegation; a direct caller must be
// a provider.
func (s *service) actingProvider(ctx context.Context, user principal.User, delegation *principal.Delegation) (uuid.UUID, error) {
	if delegation.IsDelegated() {
		if err := s.VerifyAuthDelegate(ctx, user.ID, delegation.ProviderID); err != nil {
			return uuid.Nil, err
		}
		return delegation.ProviderID, nil
	}
	if !user.HasRole(principal.RoleProvider) {
		return uuid.Nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	return user.ID, nil
}

// CreateDelegations grants delegates the authority to act for the provider
// on the given servers. Auth delegations never come out of a delegated
// call, so administrative authority cannot be re-delegated.
func (s *service) CreateDelegations(ctx context.Context, requests []CreateRequest, user principal.User, delegation *principal.Delegation) ([]Delegation, error) {
	ownerID, err := s.actingProvider(ctx, user, delegation)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, response.Invalid("no delegations given", "")
	}

	type key struct {
		userID uuid.UUID
		url    string
	}
	seen := make(map[key]bool, len(requests))
	for _, req := range requests {
		k := key{req.UserID, req.ResourceServerURL}
		if seen[k] {
			return nil, response.Invalid("duplicate delegation request", req.ResourceServerURL)
		}
		seen[k] = true

		if delegation.IsDelegated() && req.ResourceServerURL == s.opts.AuthServerURL {
			return nil, response.Forbidden(response.URNInvalidDelegate, titleInvalidDelegate, detailNoAuthDelegation)
		}
	}

	hasAuth, err := s.store.HasAuthPolicy(ctx, ownerID, s.opts.AuthServerURL)
	if err != nil {
		s.logger.Error("auth policy lookup failed", zap.Error(err))
		return nil, response.Internal()
	}
	if !hasAuth {
		return nil, response.Forbidden(response.URNInvalidInput, titleInvalidDelegate, "no auth policy for provider")
	}

	delegations := make([]Delegation, 0, len(requests))
	for _, req := range requests {
		approved, err := s.store.HasApprovedRole(ctx, req.UserID, principal.RoleDelegate)
		if err != nil {
			s.logger.Error("delegate role lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
		if !approved {
			return nil, response.Invalid("user is not an approved delegate", req.UserID.String())
		}

		serverID, err := s.store.ResourceServerIDByURL(ctx, req.ResourceServerURL)
		if err != nil {
			s.logger.Error("resource server lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
		if serverID == uuid.Nil {
			return nil, response.NotFound("resource server does not exist", req.ResourceServerURL)
		}

		exists, err := s.store.ExistsDelegation(ctx, ownerID, req.UserID, serverID)
		if err != nil {
			s.logger.Error("delegation lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
		if exists {
			return nil, response.Conflict("delegation already exists", req.ResourceServerURL)
		}

		delegations = append(delegations, Delegation{
			OwnerID:           ownerID,
			UserID:            req.UserID,
			ResourceServerID:  serverID,
			ResourceServerURL: req.ResourceServerURL,
		})
	}

	inserted, err := s.store.InsertDelegations(ctx, delegations)
	if err != nil {
		if errors.Is(err, ErrDuplicateDelegation) {
			return nil, response.Conflict("delegation already exists", "")
		}
		s.logger.Error("delegation insert failed", zap.Error(err))
		return nil, response.Internal()
	}
	return inserted, nil
}

// ListDelegations returns the delegations visible to the caller: a
// provider's own grants, a delegate's received grants, or a provider's
// grants seen through an auth delegate. The auth delegation itself is
// hidden from the delegated view.
func (s *service) ListDelegations(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedDelegation, error) {
	var rows []Delegation
	if delegation.IsDelegated() {
		if err := s.VerifyAuthDelegate(ctx, user.ID, delegation.ProviderID); err != nil {
			return nil, err
		}
		owned, err := s.store.ListByOwner(ctx, delegation.ProviderID)
		if err != nil {
			s.logger.Error("delegation list failed", zap.Error(err))
			return nil, response.Internal()
		}
		for _, d := range owned {
			if d.ResourceServerURL != s.opts.AuthServerURL {
				rows = append(rows, d)
			}
		}
	} else {
		if !user.HasAnyRole(principal.RoleProvider, principal.RoleDelegate) {
			return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
		}
		if user.HasRole(principal.RoleProvider) {
			owned, err := s.store.ListByOwner(ctx, user.ID)
			if err != nil {
				s.logger.Error("delegation list failed", zap.Error(err))
				return nil, response.Internal()
			}
			rows = append(rows, owned...)
		}
		if user.HasRole(principal.RoleDelegate) {
			received, err := s.store.ListByDelegate(ctx, user.ID)
			if err != nil {
				s.logger.Error("delegation list failed", zap.Error(err))
				return nil, response.Internal()
			}
			rows = append(rows, received...)
		}
	}

	return s.enrich(ctx, rows)
}

func (s *service) enrich(ctx context.Context, rows []Delegation) ([]ListedDelegation, error) {
	idSet := make(map[uuid.UUID]bool)
	for _, d := range rows {
		idSet[d.OwnerID] = true
		idSet[d.UserID] = true
	}
	ids := make([]uuid.UUID, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	profiles := map[uuid.UUID]registration.Profile{}
	if len(ids) > 0 {
		var err error
		profiles, err = s.profiles.GetProfiles(ctx, ids)
		if err != nil {
			s.logger.Error("profile lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
	}

	listed := make([]ListedDelegation, 0, len(rows))
	for _, d := range rows {
		entry := ListedDelegation{ID: d.ID, URL: d.ResourceServerURL}
		if p, ok := profiles[d.OwnerID]; ok {
			entry.Owner = &p
		}
		if p, ok := profiles[d.UserID]; ok {
			entry.User = &p
		}
		listed = append(listed, entry)
	}
	return listed, nil
}

// DeleteDelegations revokes the given delegations. Every id must be in the
// acting provider's scope, and an auth delegate can never revoke the auth
// delegation itself.
func (s *service) DeleteDelegations(ctx context.Context, ids []uuid.UUID, user principal.User, delegation *principal.Delegation) error {
	ownerID, err := s.actingProvider(ctx, user, delegation)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return response.Invalid("no delegations given", "")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return response.Invalid("duplicate delegation id", id.String())
		}
		seen[id] = true
	}

	rows, err := s.store.DelegationsByIDs(ctx, ownerID, ids)
	if err != nil {
		s.logger.Error("delegation lookup failed", zap.Error(err))
		return response.Internal()
	}
	if len(rows) != len(ids) {
		found := make(map[uuid.UUID]bool, len(rows))
		for _, d := range rows {
			found[d.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return response.NotFound("id does not exist", id.String())
			}
		}
	}
	if delegation.IsDelegated() {
		for _, d := range rows {
			if d.ResourceServerURL == s.opts.AuthServerURL {
				return response.Forbidden(response.URNInvalidDelegate, titleInvalidDelegate, detailNoAuthDelegation)
			}
		}
	}

	deleted, err := s.store.SoftDeleteDelegations(ctx, ids)
	if err != nil {
		s.logger.Error("delegation delete failed", zap.Error(err))
		return response.Internal()
	}
	if deleted != int64(len(ids)) {
		s.logger.Error("delegation delete affected unexpected row count",
			zap.Int64("deleted", deleted), zap.Int("requested", len(ids)))
		return response.Internal()
	}
	return nil
}
