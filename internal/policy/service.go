package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

// Service is the policy engine surface consumed by the API layer and by
// the notification workflow (approval routes policy creation through it).
type Service interface {
	CreatePolicies(ctx context.Context, requests []CreateRequest, user principal.User, delegation *principal.Delegation) ([]Policy, error)
	Verify(ctx context.Context, req VerifyRequest) (Grant, error)
	ListPolicies(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedPolicy, error)
	DeletePolicies(ctx context.Context, ids []uuid.UUID, user principal.User, delegation *principal.Delegation) error
}

type service struct {
	store     Store
	directory catalogue.Client
	apds      apd.Client
	profiles  registration.Client
	opts      Options
	logger    *zap.Logger
}

// NewService creates the policy engine.
func NewService(store Store, directory catalogue.Client, apds apd.Client, profiles registration.Client, opts Options, logger *zap.Logger) Service {
	if opts.DefaultExpiry == 0 {
		opts.DefaultExpiry = 365 * 24 * time.Hour
	}
	return &service{
		store:     store,
		directory: directory,
		apds:      apds,
		profiles:  profiles,
		opts:      opts,
		logger:    logger,
	}
}

// ListPolicies returns every live policy the caller (or, when delegated,
// the delegating provider) is party to, enriched with catalogue ids and
// profile details. User and APD policies are fetched concurrently.
func (s *service) ListPolicies(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedPolicy, error) {
	if !delegation.IsDelegated() && !user.HasAnyRole(principal.RoleProvider, principal.RoleConsumer, principal.RoleDelegate, principal.RoleAdmin) {
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	subjectID := principal.ActingOwner(user, delegation)

	var userPolicies, apdPolicies []Policy
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		userPolicies, err = s.store.ListPolicies(gctx, subjectID)
		return err
	})
	g.Go(func() error {
		var err error
		apdPolicies, err = s.store.ListApdPolicies(gctx, subjectID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("listing policies failed", zap.Error(err))
		return nil, response.Internal()
	}

	all := append(userPolicies, apdPolicies...)
	return s.enrichPolicies(ctx, all)
}

// enrichPolicies swaps internal ids for catalogue ids, profile details and
// APD details. The lookups are independent and joined before assembly.
func (s *service) enrichPolicies(ctx context.Context, policies []Policy) ([]ListedPolicy, error) {
	itemIDs := make(map[catalogue.ItemType][]uuid.UUID)
	userIDs := make(map[uuid.UUID]bool)
	apdIDs := make(map[uuid.UUID]bool)
	for _, p := range policies {
		if p.ItemType == catalogue.ItemResource || p.ItemType == catalogue.ItemResourceGroup {
			itemIDs[p.ItemType] = append(itemIDs[p.ItemType], p.ItemID)
		}
		if p.ItemType == catalogue.ItemAPD {
			apdIDs[p.ItemID] = true
		}
		if p.UserID != uuid.Nil {
			userIDs[p.UserID] = true
		}
		userIDs[p.OwnerID] = true
		if p.ApdID.Valid {
			apdIDs[p.ApdID.UUID] = true
		}
	}

	var (
		names      = make(map[uuid.UUID]string)
		serverURLs = make(map[uuid.UUID]string)
		profiles   map[uuid.UUID]registration.Profile
		apdDetails map[string]apd.Detail
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for itemType, ids := range itemIDs {
			resolved, err := s.directory.ResolveNames(gctx, ids, itemType)
			if err != nil {
				return err
			}
			for id, name := range resolved {
				names[id] = name
			}
		}
		return nil
	})
	g.Go(func() error {
		ids := make([]uuid.UUID, 0, len(userIDs))
		for id := range userIDs {
			ids = append(ids, id)
		}
		var err error
		profiles, err = s.profiles.GetProfiles(gctx, ids)
		return err
	})
	if len(apdIDs) > 0 {
		g.Go(func() error {
			ids := make([]uuid.UUID, 0, len(apdIDs))
			for id := range apdIDs {
				ids = append(ids, id)
			}
			var err error
			apdDetails, err = s.apds.GetDetails(gctx, nil, ids)
			return err
		})
	}
	g.Go(func() error {
		for _, p := range policies {
			if p.ItemType != catalogue.ItemResourceServer {
				continue
			}
			url, err := s.store.ResourceServerURL(gctx, p.ItemID)
			if err != nil {
				return err
			}
			serverURLs[p.ItemID] = url
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("enriching policies failed", zap.Error(err))
		return nil, response.Internal()
	}

	listed := make([]ListedPolicy, 0, len(policies))
	for _, p := range policies {
		lp := ListedPolicy{
			ID:          p.ID,
			ItemType:    string(p.ItemType),
			Status:      string(p.Status),
			ExpiryTime:  p.ExpiryTime,
			Constraints: p.Constraints,
		}
		switch p.ItemType {
		case catalogue.ItemResource, catalogue.ItemResourceGroup:
			lp.ItemID = names[p.ItemID]
		case catalogue.ItemResourceServer:
			lp.ItemID = serverURLs[p.ItemID]
		case catalogue.ItemAPD:
			lp.ItemID = apdDetails[p.ItemID.String()].URL
		}
		if p.UserID != uuid.Nil {
			if profile, ok := profiles[p.UserID]; ok {
				lp.User = &profile
			}
		}
		if profile, ok := profiles[p.OwnerID]; ok {
			lp.Owner = &profile
		}
		if p.ApdID.Valid {
			detail := apdDetails[p.ApdID.UUID.String()]
			lp.Apd = &ApdGrantDetail{ID: detail.ID, URL: detail.URL}
		}
		listed = append(listed, lp)
	}
	return listed, nil
}

// DeletePolicies soft deletes the given policies. Every id must be a live
// policy within the caller's scope; the whole batch is rejected otherwise.
func (s *service) DeletePolicies(ctx context.Context, ids []uuid.UUID, user principal.User, delegation *principal.Delegation) error {
	if !delegation.IsDelegated() &&
		!user.HasAnyRole(principal.RoleAdmin, principal.RoleProvider, principal.RoleDelegate, principal.RoleTrustee) {
		return response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	if len(ids) == 0 {
		return response.Invalid("no policies given", "")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return response.Invalid("duplicate policy id", id.String())
		}
		seen[id] = true
	}

	ownerID := principal.ActingOwner(user, delegation)
	owned, err := s.store.PoliciesOwnedBy(ctx, ownerID, ids)
	if err != nil {
		s.logger.Error("policy ownership lookup failed", zap.Error(err))
		return response.Internal()
	}
	if len(owned) != len(ids) {
		ownedSet := make(map[uuid.UUID]bool, len(owned))
		for _, id := range owned {
			ownedSet[id] = true
		}
		for _, id := range ids {
			if !ownedSet[id] {
				return response.NotFound("id does not exist", id.String())
			}
		}
	}

	deleted, err := s.store.SoftDeletePolicies(ctx, ids)
	if err != nil {
		s.logger.Error("policy delete failed", zap.Error(err))
		return response.Internal()
	}
	if deleted != int64(len(ids)) {
		s.logger.Error("policy delete affected unexpected row count",
			zap.Int64("deleted", deleted), zap.Int("requested", len(ids)))
		return response.Internal()
	}
	return nil
}
