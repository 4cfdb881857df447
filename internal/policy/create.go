package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

// createPipeline is the accumulator threaded through the creation stages.
// Each stage either fills in resolved state or terminates the run with a
// structured error; no rows are written until every stage has passed.
type createPipeline struct {
	svc        *service
	user       principal.User
	delegation *principal.Delegation
	providerID uuid.UUID
	requests   []CreateRequest

	itemTypes []catalogue.ItemType
	apdIDs    []uuid.UUID
	expiries  []time.Time
	// items maps request item ids to resolved directory entries. Resource
	// server and APD targets get synthesized entries after their own
	// existence checks.
	items map[string]catalogue.ResourceItem
}

// CreatePolicies validates the batch through the staged pipeline and
// persists it in one transaction. The first failing request aborts the
// whole batch.
func (s *service) CreatePolicies(ctx context.Context, requests []CreateRequest, user principal.User, delegation *principal.Delegation) ([]Policy, error) {
	if !delegation.IsDelegated() &&
		!user.HasAnyRole(principal.RoleAdmin, principal.RoleProvider, principal.RoleTrustee) {
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	if len(requests) == 0 {
		return nil, response.Invalid("no policies given", "")
	}

	p := &createPipeline{
		svc:        s,
		user:       user,
		delegation: delegation,
		providerID: principal.ActingOwner(user, delegation),
		requests:   requests,
		itemTypes:  make([]catalogue.ItemType, len(requests)),
		apdIDs:     make([]uuid.UUID, len(requests)),
		expiries:   make([]time.Time, len(requests)),
		items:      make(map[string]catalogue.ResourceItem),
	}

	stages := []func(context.Context) error{
		p.checkDuplicateRequests,
		p.checkRoleItemRelations,
		p.checkExpiry,
		p.checkItemIDFormat,
		p.checkUsersExist,
		p.checkResourcesExist,
		p.checkApdsExist,
		p.checkResourceServers,
		p.checkAuthPolicy,
		p.checkOwnership,
		p.checkExistingPolicies,
	}
	for _, stage := range stages {
		if err := stage(ctx); err != nil {
			return nil, err
		}
	}
	return p.insert(ctx)
}

func (p *createPipeline) checkDuplicateRequests(context.Context) error {
	type key struct {
		userID   uuid.UUID
		itemID   string
		itemType string
	}
	seen := make(map[key]bool, len(p.requests))
	for _, req := range p.requests {
		k := key{req.UserID, req.ItemID, req.ItemType}
		if seen[k] {
			return response.Invalid("duplicate policy request", req.ItemID)
		}
		seen[k] = true
	}
	return nil
}

// checkRoleItemRelations validates how grantee, item type and APD reference
// combine. A nil grantee marks an APD policy and must carry an APD id; a
// real grantee must not, unless the item itself is an APD (an interaction
// grant against the APD's own URL).
func (p *createPipeline) checkRoleItemRelations(context.Context) error {
	for i, req := range p.requests {
		itemType, ok := catalogue.ParseItemType(req.ItemType)
		if !ok {
			return response.Invalid(titleIncorrectItemType, req.ItemType)
		}
		p.itemTypes[i] = itemType

		switch {
		case req.UserID == uuid.Nil:
			if req.ApdID == "" {
				return response.Invalid(titleInvalidPolicy, "apd id required when user id is absent")
			}
			apdID, err := uuid.Parse(req.ApdID)
			if err != nil {
				return response.Invalid(titleInvalidPolicy, "invalid apd id "+req.ApdID)
			}
			p.apdIDs[i] = apdID
		case req.ApdID != "":
			return response.Invalid(titleInvalidPolicy, "apd id not allowed for user policy "+req.ItemID)
		case itemType == catalogue.ItemAPD:
			// interaction grant, the item id is the APD's URL
		}
	}
	return nil
}

func (p *createPipeline) checkExpiry(context.Context) error {
	now := time.Now()
	for i, req := range p.requests {
		if req.ExpiryTime == "" {
			p.expiries[i] = now.Add(p.svc.opts.DefaultExpiry)
			continue
		}
		expiry, err := time.Parse(time.RFC3339, req.ExpiryTime)
		if err != nil {
			return response.Invalid("invalid expiry time", req.ExpiryTime)
		}
		if !expiry.After(now) {
			return response.Invalid("expiry time must be in the future", req.ExpiryTime)
		}
		p.expiries[i] = expiry
	}
	return nil
}

// checkItemIDFormat enforces the structural shape of catalogue ids before
// any directory call: resource groups decompose into exactly four path
// segments, resources into strictly more.
func (p *createPipeline) checkItemIDFormat(context.Context) error {
	for i, req := range p.requests {
		segments := catalogue.Segments(req.ItemID)
		switch p.itemTypes[i] {
		case catalogue.ItemResourceGroup:
			if len(segments) != 4 {
				return response.Invalid(titleIncorrectItemID, req.ItemID)
			}
		case catalogue.ItemResource:
			if len(segments) <= 4 {
				return response.Invalid(titleIncorrectItemID, req.ItemID)
			}
		}
	}
	return nil
}

func (p *createPipeline) checkUsersExist(ctx context.Context) error {
	granteeSet := make(map[uuid.UUID]bool)
	for _, req := range p.requests {
		if req.UserID != uuid.Nil {
			granteeSet[req.UserID] = true
		}
	}
	if len(granteeSet) == 0 {
		return nil
	}
	grantees := make([]uuid.UUID, 0, len(granteeSet))
	for id := range granteeSet {
		grantees = append(grantees, id)
	}
	missing, err := p.svc.store.MissingUsers(ctx, grantees)
	if err != nil {
		p.svc.logger.Error("grantee lookup failed", zap.Error(err))
		return response.Internal()
	}
	if len(missing) > 0 {
		return response.Invalid("user does not exist", missing[0].String())
	}
	return nil
}

func (p *createPipeline) checkResourcesExist(ctx context.Context) error {
	lookups := make(map[catalogue.ItemType][]string)
	for i, req := range p.requests {
		if p.itemTypes[i] == catalogue.ItemResource || p.itemTypes[i] == catalogue.ItemResourceGroup {
			lookups[p.itemTypes[i]] = append(lookups[p.itemTypes[i]], req.ItemID)
		}
	}
	if len(lookups) == 0 {
		return nil
	}
	resolved, err := p.svc.directory.ResolveItems(ctx, lookups)
	if err != nil {
		return response.Invalid(titleIncorrectItemID, err.Error())
	}
	for id, item := range resolved {
		p.items[id] = item
	}
	return nil
}

// checkApdsExist validates every referenced APD. An APD targeted directly
// by an interaction grant must currently be ACTIVE; an APD backing an APD
// policy only needs to exist.
func (p *createPipeline) checkApdsExist(ctx context.Context) error {
	var urls []string
	var ids []uuid.UUID
	for i, req := range p.requests {
		if p.itemTypes[i] == catalogue.ItemAPD {
			urls = append(urls, req.ItemID)
		}
		if p.apdIDs[i] != uuid.Nil {
			ids = append(ids, p.apdIDs[i])
		}
	}
	if len(urls) == 0 && len(ids) == 0 {
		return nil
	}
	details, err := p.svc.apds.GetDetails(ctx, urls, ids)
	if err != nil {
		return response.Invalid("apd does not exist", err.Error())
	}
	for i, req := range p.requests {
		if p.itemTypes[i] != catalogue.ItemAPD {
			continue
		}
		detail := details[req.ItemID]
		if detail.Status != apd.StatusActive {
			return response.Invalid("apd not active", req.ItemID)
		}
		p.items[req.ItemID] = catalogue.ResourceItem{
			ID:       detail.ID,
			CatID:    req.ItemID,
			ItemType: catalogue.ItemAPD,
			OwnerID:  detail.OwnerID,
		}
	}
	return nil
}

// checkResourceServers resolves resource server targets against the acting
// provider's own registrations, so a server someone else owns reads as
// absent.
func (p *createPipeline) checkResourceServers(ctx context.Context) error {
	var urls []string
	for i, req := range p.requests {
		if p.itemTypes[i] == catalogue.ItemResourceServer {
			urls = append(urls, req.ItemID)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	servers, err := p.svc.store.ResourceServersByURL(ctx, p.providerID, urls)
	if err != nil {
		p.svc.logger.Error("resource server lookup failed", zap.Error(err))
		return response.Internal()
	}
	for _, url := range urls {
		id, ok := servers[url]
		if !ok {
			return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, "server not owned: "+url)
		}
		p.items[url] = catalogue.ResourceItem{
			ID:       id,
			CatID:    url,
			ItemType: catalogue.ItemResourceServer,
			OwnerID:  p.providerID,
		}
	}
	return nil
}

// checkAuthPolicy is the bootstrap precondition: before granting access to
// resources, the acting provider must itself have been granted the platform
// administrative policy. APD policies require the same of the trustee.
// Admins granting resource server policies are the root of that chain and
// are exempt.
func (p *createPipeline) checkAuthPolicy(ctx context.Context) error {
	needsProviderAuth := false
	needsTrusteeAuth := false
	for i, req := range p.requests {
		switch {
		case req.UserID == uuid.Nil:
			needsTrusteeAuth = true
		case p.itemTypes[i] != catalogue.ItemResourceServer:
			needsProviderAuth = true
		}
	}

	if needsProviderAuth {
		ok, err := p.svc.store.HasAuthPolicy(ctx, p.providerID, p.svc.opts.AuthServerURL)
		if err != nil {
			p.svc.logger.Error("auth policy lookup failed", zap.Error(err))
			return response.Internal()
		}
		if !ok {
			return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, "no auth policy for user")
		}
	}
	if needsTrusteeAuth && p.user.ID != p.providerID {
		// APD policies are created by the trustee itself, never through a
		// delegation context.
		return response.Forbidden(response.URNInvalidDelegate, titleInvalidPolicy, detailUnauthorizedDelegate)
	}
	if needsTrusteeAuth {
		ok, err := p.svc.store.HasAuthPolicy(ctx, p.user.ID, p.svc.opts.AuthServerURL)
		if err != nil {
			p.svc.logger.Error("auth trustee policy lookup failed", zap.Error(err))
			return response.Internal()
		}
		if !ok {
			return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, "no auth policy for trustee")
		}
	}
	return nil
}

func (p *createPipeline) checkOwnership(context.Context) error {
	for _, req := range p.requests {
		item, ok := p.items[req.ItemID]
		if !ok {
			return response.Invalid(titleIncorrectItemID, req.ItemID)
		}
		if item.OwnerID != p.providerID {
			return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, "not the owner of item "+item.CatID)
		}
	}
	return nil
}

func (p *createPipeline) checkExistingPolicies(ctx context.Context) error {
	for i, req := range p.requests {
		exists, err := p.svc.store.ExistsActivePolicy(ctx, req.UserID, p.items[req.ItemID].ID, p.itemTypes[i], p.providerID)
		if err != nil {
			p.svc.logger.Error("existing policy lookup failed", zap.Error(err))
			return response.Internal()
		}
		if exists {
			return response.Conflict("policy already exists", req.ItemID)
		}
	}
	return nil
}

// insert writes user policies before APD policies so that a failure leaves
// an obvious cut point in logs; the store runs the whole batch in one
// transaction regardless.
func (p *createPipeline) insert(ctx context.Context) ([]Policy, error) {
	userPolicies := make([]Policy, 0, len(p.requests))
	apdPolicies := make([]Policy, 0)
	for i, req := range p.requests {
		policy := Policy{
			UserID:      req.UserID,
			OwnerID:     p.providerID,
			ItemID:      p.items[req.ItemID].ID,
			ItemType:    p.itemTypes[i],
			UserClass:   req.UserClass,
			ExpiryTime:  p.expiries[i],
			Constraints: req.Constraints,
		}
		if p.apdIDs[i] != uuid.Nil {
			policy.ApdID = uuid.NullUUID{UUID: p.apdIDs[i], Valid: true}
			apdPolicies = append(apdPolicies, policy)
		} else {
			userPolicies = append(userPolicies, policy)
		}
	}

	inserted, err := p.svc.store.InsertPolicies(ctx, append(userPolicies, apdPolicies...))
	if err != nil {
		if errors.Is(err, ErrDuplicatePolicy) {
			return nil, response.Conflict("policy already exists", err.Error())
		}
		p.svc.logger.Error("policy insert failed", zap.Error(err))
		return nil, response.Internal()
	}
	return inserted, nil
}
