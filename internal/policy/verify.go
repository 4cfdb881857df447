package policy

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

// VerifyRequest is the decision context handed over by the token service.
type VerifyRequest struct {
	UserID   uuid.UUID
	ItemID   string
	ItemType catalogue.ItemType
	Role     principal.Role
}

// verifyContext accumulates the resolved state a role strategy decides on.
type verifyContext struct {
	req         VerifyRequest
	segments    []string
	isCatalogue bool
	item        catalogue.ResourceItem
	server      ResourceServer
}

func (v verifyContext) grant(constraints []byte) Grant {
	return Grant{
		Status:            "success",
		CatID:             v.req.ItemID,
		ResourceServerURL: v.server.URL,
		Constraints:       constraints,
	}
}

// Verify is the decision procedure run at token-issuance time. Structural
// preconditions are rejected before any store access, then the decision is
// dispatched over the closed set of verifiable roles.
func (s *service) Verify(ctx context.Context, req VerifyRequest) (Grant, error) {
	if req.ItemType == catalogue.ItemResourceServer {
		return Grant{}, response.Invalid(titleIncorrectItemType, string(req.ItemType))
	}
	switch req.Role {
	case principal.RoleConsumer, principal.RoleProvider, principal.RoleDelegate:
	default:
		return Grant{}, response.Forbidden(response.URNInvalidRole, titleInvalidRole, string(req.Role))
	}

	segments := catalogue.Segments(req.ItemID)
	v := verifyContext{req: req, segments: segments, isCatalogue: s.opts.isCatalogueItem(segments)}
	if !v.isCatalogue {
		switch req.ItemType {
		case catalogue.ItemResourceGroup:
			if len(segments) != 4 {
				return Grant{}, response.Invalid(titleIncorrectItemID, req.ItemID)
			}
		case catalogue.ItemResource:
			if len(segments) <= 4 {
				return Grant{}, response.Invalid(titleIncorrectItemID, req.ItemID)
			}
		default:
			return Grant{}, response.Invalid(titleIncorrectItemType, string(req.ItemType))
		}
	}

	if err := s.resolveVerifyTarget(ctx, &v); err != nil {
		return Grant{}, err
	}

	hasRole, err := s.store.HasApprovedRole(ctx, req.UserID, req.Role)
	if err != nil {
		s.logger.Error("role lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if !hasRole {
		return Grant{}, response.Forbidden(response.URNInvalidRole, titleInvalidRole, string(req.Role))
	}

	switch req.Role {
	case principal.RoleConsumer:
		return s.verifyConsumer(ctx, v)
	case principal.RoleProvider:
		return s.verifyProvider(ctx, v)
	default:
		return s.verifyDelegate(ctx, v)
	}
}

// resolveVerifyTarget resolves the item and its resource server. The
// platform's own catalogue item bypasses the external directory and is
// backed by the catalogue server itself. A target without a resolvable
// resource server is always terminal.
func (s *service) resolveVerifyTarget(ctx context.Context, v *verifyContext) error {
	if v.isCatalogue {
		server, err := s.store.ResourceServerByURL(ctx, s.opts.CatServerURL)
		if err != nil {
			s.logger.Error("catalogue server lookup failed", zap.Error(err))
			return response.Internal()
		}
		if server == nil {
			return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailNoResServer)
		}
		v.server = *server
		v.item = catalogue.ResourceItem{
			ID:       server.ID,
			CatID:    v.req.ItemID,
			ItemType: v.req.ItemType,
			OwnerID:  server.OwnerID,
		}
		return nil
	}

	resolved, err := s.directory.ResolveItems(ctx,
		map[catalogue.ItemType][]string{v.req.ItemType: {v.req.ItemID}})
	if err != nil {
		return response.Invalid(titleIncorrectItemID, v.req.ItemID)
	}
	v.item = resolved[v.req.ItemID]

	server, err := s.store.ResourceServerByID(ctx, v.item.ResourceServerID)
	if err != nil {
		s.logger.Error("resource server lookup failed", zap.Error(err))
		return response.Internal()
	}
	if server == nil {
		return response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailNoResServer)
	}
	v.server = *server
	return nil
}

// verifyConsumer looks for a direct grant at the most specific level first,
// then falls back to an APD-backed policy at the same specificity
// preference. The platform's own catalogue is open to any approved
// consumer.
func (s *service) verifyConsumer(ctx context.Context, v verifyContext) (Grant, error) {
	if v.isCatalogue {
		return v.grant(nil), nil
	}

	if v.req.ItemType == catalogue.ItemResource {
		match, err := s.store.UserPolicy(ctx, v.req.UserID, v.item.ID, catalogue.ItemResource)
		if err != nil {
			s.logger.Error("resource policy lookup failed", zap.Error(err))
			return Grant{}, response.Internal()
		}
		if match != nil {
			return v.grant(match.Constraints), nil
		}
	}
	match, err := s.store.UserPolicy(ctx, v.req.UserID, v.groupID(), catalogue.ItemResourceGroup)
	if err != nil {
		s.logger.Error("group policy lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if match != nil {
		return v.grant(match.Constraints), nil
	}

	return s.verifyConsumerApd(ctx, v)
}

// verifyConsumerApd resolves an APD-backed policy and asks the APD to
// decide.
func (s *service) verifyConsumerApd(ctx context.Context, v verifyContext) (Grant, error) {
	var detail *ApdPolicyDetail
	var err error
	if v.req.ItemType == catalogue.ItemResource {
		detail, err = s.store.ApdPolicy(ctx, v.item.ID, catalogue.ItemResource)
		if err != nil {
			s.logger.Error("apd policy lookup failed", zap.Error(err))
			return Grant{}, response.Internal()
		}
	}
	if detail == nil {
		detail, err = s.store.ApdPolicy(ctx, v.groupID(), catalogue.ItemResourceGroup)
		if err != nil {
			s.logger.Error("apd policy lookup failed", zap.Error(err))
			return Grant{}, response.Internal()
		}
	}
	if detail == nil {
		return Grant{}, response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailPolicyNotFound)
	}

	apdDetails, err := s.apds.GetDetails(ctx, nil, []uuid.UUID{detail.ApdID})
	if err != nil {
		s.logger.Error("apd details lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	registered := apdDetails[detail.ApdID.String()]

	decision, err := s.apds.Invoke(ctx, apd.InvokeRequest{
		ApdID:             detail.ApdID,
		UserID:            v.req.UserID,
		ItemID:            v.req.ItemID,
		ItemType:          string(v.req.ItemType),
		ResourceServerURL: v.server.URL,
		UserClass:         detail.UserClass,
		OwnerID:           v.item.OwnerID,
		Constraints:       detail.Constraints,
	})
	if err != nil {
		s.logger.Error("apd invocation failed", zap.Error(err), zap.String("apd", registered.URL))
		return Grant{}, response.Internal()
	}
	if !decision.Allowed {
		return Grant{}, response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, decision.Detail)
	}

	grant := v.grant(decision.Constraints)
	grant.ApdDetail = &ApdGrantDetail{ID: registered.ID, URL: registered.URL}
	return grant, nil
}

// verifyProvider confirms the caller owns the item, then requires the
// administrative grant for the item's server.
func (s *service) verifyProvider(ctx context.Context, v verifyContext) (Grant, error) {
	ownerID, err := s.resolveTrueOwner(ctx, v)
	if err != nil {
		return Grant{}, err
	}
	if !v.isCatalogue && ownerID != v.req.UserID {
		return Grant{}, response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailPolicyNotFound)
	}

	hasAdmin, err := s.store.HasAdminPolicy(ctx, v.req.UserID, v.server.OwnerID, v.server.ID)
	if err != nil {
		s.logger.Error("admin policy lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if !hasAdmin && !(v.isCatalogue && v.server.OwnerID == v.req.UserID) {
		return Grant{}, response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailNoAdminPolicy)
	}
	return v.grant(nil), nil
}

// verifyDelegate walks the delegation chain: true owner, an ACTIVE
// delegation from that owner, a policy from the owner to the delegate at
// the right specificity, and finally the owner's administrative grant.
// Every missing link reads the same so absence of the item is not leaked.
func (s *service) verifyDelegate(ctx context.Context, v verifyContext) (Grant, error) {
	unauthorized := response.Forbidden(response.URNInvalidDelegate, titleInvalidPolicy, detailUnauthorizedDelegate)

	ownerID, err := s.resolveTrueOwner(ctx, v)
	if err != nil {
		return Grant{}, unauthorized
	}

	delegated, err := s.store.HasDelegation(ctx, v.req.UserID, ownerID, v.server.ID)
	if err != nil {
		s.logger.Error("delegation lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if !delegated {
		return Grant{}, unauthorized
	}

	match, err := s.store.OwnerUserPolicy(ctx, v.req.UserID, ownerID, v.item.ID)
	if err != nil {
		s.logger.Error("delegate policy lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if match == nil && v.req.ItemType == catalogue.ItemResource {
		match, err = s.store.OwnerUserPolicy(ctx, v.req.UserID, ownerID, v.item.ResourceGroupID)
		if err != nil {
			s.logger.Error("delegate policy lookup failed", zap.Error(err))
			return Grant{}, response.Internal()
		}
	}
	if match == nil {
		return Grant{}, unauthorized
	}

	hasAdmin, err := s.store.HasAdminPolicy(ctx, ownerID, v.server.OwnerID, v.server.ID)
	if err != nil {
		s.logger.Error("admin policy lookup failed", zap.Error(err))
		return Grant{}, response.Internal()
	}
	if !hasAdmin {
		return Grant{}, unauthorized
	}
	return v.grant(match.Constraints), nil
}

// resolveTrueOwner finds who actually owns the target: the catalogue
// server's registered owner for the platform's own item, otherwise the user
// registered under the email hash the item id leads with.
func (s *service) resolveTrueOwner(ctx context.Context, v verifyContext) (uuid.UUID, error) {
	if v.isCatalogue {
		return v.server.OwnerID, nil
	}
	emailHash := v.segments[0] + "/" + v.segments[1]
	ownerID, err := s.store.UserIDByEmailHash(ctx, emailHash)
	if err != nil {
		s.logger.Error("owner lookup failed", zap.Error(err))
		return uuid.Nil, response.Internal()
	}
	if ownerID == uuid.Nil {
		return uuid.Nil, response.Forbidden(response.URNInvalidInput, titleInvalidPolicy, detailPolicyNotFound)
	}
	return ownerID, nil
}

// groupID is the resource-group id of the target whatever its type.
func (v verifyContext) groupID() uuid.UUID {
	if v.req.ItemType == catalogue.ItemResourceGroup {
		return v.item.ID
	}
	return v.item.ResourceGroupID
}
