package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sosodev/duration"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/policy"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

const (
	titleInvalidRole    = "invalid role to perform operation"
	titleInvalidRequest = "invalid request"

	defaultExpiryDuration = "P1Y"
)

// CreateRequest is one entry of an access-request batch.
type CreateRequest struct {
	ItemID         string          `json:"itemId" binding:"required"`
	ItemType       string          `json:"itemType" binding:"required"`
	Constraints    json.RawMessage `json:"constraints,omitempty"`
	ExpiryDuration string          `json:"expiryDuration,omitempty"`
}

// UpdateRequest is one adjudication of a pending request. Constraints and
// expiry duration, when set, override what the consumer asked for.
type UpdateRequest struct {
	ID             uuid.UUID       `json:"requestId" binding:"required"`
	Status         string          `json:"status" binding:"required"`
	Constraints    json.RawMessage `json:"constraints,omitempty"`
	ExpiryDuration string          `json:"expiryDuration,omitempty"`
}

// ListedNotification is an access request enriched for callers.
type ListedNotification struct {
	ID             uuid.UUID             `json:"id"`
	ItemID         string                `json:"itemId"`
	ItemType       string                `json:"itemType"`
	Status         string                `json:"status"`
	ExpiryDuration string                `json:"expiryDuration,omitempty"`
	Constraints    json.RawMessage       `json:"constraints,omitempty"`
	User           *registration.Profile `json:"userDetails,omitempty"`
	Owner          *registration.Profile `json:"ownerDetails,omitempty"`
}

// AuthDelegateVerifier authorizes a caller acting for a provider.
type AuthDelegateVerifier interface {
	VerifyAuthDelegate(ctx context.Context, userID, providerID uuid.UUID) error
}

// Service manages the access-request workflow.
type Service interface {
	CreateRequests(ctx context.Context, requests []CreateRequest, user principal.User) ([]ListedNotification, error)
	ListRequests(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedNotification, error)
	UpdateRequests(ctx context.Context, updates []UpdateRequest, user principal.User, delegation *principal.Delegation) ([]ListedNotification, error)
	DeleteRequests(ctx context.Context, ids []uuid.UUID, user principal.User) ([]ListedNotification, error)
}

type service struct {
	store     Store
	policies  policy.Service
	directory catalogue.Client
	profiles  registration.Client
	delegates AuthDelegateVerifier
	logger    *zap.Logger
}

// NewService creates the notification workflow.
func NewService(store Store, policies policy.Service, directory catalogue.Client, profiles registration.Client, delegates AuthDelegateVerifier, logger *zap.Logger) Service {
	return &service{
		store:     store,
		policies:  policies,
		directory: directory,
		profiles:  profiles,
		delegates: delegates,
		logger:    logger,
	}
}

// CreateRequests submits a consumer's access requests. Items must resolve
// in the directory, and a second request for an item with one already
// pending is a conflict.
func (s *service) CreateRequests(ctx context.Context, requests []CreateRequest, user principal.User) ([]ListedNotification, error) {
	if !user.HasRole(principal.RoleConsumer) {
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	if len(requests) == 0 {
		return nil, response.Invalid("no requests given", "")
	}

	type key struct{ itemID, itemType string }
	seen := make(map[key]bool, len(requests))
	itemTypes := make([]catalogue.ItemType, len(requests))
	lookups := make(map[catalogue.ItemType][]string)
	for i, req := range requests {
		k := key{req.ItemID, req.ItemType}
		if seen[k] {
			return nil, response.Invalid("duplicate request", req.ItemID)
		}
		seen[k] = true

		itemType, ok := catalogue.ParseItemType(req.ItemType)
		if !ok || (itemType != catalogue.ItemResource && itemType != catalogue.ItemResourceGroup) {
			return nil, response.Invalid("incorrect item type", req.ItemType)
		}
		itemTypes[i] = itemType

		segments := catalogue.Segments(req.ItemID)
		if itemType == catalogue.ItemResourceGroup && len(segments) != 4 {
			return nil, response.Invalid("incorrect item id", req.ItemID)
		}
		if itemType == catalogue.ItemResource && len(segments) <= 4 {
			return nil, response.Invalid("incorrect item id", req.ItemID)
		}

		if req.ExpiryDuration != "" {
			if _, err := duration.Parse(req.ExpiryDuration); err != nil {
				return nil, response.Invalid("invalid expiry duration", req.ExpiryDuration)
			}
		}
		lookups[itemType] = append(lookups[itemType], req.ItemID)
	}

	resolved, err := s.directory.ResolveItems(ctx, lookups)
	if err != nil {
		return nil, response.Invalid("item does not exist", err.Error())
	}

	rows := make([]Notification, 0, len(requests))
	for i, req := range requests {
		item := resolved[req.ItemID]
		pending, err := s.store.ExistsPendingRequest(ctx, user.ID, item.ID, item.OwnerID)
		if err != nil {
			s.logger.Error("pending request lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
		if pending {
			return nil, response.Conflict("request already exists", req.ItemID)
		}
		rows = append(rows, Notification{
			UserID:         user.ID,
			OwnerID:        item.OwnerID,
			ItemID:         item.ID,
			ItemType:       itemTypes[i],
			Constraints:    req.Constraints,
			ExpiryDuration: req.ExpiryDuration,
		})
	}

	inserted, err := s.store.InsertRequests(ctx, rows)
	if err != nil {
		s.logger.Error("request insert failed", zap.Error(err))
		return nil, response.Internal()
	}
	return s.enrich(ctx, inserted)
}

// ListRequests returns the caller's non-withdrawn requests: submitted ones
// for a consumer, received ones for a provider or their auth delegate.
func (s *service) ListRequests(ctx context.Context, user principal.User, delegation *principal.Delegation) ([]ListedNotification, error) {
	var rows []Notification
	switch {
	case delegation.IsDelegated():
		if err := s.delegates.VerifyAuthDelegate(ctx, user.ID, delegation.ProviderID); err != nil {
			return nil, err
		}
		var err error
		rows, err = s.store.ListByOwner(ctx, delegation.ProviderID)
		if err != nil {
			s.logger.Error("request list failed", zap.Error(err))
			return nil, response.Internal()
		}
	case user.HasAnyRole(principal.RoleProvider, principal.RoleConsumer):
		if user.HasRole(principal.RoleProvider) {
			received, err := s.store.ListByOwner(ctx, user.ID)
			if err != nil {
				s.logger.Error("request list failed", zap.Error(err))
				return nil, response.Internal()
			}
			rows = append(rows, received...)
		}
		if user.HasRole(principal.RoleConsumer) {
			submitted, err := s.store.ListByConsumer(ctx, user.ID)
			if err != nil {
				s.logger.Error("request list failed", zap.Error(err))
				return nil, response.Internal()
			}
			rows = append(rows, submitted...)
		}
	default:
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	return s.enrich(ctx, rows)
}

// UpdateRequests approves or rejects pending requests in one batch. Every
// id must be a pending request owned by the acting provider; the whole
// batch fails otherwise. Approvals run through the policy creation
// pipeline before any status flip commits, so a failed policy rolls back
// the rejects staged in the same call. Only the notification-to-policy
// link afterwards is best-effort.
func (s *service) UpdateRequests(ctx context.Context, updates []UpdateRequest, user principal.User, delegation *principal.Delegation) ([]ListedNotification, error) {
	if delegation.IsDelegated() {
		if err := s.delegates.VerifyAuthDelegate(ctx, user.ID, delegation.ProviderID); err != nil {
			return nil, err
		}
	} else if !user.HasRole(principal.RoleProvider) {
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	ownerID := principal.ActingOwner(user, delegation)

	if len(updates) == 0 {
		return nil, response.Invalid("no requests given", "")
	}
	ids := make([]uuid.UUID, 0, len(updates))
	seen := make(map[uuid.UUID]bool, len(updates))
	for _, u := range updates {
		if seen[u.ID] {
			return nil, response.Invalid("duplicate request id", u.ID.String())
		}
		seen[u.ID] = true
		ids = append(ids, u.ID)
		if Status(u.Status) != StatusApproved && Status(u.Status) != StatusRejected {
			return nil, response.Invalid("invalid status", u.Status)
		}
	}

	rows, err := s.store.RequestsByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("request lookup failed", zap.Error(err))
		return nil, response.Internal()
	}
	byID := make(map[uuid.UUID]Notification, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	for _, u := range updates {
		n, ok := byID[u.ID]
		if !ok || n.OwnerID != ownerID {
			return nil, response.NotFound("request does not exist", u.ID.String())
		}
		if n.Status != StatusPending {
			return nil, response.Invalid(titleInvalidRequest, "request is not pending: "+u.ID.String())
		}
	}

	approvals, approvedRows, err := s.buildApprovals(ctx, updates, byID)
	if err != nil {
		return nil, err
	}

	statusUpdates := make([]StatusUpdate, 0, len(updates))
	for _, u := range updates {
		statusUpdates = append(statusUpdates, StatusUpdate{ID: u.ID, Status: Status(u.Status)})
	}

	var created []policy.Policy
	err = s.store.UpdateStatuses(ctx, statusUpdates, func(ctx context.Context) error {
		if len(approvals) == 0 {
			return nil
		}
		var perr error
		created, perr = s.policies.CreatePolicies(ctx, approvals, user, delegation)
		return perr
	})
	if err != nil {
		var r *response.Response
		if errors.As(err, &r) {
			return nil, r
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, response.Invalid(titleInvalidRequest, "request is not pending")
		}
		s.logger.Error("request update failed", zap.Error(err))
		return nil, response.Internal()
	}

	s.linkPolicies(ctx, approvedRows, created)

	updated := make([]Notification, 0, len(updates))
	for _, u := range updates {
		n := byID[u.ID]
		n.Status = Status(u.Status)
		updated = append(updated, n)
	}
	return s.enrich(ctx, updated)
}

// buildApprovals turns approved notifications into policy creation
// requests, computing each expiry from the adjudicated duration.
func (s *service) buildApprovals(ctx context.Context, updates []UpdateRequest, byID map[uuid.UUID]Notification) ([]policy.CreateRequest, []Notification, error) {
	var approvedRows []Notification
	var durations []string
	for _, u := range updates {
		if Status(u.Status) != StatusApproved {
			continue
		}
		n := byID[u.ID]
		expiryDuration := u.ExpiryDuration
		if expiryDuration == "" {
			expiryDuration = n.ExpiryDuration
		}
		if expiryDuration == "" {
			expiryDuration = defaultExpiryDuration
		}
		if u.Constraints != nil {
			n.Constraints = u.Constraints
		}
		approvedRows = append(approvedRows, n)
		durations = append(durations, expiryDuration)
	}
	if len(approvedRows) == 0 {
		return nil, nil, nil
	}

	// the policy pipeline takes external catalogue ids, so map the stored
	// internal ids back through the directory
	itemIDs := make(map[catalogue.ItemType][]uuid.UUID)
	for _, n := range approvedRows {
		itemIDs[n.ItemType] = append(itemIDs[n.ItemType], n.ItemID)
	}
	catIDs := make(map[uuid.UUID]string)
	for itemType, ids := range itemIDs {
		resolved, err := s.directory.ResolveNames(ctx, ids, itemType)
		if err != nil {
			s.logger.Error("catalogue id lookup failed", zap.Error(err))
			return nil, nil, response.Internal()
		}
		for id, catID := range resolved {
			catIDs[id] = catID
		}
	}

	now := time.Now()
	approvals := make([]policy.CreateRequest, 0, len(approvedRows))
	for i, n := range approvedRows {
		d, err := duration.Parse(durations[i])
		if err != nil {
			return nil, nil, response.Invalid("invalid expiry duration", durations[i])
		}
		catID, ok := catIDs[n.ItemID]
		if !ok {
			return nil, nil, response.Invalid("item does not exist", n.ItemID.String())
		}
		approvals = append(approvals, policy.CreateRequest{
			UserID:      n.UserID,
			ItemID:      catID,
			ItemType:    string(n.ItemType),
			ExpiryTime:  now.Add(d.ToTimeDuration()).Format(time.RFC3339),
			Constraints: n.Constraints,
		})
	}
	return approvals, approvedRows, nil
}

// linkPolicies records which policy each approval produced. The policies
// are already committed at this point, so a failed link is logged and left
// for operators rather than rolled back.
func (s *service) linkPolicies(ctx context.Context, approvedRows []Notification, created []policy.Policy) {
	for _, n := range approvedRows {
		for _, p := range created {
			if p.UserID == n.UserID && p.ItemID == n.ItemID {
				if err := s.store.LinkPolicy(ctx, n.ID, p.ID); err != nil {
					s.logger.Error("linking notification to policy failed",
						zap.String("notification", n.ID.String()),
						zap.String("policy", p.ID.String()),
						zap.Error(err))
				}
				break
			}
		}
	}
}

// DeleteRequests withdraws a consumer's own pending requests. Withdrawal
// is only reachable from PENDING, so it never touches a policy.
func (s *service) DeleteRequests(ctx context.Context, ids []uuid.UUID, user principal.User) ([]ListedNotification, error) {
	if !user.HasRole(principal.RoleConsumer) {
		return nil, response.Unauthorized(titleInvalidRole, titleInvalidRole)
	}
	if len(ids) == 0 {
		return nil, response.Invalid("no requests given", "")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, response.Invalid("duplicate request id", id.String())
		}
		seen[id] = true
	}

	rows, err := s.store.RequestsByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("request lookup failed", zap.Error(err))
		return nil, response.Internal()
	}
	byID := make(map[uuid.UUID]Notification, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	updates := make([]StatusUpdate, 0, len(ids))
	withdrawn := make([]Notification, 0, len(ids))
	for _, id := range ids {
		n, ok := byID[id]
		if !ok || n.UserID != user.ID {
			return nil, response.NotFound("request does not exist", id.String())
		}
		if n.Status != StatusPending {
			return nil, response.Invalid(titleInvalidRequest, "request is not pending: "+id.String())
		}
		updates = append(updates, StatusUpdate{ID: id, Status: StatusWithdrawn})
		n.Status = StatusWithdrawn
		withdrawn = append(withdrawn, n)
	}

	if err := s.store.UpdateStatuses(ctx, updates, nil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, response.Invalid(titleInvalidRequest, "request is not pending")
		}
		s.logger.Error("request withdraw failed", zap.Error(err))
		return nil, response.Internal()
	}
	return s.enrich(ctx, withdrawn)
}

// enrich swaps internal ids for catalogue ids and profile details.
func (s *service) enrich(ctx context.Context, rows []Notification) ([]ListedNotification, error) {
	itemIDs := make(map[catalogue.ItemType][]uuid.UUID)
	userIDs := make(map[uuid.UUID]bool)
	for _, n := range rows {
		itemIDs[n.ItemType] = append(itemIDs[n.ItemType], n.ItemID)
		userIDs[n.UserID] = true
		userIDs[n.OwnerID] = true
	}

	catIDs := make(map[uuid.UUID]string)
	for itemType, ids := range itemIDs {
		resolved, err := s.directory.ResolveNames(ctx, ids, itemType)
		if err != nil {
			s.logger.Error("catalogue id lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
		for id, catID := range resolved {
			catIDs[id] = catID
		}
	}

	profiles := map[uuid.UUID]registration.Profile{}
	if len(userIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(userIDs))
		for id := range userIDs {
			ids = append(ids, id)
		}
		var err error
		profiles, err = s.profiles.GetProfiles(ctx, ids)
		if err != nil {
			s.logger.Error("profile lookup failed", zap.Error(err))
			return nil, response.Internal()
		}
	}

	listed := make([]ListedNotification, 0, len(rows))
	for _, n := range rows {
		entry := ListedNotification{
			ID:             n.ID,
			ItemID:         catIDs[n.ItemID],
			ItemType:       string(n.ItemType),
			Status:         string(n.Status),
			ExpiryDuration: n.ExpiryDuration,
			Constraints:    n.Constraints,
		}
		if p, ok := profiles[n.UserID]; ok {
			entry.User = &p
		}
		if p, ok := profiles[n.OwnerID]; ok {
			entry.Owner = &p
		}
		listed = append(listed, entry)
	}
	return listed, nil
}
