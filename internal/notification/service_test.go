package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/policy"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

var (
	consumerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	providerID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	delegateID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	resUUID    = uuid.MustParse("44444444-4444-4444-4444-444444444444")
)

const resCatID = "hash1/hash2/rs.test/group1/res1"

func fkey(parts ...any) string {
	return fmt.Sprintln(parts...)
}

type fakeStore struct {
	pending  map[string]bool
	rows     []Notification
	inserted []Notification

	updated      []StatusUpdate
	updateErr    error
	linked       map[uuid.UUID]uuid.UUID
	linkErr      error
	stagedFailed bool
}

func (f *fakeStore) ExistsPendingRequest(_ context.Context, userID, itemID, ownerID uuid.UUID) (bool, error) {
	return f.pending[fkey(userID, itemID, ownerID)], nil
}

func (f *fakeStore) InsertRequests(_ context.Context, requests []Notification) ([]Notification, error) {
	out := make([]Notification, 0, len(requests))
	for _, n := range requests {
		n.ID = uuid.New()
		n.Status = StatusPending
		out = append(out, n)
	}
	f.inserted = append(f.inserted, out...)
	return out, nil
}

func (f *fakeStore) ListByConsumer(context.Context, uuid.UUID) ([]Notification, error) {
	return f.rows, nil
}

func (f *fakeStore) ListByOwner(context.Context, uuid.UUID) ([]Notification, error) {
	return f.rows, nil
}

func (f *fakeStore) RequestsByIDs(context.Context, []uuid.UUID) ([]Notification, error) {
	return f.rows, nil
}

func (f *fakeStore) UpdateStatuses(ctx context.Context, updates []StatusUpdate, onStaged func(ctx context.Context) error) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if onStaged != nil {
		if err := onStaged(ctx); err != nil {
			f.stagedFailed = true
			return err
		}
	}
	f.updated = append(f.updated, updates...)
	return nil
}

func (f *fakeStore) LinkPolicy(_ context.Context, id, policyID uuid.UUID) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	if f.linked == nil {
		f.linked = map[uuid.UUID]uuid.UUID{}
	}
	f.linked[id] = policyID
	return nil
}

type fakePolicyService struct {
	created   []policy.CreateRequest
	returned  []policy.Policy
	createErr error
}

func (f *fakePolicyService) CreatePolicies(_ context.Context, requests []policy.CreateRequest, _ principal.User, _ *principal.Delegation) ([]policy.Policy, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, requests...)
	return f.returned, nil
}

func (f *fakePolicyService) Verify(context.Context, policy.VerifyRequest) (policy.Grant, error) {
	return policy.Grant{}, nil
}

func (f *fakePolicyService) ListPolicies(context.Context, principal.User, *principal.Delegation) ([]policy.ListedPolicy, error) {
	return nil, nil
}

func (f *fakePolicyService) DeletePolicies(context.Context, []uuid.UUID, principal.User, *principal.Delegation) error {
	return nil
}

type fakeDirectory struct {
	items map[string]catalogue.ResourceItem
	names map[uuid.UUID]string
}

func (f *fakeDirectory) ResolveItems(_ context.Context, lookups map[catalogue.ItemType][]string) (map[string]catalogue.ResourceItem, error) {
	out := make(map[string]catalogue.ResourceItem)
	for _, ids := range lookups {
		for _, id := range ids {
			item, ok := f.items[id]
			if !ok {
				return nil, fmt.Errorf("item does not exist: %s", id)
			}
			out[id] = item
		}
	}
	return out, nil
}

func (f *fakeDirectory) ResolveNames(_ context.Context, ids []uuid.UUID, _ catalogue.ItemType) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string)
	for _, id := range ids {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type fakeProfiles struct{}

func (fakeProfiles) GetProfiles(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]registration.Profile, error) {
	out := make(map[uuid.UUID]registration.Profile)
	for _, id := range ids {
		out[id] = registration.Profile{ID: id}
	}
	return out, nil
}

type fakeVerifier struct {
	allowed map[string]bool
}

func (f *fakeVerifier) VerifyAuthDelegate(_ context.Context, userID, providerID uuid.UUID) error {
	if f.allowed[fkey(userID, providerID)] {
		return nil
	}
	return response.Forbidden(response.URNInvalidDelegate, "invalid delegation", "not an auth delegate for the provider")
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		items: map[string]catalogue.ResourceItem{
			resCatID: {ID: resUUID, CatID: resCatID, ItemType: catalogue.ItemResource, OwnerID: providerID},
		},
		names: map[uuid.UUID]string{resUUID: resCatID},
	}
}

func newTestService(store *fakeStore, policies *fakePolicyService, verifier *fakeVerifier) Service {
	if policies == nil {
		policies = &fakePolicyService{}
	}
	if verifier == nil {
		verifier = &fakeVerifier{}
	}
	return NewService(store, policies, testDirectory(), fakeProfiles{}, verifier, zap.NewNop())
}

func consumerUser() principal.User {
	return principal.User{ID: consumerID, Roles: []principal.Role{principal.RoleConsumer}}
}

func providerUser() principal.User {
	return principal.User{ID: providerID, Roles: []principal.Role{principal.RoleProvider}}
}

func asResponse(t *testing.T, err error) *response.Response {
	t.Helper()
	var r *response.Response
	if !errors.As(err, &r) {
		t.Fatalf("expected structured response, got %v", err)
	}
	return r
}

func TestCreateRequestsRequiresConsumerRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.CreateRequests(context.Background(), []CreateRequest{{ItemID: resCatID, ItemType: "RESOURCE"}}, providerUser())
	r := asResponse(t, err)
	if r.Type != response.URNInvalidRole {
		t.Fatalf("expected invalid role, got %s", r.Type)
	}
}

func TestCreateRequestsRejectsBatchDuplicate(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	req := CreateRequest{ItemID: resCatID, ItemType: "RESOURCE"}
	_, err := svc.CreateRequests(context.Background(), []CreateRequest{req, req}, consumerUser())
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
}

func TestCreateRequestsRejectsMalformedItemID(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.CreateRequests(context.Background(), []CreateRequest{
		{ItemID: "a/b/c/d", ItemType: "RESOURCE"},
	}, consumerUser())
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
}

func TestCreateRequestsPendingDuplicateIsConflict(t *testing.T) {
	store := &fakeStore{pending: map[string]bool{fkey(consumerID, resUUID, providerID): true}}
	svc := newTestService(store, nil, nil)
	_, err := svc.CreateRequests(context.Background(), []CreateRequest{
		{ItemID: resCatID, ItemType: "RESOURCE"},
	}, consumerUser())
	r := asResponse(t, err)
	if r.Type != response.URNAlreadyExists {
		t.Fatalf("expected conflict, got %s", r.Type)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected no rows written")
	}
}

func TestCreateRequestsSuccess(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, nil, nil)
	created, err := svc.CreateRequests(context.Background(), []CreateRequest{
		{ItemID: resCatID, ItemType: "RESOURCE", ExpiryDuration: "P1M"},
	}, consumerUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 || created[0].Status != string(StatusPending) || created[0].ItemID != resCatID {
		t.Fatalf("unexpected result: %+v", created)
	}
	if store.inserted[0].OwnerID != providerID {
		t.Fatalf("expected resolved owner, got %s", store.inserted[0].OwnerID)
	}
}

func TestUpdateRequestsUnknownID(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: uuid.New(), Status: string(StatusApproved)},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.Status)
	}
}

func TestUpdateRequestsRejectsNonPending(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusRejected},
	}}
	svc := newTestService(store, nil, nil)
	_, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: id, Status: string(StatusApproved)},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
	if len(store.updated) != 0 {
		t.Fatal("expected no transitions")
	}
}

func TestUpdateRequestsApproveCreatesPolicy(t *testing.T) {
	id := uuid.New()
	policyID := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending, ExpiryDuration: "P1D"},
	}}
	policies := &fakePolicyService{returned: []policy.Policy{
		{ID: policyID, UserID: consumerID, ItemID: resUUID, ItemType: catalogue.ItemResource},
	}}
	svc := newTestService(store, policies, nil)
	updated, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: id, Status: string(StatusApproved)},
	}, providerUser(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(policies.created) != 1 {
		t.Fatalf("expected one policy request, got %d", len(policies.created))
	}
	expiry, err := time.Parse(time.RFC3339, policies.created[0].ExpiryTime)
	if err != nil {
		t.Fatalf("bad expiry: %v", err)
	}
	want := time.Now().Add(24 * time.Hour)
	if expiry.Before(want.Add(-time.Minute)) || expiry.After(want.Add(time.Minute)) {
		t.Fatalf("expected expiry near now+1d, got %v", expiry)
	}
	if updated[0].Status != string(StatusApproved) {
		t.Fatalf("expected APPROVED, got %s", updated[0].Status)
	}
	if store.linked[id] != policyID {
		t.Fatalf("expected notification linked to policy, got %v", store.linked)
	}
}

func TestUpdateRequestsRollsBackRejectsOnPolicyFailure(t *testing.T) {
	approveID := uuid.New()
	rejectID := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: approveID, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
		{ID: rejectID, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
	}}
	policies := &fakePolicyService{createErr: response.Internal()}
	svc := newTestService(store, policies, nil)
	_, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: rejectID, Status: string(StatusRejected)},
		{ID: approveID, Status: string(StatusApproved)},
	}, providerUser(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !store.stagedFailed {
		t.Fatal("expected staged transaction to fail")
	}
	if len(store.updated) != 0 {
		t.Fatal("expected no committed transitions")
	}
}

// A failure linking the notification to its already committed policy is
// logged and accepted, never propagated. This is the one place where the
// store may briefly hold an approved request without its policy id.
func TestUpdateRequestsLinkFailureIsAccepted(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{
		rows: []Notification{
			{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
		},
		linkErr: errors.New("connection reset"),
	}
	policies := &fakePolicyService{returned: []policy.Policy{
		{ID: uuid.New(), UserID: consumerID, ItemID: resUUID},
	}}
	svc := newTestService(store, policies, nil)
	updated, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: id, Status: string(StatusApproved)},
	}, providerUser(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated[0].Status != string(StatusApproved) {
		t.Fatalf("expected APPROVED despite link failure, got %s", updated[0].Status)
	}
}

func TestUpdateRequestsByAuthDelegate(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
	}}
	verifier := &fakeVerifier{allowed: map[string]bool{fkey(delegateID, providerID): true}}
	svc := newTestService(store, nil, verifier)
	user := principal.User{ID: delegateID, Roles: []principal.Role{principal.RoleDelegate}}
	_, err := svc.UpdateRequests(context.Background(), []UpdateRequest{
		{ID: id, Status: string(StatusRejected)},
	}, user, &principal.Delegation{ProviderID: providerID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.updated) != 1 || store.updated[0].Status != StatusRejected {
		t.Fatalf("unexpected transitions: %+v", store.updated)
	}
}

func TestDeleteRequestsOnlyFromPending(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusApproved},
	}}
	svc := newTestService(store, nil, nil)
	_, err := svc.DeleteRequests(context.Background(), []uuid.UUID{id}, consumerUser())
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
}

func TestDeleteRequestsScopedToOwnRequests(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: uuid.New(), OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
	}}
	svc := newTestService(store, nil, nil)
	_, err := svc.DeleteRequests(context.Background(), []uuid.UUID{id}, consumerUser())
	r := asResponse(t, err)
	if r.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.Status)
	}
}

func TestDeleteRequestsWithdraws(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []Notification{
		{ID: id, UserID: consumerID, OwnerID: providerID, ItemID: resUUID, ItemType: catalogue.ItemResource, Status: StatusPending},
	}}
	svc := newTestService(store, nil, nil)
	withdrawn, err := svc.DeleteRequests(context.Background(), []uuid.UUID{id}, consumerUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withdrawn[0].Status != string(StatusWithdrawn) {
		t.Fatalf("expected WITHDRAWN, got %s", withdrawn[0].Status)
	}
	if len(store.updated) != 1 || store.updated[0].Status != StatusWithdrawn {
		t.Fatalf("unexpected transitions: %+v", store.updated)
	}
}
