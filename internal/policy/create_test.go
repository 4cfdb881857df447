package policy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
)

var testOpts = Options{
	AuthServerURL: "auth.test",
	CatServerURL:  "cat.test",
	CatItemPath:   "catalogue/crud",
	DefaultExpiry: time.Hour,
}

var (
	providerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	consumerID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	delegateID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	groupUUID  = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	resUUID    = uuid.MustParse("55555555-5555-5555-5555-555555555555")
	serverUUID = uuid.MustParse("66666666-6666-6666-6666-666666666666")
)

const (
	groupCatID = "hash1/hash2/rs.test/group1"
	resCatID   = "hash1/hash2/rs.test/group1/res1"
)

func newTestService(store *fakeStore, dir *fakeDirectory, apds *fakeApdClient) Service {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	if apds == nil {
		apds = &fakeApdClient{}
	}
	return NewService(store, dir, apds, &fakeProfiles{}, testOpts, zap.NewNop())
}

func providerUser() principal.User {
	return principal.User{ID: providerID, Roles: []principal.Role{principal.RoleProvider}}
}

func ownedDirectory() *fakeDirectory {
	return &fakeDirectory{items: map[string]catalogue.ResourceItem{
		groupCatID: {ID: groupUUID, CatID: groupCatID, ItemType: catalogue.ItemResourceGroup, OwnerID: providerID, ResourceServerID: serverUUID},
		resCatID:   {ID: resUUID, CatID: resCatID, ItemType: catalogue.ItemResource, OwnerID: providerID, ResourceServerID: serverUUID, ResourceGroupID: groupUUID},
	}}
}

func asResponse(t *testing.T, err error) *response.Response {
	t.Helper()
	var r *response.Response
	if !errors.As(err, &r) {
		t.Fatalf("expected structured response, got %v", err)
	}
	return r
}

func TestCreatePoliciesRejectsInvalidRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	user := principal.User{ID: consumerID, Roles: []principal.Role{principal.RoleConsumer}}
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"}}, user, nil)
	r := asResponse(t, err)
	if r.Type != response.URNInvalidRole {
		t.Fatalf("expected invalid role, got %s", r.Type)
	}
}

func TestCreatePoliciesRejectsDuplicateRequests(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, ownedDirectory(), nil)
	req := CreateRequest{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"}
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{req, req}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no rows written, got %d", len(store.inserted))
	}
}

func TestCreatePoliciesRequiresApdIDForNilGrantee(t *testing.T) {
	svc := newTestService(&fakeStore{}, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Type != response.URNInvalidInput {
		t.Fatalf("expected invalid input, got %s", r.Type)
	}
}

func TestCreatePoliciesRejectsPastExpiry(t *testing.T) {
	svc := newTestService(&fakeStore{}, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP",
			ExpiryTime: time.Now().Add(-time.Hour).Format(time.RFC3339)},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
}

func TestCreatePoliciesRejectsMalformedItemID(t *testing.T) {
	svc := newTestService(&fakeStore{}, ownedDirectory(), nil)
	// a resource id with only four segments claims to be a resource
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Title != titleIncorrectItemID {
		t.Fatalf("expected %q, got %q", titleIncorrectItemID, r.Title)
	}
}

func TestCreatePoliciesRejectsMissingGrantee(t *testing.T) {
	store := &fakeStore{missingUsers: []uuid.UUID{consumerID}}
	svc := newTestService(store, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Detail != consumerID.String() {
		t.Fatalf("expected offending user id in detail, got %q", r.Detail)
	}
}

func TestCreatePoliciesRejectsUnresolvedItem(t *testing.T) {
	store := &fakeStore{authPolicies: map[uuid.UUID]bool{providerID: true}}
	svc := newTestService(store, &fakeDirectory{}, nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.Status)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected no rows written")
	}
}

func TestCreatePoliciesRejectsWithoutAuthPolicy(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", r.Status)
	}
}

func TestCreatePoliciesRejectsForeignItem(t *testing.T) {
	otherOwner := uuid.New()
	dir := &fakeDirectory{items: map[string]catalogue.ResourceItem{
		groupCatID: {ID: groupUUID, CatID: groupCatID, ItemType: catalogue.ItemResourceGroup, OwnerID: otherOwner},
	}}
	store := &fakeStore{authPolicies: map[uuid.UUID]bool{providerID: true}}
	svc := newTestService(store, dir, nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", r.Status)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected no rows written")
	}
}

func TestCreatePoliciesRejectsDuplicateActive(t *testing.T) {
	store := &fakeStore{
		authPolicies:     map[uuid.UUID]bool{providerID: true},
		existingPolicies: map[string]bool{fkey(consumerID, groupUUID, catalogue.ItemResourceGroup, providerID): true},
	}
	svc := newTestService(store, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Type != response.URNAlreadyExists {
		t.Fatalf("expected conflict, got %s", r.Type)
	}
}

func TestCreatePoliciesInsertsResolvedRow(t *testing.T) {
	store := &fakeStore{authPolicies: map[uuid.UUID]bool{providerID: true}}
	svc := newTestService(store, ownedDirectory(), nil)
	created, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: resCatID, ItemType: "RESOURCE"},
	}, providerUser(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(created))
	}
	p := created[0]
	if p.ItemID != resUUID || p.OwnerID != providerID || p.UserID != consumerID {
		t.Fatalf("unexpected policy row: %+v", p)
	}
	if p.ExpiryTime.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expected default expiry applied, got %v", p.ExpiryTime)
	}
}

func TestCreatePoliciesDelegatedUsesProviderAsOwner(t *testing.T) {
	store := &fakeStore{authPolicies: map[uuid.UUID]bool{providerID: true}}
	svc := newTestService(store, ownedDirectory(), nil)
	user := principal.User{ID: delegateID, Roles: []principal.Role{principal.RoleDelegate}}
	created, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, user, &principal.Delegation{ProviderID: providerID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created[0].OwnerID != providerID {
		t.Fatalf("expected owner %s, got %s", providerID, created[0].OwnerID)
	}
}

func TestCreatePoliciesMapsInsertRaceToConflict(t *testing.T) {
	store := &fakeStore{
		authPolicies: map[uuid.UUID]bool{providerID: true},
		insertErr:    ErrDuplicatePolicy,
	}
	svc := newTestService(store, ownedDirectory(), nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, providerUser(), nil)
	r := asResponse(t, err)
	if r.Type != response.URNAlreadyExists {
		t.Fatalf("expected conflict, got %s", r.Type)
	}
}

func TestCreatePoliciesApdPolicyByTrustee(t *testing.T) {
	apdID := uuid.New()
	trustee := principal.User{ID: providerID, Roles: []principal.Role{principal.RoleTrustee}}
	store := &fakeStore{authPolicies: map[uuid.UUID]bool{providerID: true}}
	apds := &fakeApdClient{details: map[string]apd.Detail{
		apdID.String(): {ID: apdID, URL: "apd.test", OwnerID: providerID, Status: apd.StatusActive},
	}}
	svc := newTestService(store, ownedDirectory(), apds)
	created, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{ItemID: groupCatID, ItemType: "RESOURCE_GROUP", ApdID: apdID.String(), UserClass: "standard"},
	}, trustee, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := created[0]
	if !p.IsApdPolicy() || p.ApdID.UUID != apdID || p.UserClass != "standard" {
		t.Fatalf("unexpected apd policy row: %+v", p)
	}
}

func TestCreatePoliciesResourceServerByOwningAdmin(t *testing.T) {
	admin := principal.User{ID: providerID, Roles: []principal.Role{principal.RoleAdmin}}
	// no auth policies at all: server grants are the root of the chain
	store := &fakeStore{serversByURL: map[string]uuid.UUID{"rs.test": serverUUID}}
	svc := newTestService(store, nil, nil)
	created, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: "rs.test", ItemType: "RESOURCE_SERVER"},
	}, admin, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := created[0]
	if p.ItemID != serverUUID || p.ItemType != catalogue.ItemResourceServer || p.OwnerID != providerID {
		t.Fatalf("unexpected server policy row: %+v", p)
	}
}

func TestCreatePoliciesResourceServerNotOwned(t *testing.T) {
	admin := principal.User{ID: providerID, Roles: []principal.Role{principal.RoleAdmin}}
	store := &fakeStore{serversByURL: map[string]uuid.UUID{"rs.test": serverUUID}}
	svc := newTestService(store, nil, nil)
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: "other.test", ItemType: "RESOURCE_SERVER"},
	}, admin, nil)
	r := asResponse(t, err)
	if r.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", r.Status)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected no rows written")
	}
}

func TestCreatePoliciesServerGrantSkipsAuthPolicyCheck(t *testing.T) {
	admin := principal.User{ID: providerID, Roles: []principal.Role{principal.RoleAdmin}}
	store := &fakeStore{
		serversByURL: map[string]uuid.UUID{"rs.test": serverUUID},
		authPolicies: map[uuid.UUID]bool{},
	}
	svc := newTestService(store, ownedDirectory(), nil)

	// the same caller without an auth policy cannot grant resource access
	_, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: groupCatID, ItemType: "RESOURCE_GROUP"},
	}, admin, nil)
	if r := asResponse(t, err); r.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for resource grant, got %d", r.Status)
	}

	// but the server grant goes through
	if _, err := svc.CreatePolicies(context.Background(), []CreateRequest{
		{UserID: consumerID, ItemID: "rs.test", ItemType: "RESOURCE_SERVER"},
	}, admin, nil); err != nil {
		t.Fatalf("unexpected error for server grant: %v", err)
	}
}
