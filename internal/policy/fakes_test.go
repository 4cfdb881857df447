package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
)

func fkey(parts ...any) string {
	return fmt.Sprintln(parts...)
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}

type fakeStore struct {
	approvedRoles     map[string]bool
	missingUsers      []uuid.UUID
	serversByURL      map[string]uuid.UUID
	serversByID       map[uuid.UUID]ResourceServer
	emailOwners       map[string]uuid.UUID
	userPolicies      map[string]*Constraint
	ownerUserPolicies map[string]*Constraint
	apdPolicies       map[string]*ApdPolicyDetail
	adminPolicies     map[string]bool
	authPolicies      map[uuid.UUID]bool
	delegations       map[string]bool
	existingPolicies  map[string]bool

	inserted  []Policy
	insertErr error

	userRows  []Policy
	apdRows   []Policy
	ownedIDs  []uuid.UUID
	deleted   []uuid.UUID
	deletedBy int64
}

func (f *fakeStore) HasApprovedRole(_ context.Context, userID uuid.UUID, role principal.Role) (bool, error) {
	return f.approvedRoles[fkey(userID, role)], nil
}

func (f *fakeStore) MissingUsers(context.Context, []uuid.UUID) ([]uuid.UUID, error) {
	return f.missingUsers, nil
}

func (f *fakeStore) ResourceServersByURL(_ context.Context, _ uuid.UUID, urls []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID)
	for _, u := range urls {
		if id, ok := f.serversByURL[u]; ok {
			out[u] = id
		}
	}
	return out, nil
}

func (f *fakeStore) ResourceServerURL(_ context.Context, id uuid.UUID) (string, error) {
	return f.serversByID[id].URL, nil
}

func (f *fakeStore) ResourceServerByID(_ context.Context, id uuid.UUID) (*ResourceServer, error) {
	if server, ok := f.serversByID[id]; ok {
		return &server, nil
	}
	return nil, nil
}

func (f *fakeStore) ResourceServerByURL(_ context.Context, url string) (*ResourceServer, error) {
	for _, server := range f.serversByID {
		if server.URL == url {
			return &server, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UserIDByEmailHash(_ context.Context, emailHash string) (uuid.UUID, error) {
	return f.emailOwners[emailHash], nil
}

func (f *fakeStore) UserPolicy(_ context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType) (*Constraint, error) {
	return f.userPolicies[fkey(userID, itemID, itemType)], nil
}

func (f *fakeStore) OwnerUserPolicy(_ context.Context, userID, ownerID, itemID uuid.UUID) (*Constraint, error) {
	return f.ownerUserPolicies[fkey(userID, ownerID, itemID)], nil
}

func (f *fakeStore) ApdPolicy(_ context.Context, itemID uuid.UUID, itemType catalogue.ItemType) (*ApdPolicyDetail, error) {
	return f.apdPolicies[fkey(itemID, itemType)], nil
}

func (f *fakeStore) HasAdminPolicy(_ context.Context, userID, ownerID, serverID uuid.UUID) (bool, error) {
	return f.adminPolicies[fkey(userID, ownerID, serverID)], nil
}

func (f *fakeStore) HasAuthPolicy(_ context.Context, userID uuid.UUID, _ string) (bool, error) {
	return f.authPolicies[userID], nil
}

func (f *fakeStore) HasDelegation(_ context.Context, delegateID, ownerID, serverID uuid.UUID) (bool, error) {
	return f.delegations[fkey(delegateID, ownerID, serverID)], nil
}

func (f *fakeStore) ExistsActivePolicy(_ context.Context, userID, itemID uuid.UUID, itemType catalogue.ItemType, ownerID uuid.UUID) (bool, error) {
	return f.existingPolicies[fkey(userID, itemID, itemType, ownerID)], nil
}

func (f *fakeStore) InsertPolicies(_ context.Context, policies []Policy) ([]Policy, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		p.ID = uuid.New()
		p.Status = StatusActive
		out = append(out, p)
	}
	f.inserted = append(f.inserted, out...)
	return out, nil
}

func (f *fakeStore) ListPolicies(context.Context, uuid.UUID) ([]Policy, error) {
	return f.userRows, nil
}

func (f *fakeStore) ListApdPolicies(context.Context, uuid.UUID) ([]Policy, error) {
	return f.apdRows, nil
}

func (f *fakeStore) PoliciesOwnedBy(context.Context, uuid.UUID, []uuid.UUID) ([]uuid.UUID, error) {
	return f.ownedIDs, nil
}

func (f *fakeStore) SoftDeletePolicies(_ context.Context, ids []uuid.UUID) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	if f.deletedBy > 0 {
		return f.deletedBy, nil
	}
	return int64(len(ids)), nil
}

type fakeDirectory struct {
	items map[string]catalogue.ResourceItem
	names map[uuid.UUID]string
	err   error
}

func (f *fakeDirectory) ResolveItems(_ context.Context, lookups map[catalogue.ItemType][]string) (map[string]catalogue.ResourceItem, error) {
	if f.err != nil {
		return nil, f.err
	}
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

type fakeApdClient struct {
	details    map[string]apd.Detail
	detailsErr error
	decision   apd.Decision
	invokeErr  error
	lastInvoke *apd.InvokeRequest
}

func (f *fakeApdClient) GetDetails(_ context.Context, urls []string, ids []uuid.UUID) (map[string]apd.Detail, error) {
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	for _, u := range urls {
		if _, ok := f.details[u]; !ok {
			return nil, fmt.Errorf("apd %s not found", u)
		}
	}
	for _, id := range ids {
		if _, ok := f.details[id.String()]; !ok {
			return nil, fmt.Errorf("apd %s not found", id)
		}
	}
	return f.details, nil
}

func (f *fakeApdClient) Invoke(_ context.Context, req apd.InvokeRequest) (apd.Decision, error) {
	f.lastInvoke = &req
	if f.invokeErr != nil {
		return apd.Decision{}, f.invokeErr
	}
	return f.decision, nil
}

type fakeProfiles struct {
	profiles map[uuid.UUID]registration.Profile
}

func (f *fakeProfiles) GetProfiles(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]registration.Profile, error) {
	out := make(map[uuid.UUID]registration.Profile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		} else {
			out[id] = registration.Profile{ID: id}
		}
	}
	return out, nil
}
