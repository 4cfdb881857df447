// Package policy implements the policy engine: the creation pipeline, the
// verification decision procedure invoked at token-issuance time, and
// policy listing/deletion.
package policy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
)

// Status is the lifecycle state of a policy row. Policies are soft deleted
// and expired rows are treated as absent by every read.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusDeleted Status = "DELETED"
)

// Policy is a persisted grant of access from an owner to a user over an
// item. APD policies use the nil UUID as the grantee sentinel and carry the
// deciding APD's id instead.
type Policy struct {
	ID          uuid.UUID          `db:"id" json:"id"`
	UserID      uuid.UUID          `db:"user_id" json:"userId"`
	OwnerID     uuid.UUID          `db:"owner_id" json:"ownerId"`
	ItemID      uuid.UUID          `db:"item_id" json:"itemId"`
	ItemType    catalogue.ItemType `db:"item_type" json:"itemType"`
	ApdID       uuid.NullUUID      `db:"apd_id" json:"-"`
	UserClass   string             `db:"user_class" json:"userClass,omitempty"`
	Status      Status             `db:"status" json:"status"`
	ExpiryTime  time.Time          `db:"expiry_time" json:"expiryTime"`
	Constraints json.RawMessage    `db:"constraints" json:"constraints,omitempty"`
}

// IsApdPolicy reports whether the row delegates its decision to an APD.
func (p Policy) IsApdPolicy() bool {
	return p.UserID == uuid.Nil && p.ApdID.Valid
}

// CreateRequest is one entry of a policy creation batch.
type CreateRequest struct {
	UserID      uuid.UUID       `json:"userId"`
	ItemID      string          `json:"itemId" binding:"required"`
	ItemType    string          `json:"itemType" binding:"required"`
	ExpiryTime  string          `json:"expiryTime,omitempty"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
	ApdID       string          `json:"apdId,omitempty"`
	UserClass   string          `json:"userClass,omitempty"`
}

// Grant is the successful outcome of verification, consumed by the token
// service.
type Grant struct {
	Status            string          `json:"status"`
	CatID             string          `json:"cat_id"`
	ResourceServerURL string          `json:"url"`
	Constraints       json.RawMessage `json:"constraints,omitempty"`
	ApdDetail         *ApdGrantDetail `json:"apd,omitempty"`
}

// ApdGrantDetail names the APD that rendered an APD-backed grant.
type ApdGrantDetail struct {
	ID  uuid.UUID `json:"id"`
	URL string    `json:"url"`
}

// ListedPolicy is a policy row enriched for callers.
type ListedPolicy struct {
	ID          uuid.UUID             `json:"id"`
	ItemID      string                `json:"itemId"`
	ItemType    string                `json:"itemType"`
	Status      string                `json:"status"`
	ExpiryTime  time.Time             `json:"expiryTime"`
	Constraints json.RawMessage       `json:"constraints,omitempty"`
	User        *registration.Profile `json:"userDetails,omitempty"`
	Owner       *registration.Profile `json:"ownerDetails,omitempty"`
	Apd         *ApdGrantDetail       `json:"apdDetails,omitempty"`
}

// Options is the platform configuration the engine branches on.
type Options struct {
	// AuthServerURL is the platform's own administrative resource server.
	AuthServerURL string
	// CatServerURL and CatItemPath identify the platform's own catalogue
	// item; a matching item id bypasses the external directory.
	CatServerURL string
	CatItemPath  string
	// DefaultExpiry is applied when a creation request omits expiryTime.
	DefaultExpiry time.Duration
}

// isCatalogueItem reports whether the item id path encodes the platform's
// own catalogue item.
func (o Options) isCatalogueItem(segments []string) bool {
	return len(segments) == 5 &&
		segments[2] == o.CatServerURL &&
		segments[3]+"/"+segments[4] == o.CatItemPath
}

const (
	titleInvalidPolicy     = "invalid policy"
	titleInvalidRole       = "invalid role to perform operation"
	titleIncorrectItemType = "incorrect item type"
	titleIncorrectItemID   = "incorrect item id"

	detailPolicyNotFound       = "policy not found"
	detailNoResServer          = "no resource server"
	detailUnauthorizedDelegate = "unauthorized delegate"
	detailNoAdminPolicy        = "no admin policy for user"
)
