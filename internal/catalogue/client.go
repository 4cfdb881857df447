// Package catalogue resolves external resource identifiers against the
// platform's resource directory. Items are resolved on demand for a single
// operation and never cached.
package catalogue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ItemType classifies the object a policy or notification targets.
type ItemType string

const (
	ItemResource       ItemType = "RESOURCE"
	ItemResourceGroup  ItemType = "RESOURCE_GROUP"
	ItemResourceServer ItemType = "RESOURCE_SERVER"
	ItemAPD            ItemType = "APD"
)

// ParseItemType normalizes an item type string. ok is false for unknown types.
func ParseItemType(s string) (ItemType, bool) {
	switch ItemType(strings.ToUpper(s)) {
	case ItemResource, ItemResourceGroup, ItemResourceServer, ItemAPD:
		return ItemType(strings.ToUpper(s)), true
	}
	return "", false
}

// Segments splits a catalogue item id into its path segments. A resource
// group id has exactly 4 segments, a resource id strictly more.
func Segments(itemID string) []string {
	return strings.Split(itemID, "/")
}

// ResourceItem is a directory entry resolved from an external identifier.
// It is held only for the duration of one operation.
type ResourceItem struct {
	ID               uuid.UUID
	CatID            string
	ItemType         ItemType
	OwnerID          uuid.UUID
	ResourceServerID uuid.UUID
	ResourceGroupID  uuid.UUID
}

// Client resolves catalogue identifiers in both directions.
type Client interface {
	// ResolveItems maps external catalogue ids, grouped by item type, to
	// directory entries. Every requested id must resolve; a missing id
	// fails the whole call.
	ResolveItems(ctx context.Context, items map[ItemType][]string) (map[string]ResourceItem, error)
	// ResolveNames maps internal ids back to external catalogue ids.
	// Unknown ids are absent from the result, not an error.
	ResolveNames(ctx context.Context, ids []uuid.UUID, itemType ItemType) (map[uuid.UUID]string, error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a directory client against the given registry URL.
func NewHTTPClient(baseURL string) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type itemResponse struct {
	ID               uuid.UUID `json:"id"`
	CatID            string    `json:"catId"`
	ItemType         string    `json:"itemType"`
	OwnerID          uuid.UUID `json:"ownerId"`
	ResourceServerID uuid.UUID `json:"resourceServerId"`
	ResourceGroupID  uuid.UUID `json:"resourceGroupId"`
}

func (c *httpClient) ResolveItems(ctx context.Context, items map[ItemType][]string) (map[string]ResourceItem, error) {
	resolved := make(map[string]ResourceItem)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for itemType, catIDs := range items {
		for _, catID := range catIDs {
			g.Go(func() error {
				item, err := c.fetchItem(gctx, itemType, catID)
				if err != nil {
					return err
				}
				mu.Lock()
				resolved[catID] = item
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (c *httpClient) fetchItem(ctx context.Context, itemType ItemType, catID string) (ResourceItem, error) {
	u := fmt.Sprintf("%s/item?id=%s&type=%s", c.baseURL, url.QueryEscape(catID), url.QueryEscape(string(itemType)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ResourceItem{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ResourceItem{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ResourceItem{}, fmt.Errorf("item does not exist: %s", catID)
	}
	if resp.StatusCode != http.StatusOK {
		return ResourceItem{}, fmt.Errorf("catalogue lookup for %s: status %d", catID, resp.StatusCode)
	}

	var body itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ResourceItem{}, fmt.Errorf("decoding catalogue item %s: %w", catID, err)
	}

	return ResourceItem{
		ID:               body.ID,
		CatID:            catID,
		ItemType:         itemType,
		OwnerID:          body.OwnerID,
		ResourceServerID: body.ResourceServerID,
		ResourceGroupID:  body.ResourceGroupID,
	}, nil
}

func (c *httpClient) ResolveNames(ctx context.Context, ids []uuid.UUID, itemType ItemType) (map[uuid.UUID]string, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]string{}, nil
	}

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	u := fmt.Sprintf("%s/names?ids=%s&type=%s",
		c.baseURL, url.QueryEscape(strings.Join(parts, ",")), url.QueryEscape(string(itemType)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalogue name lookup: status %d", resp.StatusCode)
	}

	var body map[uuid.UUID]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding catalogue names: %w", err)
	}
	return body, nil
}
