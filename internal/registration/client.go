// Package registration looks up user profile details from the identity
// service. Only the lookup contract belongs to this core.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile is the registered identity of a user.
type Profile struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// Client returns profile details by user id.
type Client interface {
	// GetProfiles resolves details for all given ids. A missing id fails
	// the call; callers only ask for ids they obtained from the store.
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Profile, error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an identity client against the registration service.
func NewHTTPClient(baseURL string) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *httpClient) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Profile, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]Profile{}, nil
	}

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	u := fmt.Sprintf("%s/users?ids=%s", c.baseURL, url.QueryEscape(strings.Join(parts, ",")))

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
		return nil, fmt.Errorf("profile lookup: status %d", resp.StatusCode)
	}

	var body struct {
		Users []Profile `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}

	profiles := make(map[uuid.UUID]Profile, len(body.Users))
	for _, p := range body.Users {
		profiles[p.ID] = p
	}
	for _, id := range ids {
		if _, ok := profiles[id]; !ok {
			return nil, fmt.Errorf("profile lookup: user %s not found", id)
		}
	}
	return profiles, nil
}
