// Package apd talks to registered Access Policy Decision services: metadata
// lookups for validation and synchronous invocation when verification falls
// through to an APD-backed policy.
package apd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the registration state of an APD.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusPending  Status = "PENDING"
)

// Detail is the registered metadata of an APD.
type Detail struct {
	ID      uuid.UUID `json:"id"`
	URL     string    `json:"url"`
	OwnerID uuid.UUID `json:"ownerId"`
	Status  Status    `json:"status"`
}

// InvokeRequest is the decision context handed to an APD.
type InvokeRequest struct {
	ApdID             uuid.UUID       `json:"apdId"`
	UserID            uuid.UUID       `json:"userId"`
	ItemID            string          `json:"itemId"`
	ItemType          string          `json:"itemType"`
	ResourceServerURL string          `json:"resSerUrl"`
	UserClass         string          `json:"userClass"`
	OwnerID           uuid.UUID       `json:"ownerId"`
	Constraints       json.RawMessage `json:"constraints,omitempty"`
}

// Decision is the APD's verdict for an invoke call. Allowed decisions carry
// the constraints the token service should embed.
type Decision struct {
	Allowed     bool            `json:"allowed"`
	Detail      string          `json:"detail,omitempty"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
}

// Client queries APD metadata and renders decisions.
type Client interface {
	// GetDetails resolves APDs by external URL and/or internal id. The
	// result is keyed both ways. A missing APD fails the call.
	GetDetails(ctx context.Context, urls []string, ids []uuid.UUID) (map[string]Detail, error)
	// Invoke synchronously asks the APD to decide the given context.
	Invoke(ctx context.Context, req InvokeRequest) (Decision, error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an APD client against the APD registry service.
func NewHTTPClient(baseURL string, timeout time.Duration) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) GetDetails(ctx context.Context, urls []string, ids []uuid.UUID) (map[string]Detail, error) {
	params := url.Values{}
	if len(urls) > 0 {
		params.Set("urls", strings.Join(urls, ","))
	}
	idParts := make([]string, 0, len(ids))
	for _, id := range ids {
		idParts = append(idParts, id.String())
	}
	if len(idParts) > 0 {
		params.Set("ids", strings.Join(idParts, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/apds?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("apd lookup: status %d", resp.StatusCode)
	}

	var body struct {
		Apds []Detail `json:"apds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding apd details: %w", err)
	}

	details := make(map[string]Detail, 2*len(body.Apds))
	for _, d := range body.Apds {
		details[d.URL] = d
		details[d.ID.String()] = d
	}
	for _, u := range urls {
		if _, ok := details[u]; !ok {
			return nil, fmt.Errorf("apd %s not found", u)
		}
	}
	for _, id := range ids {
		if _, ok := details[id.String()]; !ok {
			return nil, fmt.Errorf("apd %s not found", id)
		}
	}
	return details, nil
}

func (c *httpClient) Invoke(ctx context.Context, invReq InvokeRequest) (Decision, error) {
	payload, err := json.Marshal(invReq)
	if err != nil {
		return Decision{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/apds/verify", bytes.NewReader(payload))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return Decision{}, fmt.Errorf("apd invoke: status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("decoding apd decision: %w", err)
	}
	return decision, nil
}
