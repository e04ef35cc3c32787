package lotlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Lotline HTTP API client.
type Client struct {
	BaseURL     string
	DeviceKey   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lot represents the API lot model (partial).
type Lot struct {
	ID                    string             `json:"id"`
	ProducerID            string             `json:"producer_id"`
	CropType              string             `json:"crop_type"`
	Quantity              float64            `json:"quantity"`
	Unit                  string             `json:"unit"`
	Location              string             `json:"location"`
	Status                string             `json:"status"`
	TraceabilityCode      string             `json:"traceability_code"`
	HarvestDate           *time.Time         `json:"harvest_date,omitempty"`
	Certifications        []string           `json:"certifications,omitempty"`
	Price                 float64            `json:"price,omitempty"`
	Currency              string             `json:"currency,omitempty"`
	SustainabilityMetrics map[string]float64 `json:"sustainability_metrics,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	Events                []Event            `json:"events,omitempty"`
}

// Event is one entry in a lot's trace history.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Mutation is one item in an offline sync queue.
type Mutation struct {
	Type      string         `json:"type"`
	LotID     string         `json:"lot_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	OfflineID string         `json:"offline_id,omitempty"`
}

// SyncResult is the per-item outcome of a sync batch.
type SyncResult struct {
	Synced []struct {
		Type      string `json:"type"`
		LotID     string `json:"lot_id"`
		OfflineID string `json:"offline_id,omitempty"`
	} `json:"synced"`
	Conflicts []struct {
		Type          string         `json:"type"`
		LotID         string         `json:"lot_id"`
		ServerVersion Lot            `json:"server_version"`
		ClientVersion map[string]any `json:"client_version"`
	} `json:"conflicts"`
	Failed []struct {
		Item   Mutation `json:"item"`
		Errors []string `json:"errors"`
	} `json:"failed"`
}

// QRPayload is the traceability payload encoded into lot QR codes.
type QRPayload struct {
	LotID            string    `json:"lot_id"`
	TraceabilityCode string    `json:"traceability_code"`
	CropType         string    `json:"crop_type"`
	Quantity         string    `json:"quantity"`
	CreatedAt        time.Time `json:"created_at"`
	ProducerID       string    `json:"producer_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

// CreateLot creates a lot from the given fields.
func (c *Client) CreateLot(ctx context.Context, fields map[string]any) (Lot, error) {
	var resp Lot
	err := c.do(ctx, http.MethodPost, "v1/lots", fields, &resp)
	return resp, err
}

// ListLots returns the authenticated producer's lots.
func (c *Client) ListLots(ctx context.Context, includeDeleted bool) ([]Lot, error) {
	endpoint := "v1/lots"
	if includeDeleted {
		endpoint += "?include_deleted=true"
	}
	var resp struct {
		Lots []Lot `json:"lots"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Lots, err
}

// GetLot fetches a lot by id.
func (c *Client) GetLot(ctx context.Context, id string) (Lot, error) {
	var resp Lot
	err := c.do(ctx, http.MethodGet, "v1/lots/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateLot applies a partial update to a lot.
func (c *Client) UpdateLot(ctx context.Context, id string, fields map[string]any) (Lot, error) {
	var resp Lot
	err := c.do(ctx, http.MethodPatch, "v1/lots/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// DeleteLot soft-deletes a lot. Deleting an already-deleted lot is not an error.
func (c *Client) DeleteLot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/lots/"+url.PathEscape(id), nil, nil)
}

// History returns a lot's event history.
func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/lots/%s/history", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AddEvent appends a trace event to a lot.
func (c *Client) AddEvent(ctx context.Context, id, eventType, description string, metadata map[string]any) (Event, error) {
	body := map[string]any{
		"type":        eventType,
		"description": description,
		"metadata":    metadata,
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/lots/%s/events", url.PathEscape(id)), body, &resp)
	return resp, err
}

// QR returns the QR payload for a lot.
func (c *Client) QR(ctx context.Context, id string) (QRPayload, error) {
	var resp QRPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/lots/%s/qr", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Sync replays a queue of offline mutations. The call succeeds even when
// individual items fail; inspect the result for conflicts and failures.
func (c *Client) Sync(ctx context.Context, mutations []Mutation) (SyncResult, error) {
	body := map[string]any{"mutations": mutations}
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "v1/sync", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.DeviceKey != "":
		req.Header.Set("X-Device-Key", c.DeviceKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
