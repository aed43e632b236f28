package stockreqsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal stock requisition HTTP API client bound to one store.
type Client struct {
	BaseURL     string
	StoreID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, storeID string) *Client {
	return &Client{
		BaseURL: baseURL,
		StoreID: storeID,
		Timeout: 10 * time.Second,
	}
}

// Item is one line of a requisition. Quantities are decimal strings.
type Item struct {
	ID            string `json:"id"`
	RequisitionID string `json:"requisition_id"`
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	Unit          string `json:"unit"`
	RequestedQty  string `json:"requested_qty"`
	SeparatedQty  string `json:"separated_qty"`
	DeliveredQty  string `json:"delivered_qty"`
	Status        string `json:"status"`
	Observations  string `json:"observations,omitempty"`
	Version       int64  `json:"version"`
}

// Requisition is a header with its items.
type Requisition struct {
	ID                   string  `json:"id"`
	Number               int64   `json:"number"`
	StoreID              string  `json:"store_id"`
	Sector               string  `json:"sector"`
	RequesterID          string  `json:"requester_id"`
	Status               string  `json:"status"`
	Observations         string  `json:"observations,omitempty"`
	ExpectedDeliveryDate *string `json:"expected_delivery_date,omitempty"`
	Shift                string  `json:"shift,omitempty"`
	CreatedAt            string  `json:"created_at"`
	DeliveredAt          *string `json:"delivered_at,omitempty"`
	ConfirmedAt          *string `json:"confirmed_at,omitempty"`
	CancelledAt          *string `json:"cancelled_at,omitempty"`
	Version              int64   `json:"version"`
	Items                []Item  `json:"items"`
}

// Item returns the line for productID, or nil.
func (r Requisition) Item(productID string) *Item {
	for i := range r.Items {
		if r.Items[i].ProductID == productID {
			return &r.Items[i]
		}
	}
	return nil
}

type NewItem struct {
	ProductID    string `json:"product_id"`
	Quantity     string `json:"quantity"`
	Observations string `json:"observations,omitempty"`
}

type NewRequisition struct {
	Sector               string    `json:"sector"`
	RequesterID          string    `json:"requester_id,omitempty"`
	Observations         string    `json:"observations,omitempty"`
	ExpectedDeliveryDate string    `json:"expected_delivery_date,omitempty"`
	Shift                string    `json:"shift,omitempty"`
	Items                []NewItem `json:"items"`
}

// ListFilter narrows ListRequisitions; zero values are ignored.
type ListFilter struct {
	Status      string
	RequesterID string
	Sector      string
	Limit       int
	Cursor      string
}

type PaginatedRequisitions struct {
	Items      []Requisition `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	StoreID    string `json:"store_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Stats struct {
	StoreID              string         `json:"store_id"`
	Pending              int            `json:"pending"`
	Separated            int            `json:"separated"`
	Delivered            int            `json:"delivered"`
	Cancelled            int            `json:"cancelled"`
	AwaitingConfirmation int            `json:"awaiting_confirmation"`
	Items                map[string]int `json:"items"`
}

type Me struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	StoreID      string   `json:"store_id,omitempty"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "v0/me?store_id="+url.QueryEscape(c.StoreID), nil, &resp)
	return resp, err
}

// CreateRequisition opens a requisition for the caller (or RequesterID).
func (c *Client) CreateRequisition(ctx context.Context, in NewRequisition) (Requisition, error) {
	var resp Requisition
	err := c.do(ctx, http.MethodPost, c.storePath("requisitions"), in, &resp)
	return resp, err
}

func (c *Client) GetRequisition(ctx context.Context, id string) (Requisition, error) {
	var resp Requisition
	err := c.do(ctx, http.MethodGet, c.storePath("requisitions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequisitions returns one page, newest first.
func (c *Client) ListRequisitions(ctx context.Context, f ListFilter) (PaginatedRequisitions, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.RequesterID != "" {
		q.Set("requester_id", f.RequesterID)
	}
	if f.Sector != "" {
		q.Set("sector", f.Sector)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := c.storePath("requisitions")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequisitions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterDelivery delivers every separated item. A zero version skips the check.
func (c *Client) RegisterDelivery(ctx context.Context, id string, version int64) (Requisition, error) {
	return c.requisitionAction(ctx, id, "deliver", map[string]any{"expected_version": version})
}

func (c *Client) ConfirmReceipt(ctx context.Context, id string, version int64) (Requisition, error) {
	return c.requisitionAction(ctx, id, "confirm", map[string]any{"expected_version": version})
}

func (c *Client) CancelRequisition(ctx context.Context, id, reason string, version int64) (Requisition, error) {
	return c.requisitionAction(ctx, id, "cancel", map[string]any{"reason": reason, "expected_version": version})
}

func (c *Client) SeparateItem(ctx context.Context, itemID, quantity, observations string, version int64) (Requisition, error) {
	return c.itemAction(ctx, itemID, "separate", map[string]any{
		"quantity":         quantity,
		"observations":     observations,
		"expected_version": version,
	})
}

func (c *Client) MarkShortage(ctx context.Context, itemID, observations string, version int64) (Requisition, error) {
	return c.itemAction(ctx, itemID, "shortage", map[string]any{"observations": observations, "expected_version": version})
}

func (c *Client) CancelItem(ctx context.Context, itemID, observations string, version int64) (Requisition, error) {
	return c.itemAction(ctx, itemID, "cancel", map[string]any{"observations": observations, "expected_version": version})
}

// AdjustItemQuantity corrects the requested quantity of a separated or delivered item.
func (c *Client) AdjustItemQuantity(ctx context.Context, itemID, newQuantity, justification string, version int64) (Requisition, error) {
	return c.itemAction(ctx, itemID, "adjust", map[string]any{
		"new_quantity":     newQuantity,
		"justification":    justification,
		"expected_version": version,
	})
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, c.storePath("stats"), nil, &resp)
	return resp, err
}

// EventsPage returns the newest events without a cursor, or the events
// after cursor in log order.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.storePath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) requisitionAction(ctx context.Context, id, action string, body any) (Requisition, error) {
	var resp Requisition
	endpoint := c.storePath(fmt.Sprintf("requisitions/%s/%s", url.PathEscape(id), action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) itemAction(ctx context.Context, itemID, action string, body any) (Requisition, error) {
	var resp Requisition
	endpoint := c.storePath(fmt.Sprintf("items/%s/%s", url.PathEscape(itemID), action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) storePath(p string) string {
	store := url.PathEscape(c.StoreID)
	return fmt.Sprintf("v0/stores/%s/%s", store, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
