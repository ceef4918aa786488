// Package gigmarketsdk is a small client for the Gigmarket HTTP API.
package gigmarketsdk

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

// Client is a minimal Gigmarket HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Wallet mirrors the API wallet model. Amounts are decimal strings.
type Wallet struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerKind string `json:"owner_kind"`
	Balance   string `json:"balance"`
	Available string `json:"available_balance"`
	Pending   string `json:"pending_balance"`
	Escrow    string `json:"escrow"`
	Currency  string `json:"currency"`
}

type Transaction struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Project represents the API project model (partial).
type Project struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	Budget        string `json:"budget"`
	DurationDays  int    `json:"duration_days"`
	Status        string `json:"status"`
	SelectedBidID string `json:"selected_bid_id,omitempty"`
}

type Bid struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	FreelancerID string `json:"freelancer_id"`
	Amount       string `json:"amount"`
	DeliveryDays int    `json:"delivery_days"`
	Status       string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
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

// CreateWallet creates the caller's wallet.
func (c *Client) CreateWallet(ctx context.Context, currency string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "wallets", map[string]any{"currency": currency}, &resp)
	return resp, err
}

func (c *Client) Wallet(ctx context.Context, userID string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodGet, "wallets/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// AddFunds deposits amount into userID's wallet.
func (c *Client) AddFunds(ctx context.Context, userID, amount string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPatch, "wallets/"+url.PathEscape(userID)+"/add", map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	endpoint := "wallets/" + url.PathEscape(userID) + "/transactions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateProject posts a new project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name, budget string, durationDays int) (Project, error) {
	body := map[string]any{
		"name":          name,
		"budget":        budget,
		"duration_days": durationDays,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// CreateBid places the caller's bid on a project.
func (c *Client) CreateBid(ctx context.Context, projectID, amount string, deliveryDays int) (Bid, error) {
	body := map[string]any{
		"project_id":    projectID,
		"amount":        amount,
		"delivery_days": deliveryDays,
	}
	var resp Bid
	err := c.do(ctx, http.MethodPost, "bids", body, &resp)
	return resp, err
}

// AcceptBid hires the bid's freelancer and funds the project.
func (c *Client) AcceptBid(ctx context.Context, projectID, bidID string) (Project, error) {
	var resp Project
	endpoint := fmt.Sprintf("projects/%s/accept-bid/%s", url.PathEscape(projectID), url.PathEscape(bidID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
