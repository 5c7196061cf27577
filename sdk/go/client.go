package eventlinesdk

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

// Client is a minimal Eventline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	DevUserID   string
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

// Event represents the API event model.
type Event struct {
	ID              string  `json:"id"`
	HostID          string  `json:"host_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Location        string  `json:"location,omitempty"`
	Date            string  `json:"date"`
	MaxParticipants int     `json:"max_participants"`
	CurrentCount    int     `json:"current_count"`
	SpotsLeft       int     `json:"spots_left"`
	Price           float64 `json:"price"`
	Status          string  `json:"status"`
}

// Participant is one seat on an event.
type Participant struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	UserID        string  `json:"user_id"`
	PaymentStatus string  `json:"payment_status,omitempty"`
	AmountPaid    float64 `json:"amount_paid"`
	JoinedAt      string  `json:"joined_at"`
}

// PaymentRequired is returned when joining a paid event. Complete the
// charge with the gateway using ClientSecret, then poll participation.
type PaymentRequired struct {
	IntentID     string  `json:"intent_id"`
	Amount       float64 `json:"amount"`
	ClientSecret string  `json:"client_secret,omitempty"`
	RedirectURL  string  `json:"redirect_url,omitempty"`
}

// JoinResult is the outcome of a join request.
type JoinResult struct {
	Status      string           `json:"status"`
	Event       Event            `json:"event"`
	Participant *Participant     `json:"participant,omitempty"`
	Payment     *PaymentRequired `json:"payment,omitempty"`
}

// Participation answers whether the caller holds a seat.
type Participation struct {
	IsParticipant  bool         `json:"is_participant"`
	PaymentPending bool         `json:"payment_pending"`
	RefundDue      bool         `json:"refund_due"`
	Participant    *Participant `json:"participant,omitempty"`
}

// Review is a rating for a completed event.
type Review struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEvent publishes an event hosted by the authenticated user.
func (c *Client) CreateEvent(ctx context.Context, title, date string, maxParticipants int, price float64) (Event, error) {
	body := map[string]any{
		"title":            title,
		"date":             date,
		"max_participants": maxParticipants,
		"price":            price,
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", body, &resp)
	return resp, err
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, c.eventPath(eventID, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListEvents(ctx context.Context, status string) ([]Event, error) {
	endpoint := "v0/events"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// JoinEvent requests a seat. Free events admit immediately; paid events
// return a payment to complete.
func (c *Client) JoinEvent(ctx context.Context, eventID string) (JoinResult, error) {
	var resp JoinResult
	err := c.do(ctx, http.MethodPost, c.eventPath(eventID, "join"), nil, &resp)
	return resp, err
}

func (c *Client) LeaveEvent(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodDelete, c.eventPath(eventID, "leave"), nil, &resp)
	return resp, err
}

func (c *Client) CheckParticipation(ctx context.Context, eventID string) (Participation, error) {
	var resp Participation
	err := c.do(ctx, http.MethodGet, c.eventPath(eventID, "check-participation"), nil, &resp)
	return resp, err
}

func (c *Client) CreateReview(ctx context.Context, eventID string, rating int, comment string) (Review, error) {
	body := map[string]any{"rating": rating}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Review
	err := c.do(ctx, http.MethodPost, c.eventPath(eventID, "reviews"), body, &resp)
	return resp, err
}

// WaitForParticipation polls participation until the seat is granted or
// attempts run out. It never treats exhaustion as failure: settlement
// may simply still be in flight, so the last observed state is returned
// with ok=false and a nil error.
func (c *Client) WaitForParticipation(ctx context.Context, eventID string, interval time.Duration, attempts int) (Participation, bool, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if attempts <= 0 {
		attempts = 12
	}
	var last Participation
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return last, false, ctx.Err()
			case <-time.After(interval):
			}
		}
		st, err := c.CheckParticipation(ctx, eventID)
		if err != nil {
			return last, false, err
		}
		last = st
		if st.IsParticipant {
			return st, true, nil
		}
		if st.RefundDue {
			return st, false, nil
		}
	}
	return last, false, nil
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
	case c.DevUserID != "":
		req.Header.Set("X-User-Id", c.DevUserID)
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

func (c *Client) eventPath(eventID, p string) string {
	endpoint := fmt.Sprintf("v0/events/%s", url.PathEscape(eventID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
