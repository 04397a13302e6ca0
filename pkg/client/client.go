// Package client is a Go client for the expunge service: the HTTP control
// surface plus the WebSocket event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/expungio/expunge/pkg/events"
)

// Client talks to an expunge service instance
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new expunge client
func New(baseURL string, options ...Option) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// DeletionStarted is the service's acknowledgement of a new deletion request
type DeletionStarted struct {
	RequestID string `json:"requestId"`
	UserDID   string `json:"userDID"`
	Status    string `json:"status"`
}

// StartDeletion asks the service to erase everything held for a subject.
// The workflow runs asynchronously; watch the subject's event stream for
// progress.
func (c *Client) StartDeletion(ctx context.Context, userDID string) (*DeletionStarted, error) {
	resp, err := c.do(ctx, http.MethodPost, "/deletions", map[string]string{"userDID": userDID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	started := &DeletionStarted{}
	if err := json.NewDecoder(resp.Body).Decode(started); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return started, nil
}

// DeletionStatus is the state of a deletion request as reported by the service
type DeletionStatus struct {
	ID               string          `json:"id"`
	UserDID          string          `json:"user_did"`
	Stage            string          `json:"stage"`
	Progress         int             `json:"progress"`
	CurrentStep      string          `json:"current_step"`
	TotalRecords     int             `json:"total_records"`
	ProcessedRecords int             `json:"processed_records"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// GetDeletion retrieves the current state of a deletion request
func (c *Client) GetDeletion(ctx context.Context, requestID string) (*DeletionStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/deletions/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	status := &DeletionStatus{}
	if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return status, nil
}

// Stats mirrors the service's subscription statistics
type Stats struct {
	TotalSubscriptions  int            `json:"totalSubscriptions"`
	UniqueUsers         int            `json:"uniqueUsers"`
	SubscriptionsByUser map[string]int `json:"subscriptionsByUser"`
}

// GetStats retrieves subscription statistics
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	stats := &Stats{}
	if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return stats, nil
}

// Subscribe opens the event stream and subscribes to a subject's events
func (c *Client) Subscribe(userDID string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/stream"

	conn, _, err := c.websocketDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	req := events.SubscribeRequest{
		Type:      events.TypeSubscription,
		UserDID:   userDID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}

	sub := &Subscription{
		Conn:    conn,
		Events:  make(chan *events.Envelope, 100),
		Done:    make(chan struct{}),
		userDID: userDID,
	}

	go sub.receiveEvents()

	return sub, nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}

// Subscription is a live WebSocket subscription to a subject's events
type Subscription struct {
	Conn    *websocket.Conn
	Events  chan *events.Envelope
	Done    chan struct{}
	userDID string
}

// receiveEvents decodes inbound frames onto the Events channel
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		env := &events.Envelope{}
		if err := json.Unmarshal(message, env); err != nil {
			// Heartbeat frames are not part of the event taxonomy.
			var heartbeat struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(message, &heartbeat); err == nil && heartbeat.Type == "heartbeat" {
				continue
			}
			continue
		}

		select {
		case s.Events <- env:
		default:
			// Slow consumer, drop the event.
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
