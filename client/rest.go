package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sittitep/tradetalk/wire"
)

// RestClient talks to the durability side of the platform. Live frames
// are best-effort; every mutation that must survive goes through here
// first.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	credential CredentialProvider
}

func NewRestClient(baseURL string, credential CredentialProvider, httpClient *http.Client) *RestClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RestClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		credential: credential,
	}
}

type CreateMessageInput struct {
	Content string `json:"content"`
	// TempID is the client send token; the server collapses a socket
	// and a REST create carrying the same token to one message.
	TempID string `json:"temp_id,omitempty"`
}

type EditMessageInput struct {
	Content string `json:"content"`
}

type ReactionInput struct {
	Emoji string `json:"emoji"`
}

func (c *RestClient) CreateMessage(ctx context.Context, roomID string, in CreateMessageInput) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))
	if err := c.do(ctx, http.MethodPost, path, in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches a point-in-time page of messages, oldest first.
// before is optional and excludes messages created at or after it.
func (c *RestClient) History(ctx context.Context, roomID string, limit int, before time.Time) ([]wire.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.Format(time.RFC3339Nano))
	}
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []wire.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *RestClient) UpdateMessage(ctx context.Context, messageID string, in EditMessageInput) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/messages/%s", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodPut, path, in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RestClient) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/api/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *RestClient) PinMessage(ctx context.Context, messageID string) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/messages/%s/pin", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodPost, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RestClient) UnpinMessage(ctx context.Context, messageID string) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/messages/%s/pin", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodDelete, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RestClient) AddReaction(ctx context.Context, messageID, emoji string) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/messages/%s/reactions", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodPost, path, ReactionInput{Emoji: emoji}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RestClient) RemoveReaction(ctx context.Context, messageID, emoji string) (*wire.Message, error) {
	var msg wire.Message
	path := fmt.Sprintf("/api/messages/%s/reactions/%s", url.PathEscape(messageID), url.PathEscape(emoji))
	if err := c.do(ctx, http.MethodDelete, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateReceipt records a read receipt. The server treats duplicate
// (user, message) pairs as idempotent no-ops.
func (c *RestClient) CreateReceipt(ctx context.Context, messageID string) (*wire.ReadReceipt, error) {
	var receipt wire.ReadReceipt
	path := fmt.Sprintf("/api/messages/%s/receipts", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodPost, path, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *RestClient) Notifications(ctx context.Context) ([]wire.Notification, error) {
	var out []wire.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != nil {
		token, err := c.credential.Token()
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		json.NewDecoder(res.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = res.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
	}
	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
