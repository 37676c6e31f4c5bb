// Package api is the REST client for the portal's chat endpoints. It is the
// durable path: every create and delete the client makes goes through here,
// and every refetch reads the authoritative thread from here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/portalchat/chatsync/internal/chat"
	apperrors "github.com/portalchat/chatsync/internal/errors"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 20 * time.Second

// APIError represents a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat api error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chat api error (%d)", e.Status)
}

// apiErrorPayload covers both error shapes the portal returns.
type apiErrorPayload struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// ThreadDocument is the body of GET and POST on a chat resource.
type ThreadDocument struct {
	ID       string             `json:"id,omitempty"`
	Messages []chat.ChatMessage `json:"messages"`
}

// Client talks to the chat REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

// NewClient constructs a client for serverURL. The "/api" prefix is added
// unless the URL already ends with it. A timeout <= 0 uses DefaultTimeout.
func NewClient(serverURL, token string, timeout time.Duration) (*Client, error) {
	normalized, err := NormalizeBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(normalized, "/api") {
		normalized += "/api"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    normalized,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// NormalizeBaseURL trims the URL and ensures it has an http(s) scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("server url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("server url must include scheme (https://)")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("server url has no host")
	}
	return strings.TrimRight(value, "/"), nil
}

// BaseURL returns the API root, including the /api prefix.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// OnUnauthorized registers fn to run after a 401. The token has already
// been cleared when fn runs.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// ChatPath returns the resource path for a thread, relative to the API root.
func ChatPath(key chat.ThreadKey) string {
	return fmt.Sprintf("/%s-chats/%s/", key.Type, url.PathEscape(key.ID))
}

// FetchThread returns the authoritative message list for key.
func (c *Client) FetchThread(ctx context.Context, key chat.ThreadKey) ([]chat.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var doc ThreadDocument
	if err := c.doJSON(ctx, http.MethodGet, ChatPath(key), nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// CreateMessage appends msg to the thread durably. The server answers with
// the whole updated document; the returned message is the one with msg's id,
// falling back to the newest one by the same author with the same text and
// then to msg itself.
func (c *Client) CreateMessage(ctx context.Context, key chat.ThreadKey, msg chat.ChatMessage) (chat.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return chat.ChatMessage{}, err
	}
	var doc ThreadDocument
	if err := c.doJSON(ctx, http.MethodPost, ChatPath(key), nil, msg, &doc); err != nil {
		return chat.ChatMessage{}, err
	}
	for _, m := range doc.Messages {
		if m.ID == msg.ID {
			return m, nil
		}
	}
	// The server may have assigned its own id. Take the newest message with
	// the same author and text; never another author's message.
	for i := len(doc.Messages) - 1; i >= 0; i-- {
		m := doc.Messages[i]
		if m.AuthorID == msg.AuthorID && m.Text == msg.Text {
			return m, nil
		}
	}
	return msg, nil
}

// DeleteMessage removes one message durably.
func (c *Client) DeleteMessage(ctx context.Context, key chat.ThreadKey, messageID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("messageId", messageID)
	return c.doJSON(ctx, http.MethodDelete, ChatPath(key), query, nil, nil)
}

// Users returns the user directory used for author resolution.
func (c *Client) Users(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := c.doJSON(ctx, http.MethodGet, "/users/", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody any, respBody any) error {
	endpoint := c.buildURL(path, query)

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, respData)}
		if resp.StatusCode == http.StatusUnauthorized {
			c.handleUnauthorized()
			return apperrors.Wrap(apperrors.CodeAuthInvalid, apiErr.Message, apiErr)
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

// errorMessage picks detail, then message, then "HTTP <status>".
func errorMessage(status int, data []byte) string {
	var payload apiErrorPayload
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func (c *Client) handleUnauthorized() {
	c.mu.Lock()
	c.token = ""
	fn := c.onUnauthorized
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) buildURL(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}
