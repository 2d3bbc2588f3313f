// Package gateway implements the standard Transport against the client
// gateway: REST calls for pagination and mutations, a websocket for the
// server-push event stream.
//
// Authentication/session establishment is out of scope; the caller
// supplies an already-issued bearer token. The local user ID is read
// from the token's subject claim without verifying the signature —
// verification is the server's job, the client only needs the claim.
package gateway

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatengine"
	"github.com/opd-ai/chatengine/store"
)

// Client talks to the chat gateway. It implements chatengine.Transport.
type Client struct {
	baseURL string
	token   string
	selfID  string
	http    *http.Client
}

// NewClient creates a gateway client for the given base URL and bearer
// token.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("gateway: malformed token: %w", err)
	}
	selfID, err := parsed.Claims.GetSubject()
	if err != nil || selfID == "" {
		return nil, fmt.Errorf("gateway: token has no subject claim")
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		selfID:  selfID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SelfID returns the local user ID carried by the session token.
func (c *Client) SelfID() string { return c.selfID }

// FetchMessages returns up to limit messages older than before, newest
// first as the server orders them.
func (c *Client) FetchMessages(ctx context.Context, channelID string, before time.Time, limit int) ([]store.Message, error) {
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if !before.IsZero() {
		query.Set("created_at", before.UTC().Format(time.RFC3339Nano))
	}
	path := fmt.Sprintf("/channels/%s/messages?%s", url.PathEscape(channelID), query.Encode())

	var page []wireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	messages := make([]store.Message, len(page))
	for i, wm := range page {
		messages[i] = wm.toMessage()
	}
	return messages, nil
}

// SendMessage creates a message in a channel. The nonce is echoed back
// in the server's NEW_MESSAGE event for reconciliation.
func (c *Client) SendMessage(ctx context.Context, channelID string, content store.Content, nonce string) (store.Message, error) {
	body := wireContent(content)
	body.Nonce = nonce

	var created wireMessage
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return store.Message{}, err
	}
	return created.toMessage(), nil
}

// EditMessage rewrites a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID string, content store.Content) error {
	path := fmt.Sprintf("/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, http.MethodPatch, path, wireContent(content), nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PostTyping emits a typing heartbeat for the local user.
func (c *Client) PostTyping(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s/typing", url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// do performs one JSON request/response round-trip.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"status":   resp.StatusCode,
		}).Error("Gateway request rejected")
		return fmt.Errorf("gateway: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ chatengine.Transport = (*Client)(nil)
