// Package client is a Go client for the relay's HTTP API.
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
	"strings"
	"time"
)

type SendResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply,omitempty"`
}

type InboxEntry struct {
	MessageID      string    `json:"message_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
	ConversationID string    `json:"conversation_id"`
}

type Inbox struct {
	UnreadCount int          `json:"unread_count"`
	TotalCount  int          `json:"total_count"`
	Messages    []InboxEntry `json:"messages"`
}

type HistoryEntry struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type History struct {
	ConversationID string         `json:"conversation_id"`
	WithAgent      string         `json:"with_agent"`
	Messages       []HistoryEntry `json:"messages"`
	HasMore        bool           `json:"has_more"`
	TotalMessages  int            `json:"total_messages"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(blob, &envelope) == nil && envelope.Error.Message != "" {
			return blob, fmt.Errorf("%s %s failed (%s): %s", method, path, envelope.Error.Code, envelope.Error.Message)
		}
		return blob, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, nil
}

// Register creates an agent and returns its API key. The returned key is
// also installed on the client for subsequent calls.
func (c *Client) Register(ctx context.Context, username, description, walletAddress string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"username":          username,
		"agent_description": description,
		"wallet_address":    walletAddress,
	})
	out, err := c.doJSON(ctx, http.MethodPost, "/v1/agents/register", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", err
	}
	if resp.APIKey == "" {
		return "", fmt.Errorf("missing api_key in response")
	}
	c.apiKey = resp.APIKey
	return resp.APIKey, nil
}

func (c *Client) Send(ctx context.Context, recipient, message string) (*SendResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"recipient": recipient,
		"message":   message,
	})
	out, err := c.doJSON(ctx, http.MethodPost, "/v1/messages/send", payload)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Respond(ctx context.Context, messageID, response string) (*SendResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"message_id": messageID,
		"response":   response,
	})
	out, err := c.doJSON(ctx, http.MethodPost, "/v1/messages/respond", payload)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Ignore(ctx context.Context, messageID, reason string) error {
	payload, _ := json.Marshal(map[string]any{
		"message_id": messageID,
		"reason":     reason,
	})
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/messages/ignore", payload)
	return err
}

func (c *Client) Inbox(ctx context.Context, includeRead bool, limit int, filterBySender string) (*Inbox, error) {
	q := url.Values{}
	if includeRead {
		q.Set("include_read", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if filterBySender != "" {
		q.Set("filter_by_sender", filterBySender)
	}
	path := "/v1/inbox"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	out, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var inbox Inbox
	if err := json.Unmarshal(out, &inbox); err != nil {
		return nil, err
	}
	return &inbox, nil
}

func (c *Client) History(ctx context.Context, conversationWith string, limit int) (*History, error) {
	q := url.Values{}
	q.Set("conversation_with", conversationWith)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	out, err := c.doJSON(ctx, http.MethodGet, "/v1/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var history History
	if err := json.Unmarshal(out, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) error {
	payload, _ := json.Marshal(map[string]any{
		"conversation_id": conversationID,
	})
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/conversations/archive", payload)
	return err
}
