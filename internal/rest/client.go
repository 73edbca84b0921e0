// Package rest implements the request/response half of the Nexy API:
// chat and user metadata lookups plus the difference endpoints the sync
// engine reconciles against.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultTimeout = 30 * time.Second

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Client is a thin typed wrapper over the Nexy REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client for the given API base URL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat is chat metadata as served by the API.
type Chat struct {
	ID             int64   `json:"id"`
	Type           string  `json:"type"`
	Name           string  `json:"name"`
	AvatarURL      string  `json:"avatar_url"`
	ParticipantIDs []int64 `json:"participant_ids"`
	Muted          bool    `json:"muted"`
}

// User is a user profile as served by the API.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Status      string `json:"status"`
	PublicKey   string `json:"public_key"`
}

// Message is a message record as served by the difference endpoints.
type Message struct {
	ID          string `json:"id"`
	ChatID      int64  `json:"chat_id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Status      string `json:"status"`
	Edited      bool   `json:"edited"`
	IsDeleted   bool   `json:"is_deleted"`
	MediaURL    string `json:"media_url"`
	MediaType   string `json:"media_type"`
	ReplyToID   int64  `json:"reply_to_id"`
	Timestamp   int64  `json:"timestamp"`
	Sender      *User  `json:"sender,omitempty"`
}

// SyncState is the server-side cursor attached to a difference response.
type SyncState struct {
	Pts  int64 `json:"pts"`
	Date int64 `json:"date"`
}

// Difference is the response of GET /sync/difference.
type Difference struct {
	NewMessages     []*Message `json:"new_messages"`
	EditedMessages  []*Message `json:"edited_messages,omitempty"`
	DeletedMessages []string   `json:"deleted_messages,omitempty"`
	State           SyncState  `json:"state"`
}

// ChannelDifference is the response of GET /sync/channel/{id}/difference.
// Final=false means more pages remain at the returned pts.
type ChannelDifference struct {
	Final           bool       `json:"final"`
	NewMessages     []*Message `json:"new_messages"`
	EditedMessages  []*Message `json:"edited_messages,omitempty"`
	DeletedMessages []string   `json:"deleted_messages,omitempty"`
	Pts             int64      `json:"pts"`
}

// GetChatByID fetches chat metadata.
func (c *Client) GetChatByID(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := c.get(ctx, fmt.Sprintf("/chats/%d", chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetUserByID fetches a user profile.
func (c *Client) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	var user User
	if err := c.get(ctx, fmt.Sprintf("/users/%d", userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetDifference fetches the ordered delta of the global event log since pts.
func (c *Client) GetDifference(ctx context.Context, pts int64, limit int) (*Difference, error) {
	var diff Difference
	query := url.Values{
		"pts":   {strconv.FormatInt(pts, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "/sync/difference", query, &diff); err != nil {
		return nil, err
	}
	return &diff, nil
}

// GetChannelDifference fetches one page of a channel's event log since pts.
func (c *Client) GetChannelDifference(ctx context.Context, chatID, pts int64, limit int) (*ChannelDifference, error) {
	var diff ChannelDifference
	query := url.Values{
		"pts":   {strconv.FormatInt(pts, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, fmt.Sprintf("/sync/channel/%d/difference", chatID), query, &diff); err != nil {
		return nil, err
	}
	return &diff, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
