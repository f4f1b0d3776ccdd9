// Package backend wraps the chat REST API the client core consumes:
// history pages, read marks, group membership, gap resync and the
// blacklist. It owns nothing; the server is authoritative.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqui-im/loqui/internal/transcript"
	"github.com/loqui-im/loqui/internal/wire"
	"go.uber.org/zap"
)

// Member is a group member as reported by the membership endpoint.
type Member struct {
	UserID int64 `json:"userId"`
	Role   int   `json:"role"`
	Mute   bool  `json:"mute"`
}

// Group roles.
const (
	RoleOwner  = 1
	RoleAdmin  = 2
	RoleMember = 3
)

// CanAtAll reports whether the member may mention @all.
func (m Member) CanAtAll() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Gone reports whether the conversation behind the request no longer
// exists or is forbidden; the controller evicts it on these.
func (e *StatusError) Gone() bool {
	return e.Code == http.StatusBadRequest ||
		e.Code == http.StatusForbidden ||
		e.Code == http.StatusNotFound
}

// Client is the REST collaborator.
type Client struct {
	base   string
	token  string
	httpc  *http.Client
	logger *zap.Logger
}

// NewClient creates a backend client for the given API base URL. The
// token is sent as a bearer credential on every request.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		token:  token,
		httpc:  &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type messageList struct {
	List []wire.MessagePayload `json:"list"`
}

// History fetches a direct-conversation history page.
func (c *Client) History(ctx context.Context, peerID int64, limit int, cursor string) ([]transcript.Message, error) {
	q := url.Values{}
	q.Set("peerId", strconv.FormatInt(peerID, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out messageList
	if err := c.get(ctx, "/history", q, &out); err != nil {
		return nil, err
	}
	return toMessages(out.List), nil
}

// GroupHistory fetches a group-conversation history page.
func (c *Client) GroupHistory(ctx context.Context, groupID int64, limit int, cursor string) ([]transcript.Message, error) {
	q := url.Values{}
	q.Set("groupId", strconv.FormatInt(groupID, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out messageList
	if err := c.get(ctx, "/group/history", q, &out); err != nil {
		return nil, err
	}
	return toMessages(out.List), nil
}

// SyncGroupMessages re-pulls group messages from a sequence baseline;
// the gap-detection resync path.
func (c *Client) SyncGroupMessages(ctx context.Context, groupID, fromSeq int64, limit int) ([]transcript.Message, error) {
	q := url.Values{}
	q.Set("groupId", strconv.FormatInt(groupID, 10))
	q.Set("fromSeq", strconv.FormatInt(fromSeq, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out messageList
	if err := c.get(ctx, "/group/messages/sync", q, &out); err != nil {
		return nil, err
	}
	return toMessages(out.List), nil
}

// MarkRead marks a conversation read on the server.
func (c *Client) MarkRead(ctx context.Context, key transcript.ConversationKey) error {
	body := map[string]any{}
	if key.Kind == transcript.Group {
		body["groupId"] = key.ID
	} else {
		body["peerId"] = key.ID
	}
	return c.post(ctx, "/read", body, nil)
}

// GroupMembers fetches the membership list with roles and mute flags.
func (c *Client) GroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	q := url.Values{}
	q.Set("groupId", strconv.FormatInt(groupID, 10))
	var out struct {
		List []Member `json:"list"`
	}
	if err := c.get(ctx, "/group/members", q, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// Blacklist fetches the ids of senders the local user has blocked.
func (c *Client) Blacklist(ctx context.Context) ([]int64, error) {
	var out struct {
		List []int64 `json:"list"`
	}
	if err := c.get(ctx, "/blacklist", nil, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", bearer(c.token))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func bearer(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

func toMessages(list []wire.MessagePayload) []transcript.Message {
	msgs := make([]transcript.Message, 0, len(list))
	for i := range list {
		msgs = append(msgs, list[i].ToMessage())
	}
	return msgs
}
