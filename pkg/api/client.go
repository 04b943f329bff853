// Package api is the client side of the server's REST surface: identity,
// conversation list, message history and the blocked-user set.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatlink/pkg/auth"
	"chatlink/pkg/log"
	"chatlink/pkg/types"

	"github.com/pkg/errors"
)

// ErrAuthRejected is returned on HTTP 401.
var ErrAuthRejected = auth.ErrRejected

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "api url")
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("api url: unsupported scheme %q", base.Scheme)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Me returns the local user, including the ids it has blocked.
func (c *Client) Me(ctx context.Context) (types.User, error) {
	var u types.User

	err := c.getJSON(ctx, "/api/auth/me", nil, &u)

	return u, err
}

func (c *Client) Conversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation

	if err := c.getJSON(ctx, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}

	return convs, nil
}

// Messages returns the history of a conversation, optionally limited to r.
func (c *Client) Messages(ctx context.Context, conversationID string, r types.DateRange) ([]types.Message, error) {
	q := url.Values{}

	if !r.Start.IsZero() {
		q.Set("start_date", r.Start.UTC().Format(time.RFC3339))
	}

	if !r.End.IsZero() {
		q.Set("end_date", r.End.UTC().Format(time.RFC3339))
	}

	var msgs []types.Message

	if err := c.getJSON(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", q, &msgs); err != nil {
		return nil, err
	}

	return msgs, nil
}

// BlockedUsers returns the ids of the users the local user has blocked.
func (c *Client) BlockedUsers(ctx context.Context) ([]string, error) {
	var users []types.User

	if err := c.getJSON(ctx, "/api/users/blocked", nil, &users); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}

	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	log.Component("api").Debugf("GET %s: %s", path, resp.Status)

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Wrapf(ErrAuthRejected, "GET %s", path)
	}

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("GET %s: status %s", path, resp.Status)
	}

	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(v), "decode %s", path)
}
