// Package discord implements community.RoleService against the Discord
// bot REST API.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portal-auth/internal/community"
	"portal-auth/internal/httpx"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"

	// Discord JSON error code for an unknown guild member.
	codeUnknownMember = 10007

	retries    = 1
	retryDelay = 250 * time.Millisecond
)

var _ community.RoleService = (*Client)(nil)

// APIError is the structured failure payload returned by Discord.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Client talks to one guild with a bot token.
type Client struct {
	baseURL  string
	botToken string
	guildID  string
	http     *http.Client
}

func NewClient(baseURL, botToken, guildID string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: botToken,
		guildID:  guildID,
		http:     httpClient,
	}
}

// Join adds the user to the guild with their OAuth token (guilds.join).
// An existing member is not an error.
func (c *Client) Join(ctx context.Context, memberID, userToken string) error {
	body, err := json.Marshal(map[string]string{"access_token": userToken})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, c.memberPath(memberID), body)
	return err
}

func (c *Client) Member(ctx context.Context, memberID string) (*community.Member, error) {
	raw, err := c.do(ctx, http.MethodGet, c.memberPath(memberID), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) &&
			(apiErr.Code == codeUnknownMember || apiErr.Status == http.StatusNotFound) {
			return nil, community.ErrNotMember
		}
		return nil, err
	}

	var payload struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode guild member: %w", err)
	}
	id := payload.User.ID
	if id == "" {
		id = memberID
	}
	return &community.Member{ID: id, Roles: payload.Roles}, nil
}

func (c *Client) AssignRole(ctx context.Context, memberID, roleID string) error {
	_, err := c.do(ctx, http.MethodPut, c.rolePath(memberID, roleID), nil)
	return err
}

func (c *Client) RemoveRole(ctx context.Context, memberID, roleID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.rolePath(memberID, roleID), nil)
	return err
}

func (c *Client) memberPath(memberID string) string {
	return fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(c.guildID), url.PathEscape(memberID))
}

func (c *Client) rolePath(memberID, roleID string) string {
	return c.memberPath(memberID) + "/roles/" + url.PathEscape(roleID)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	status, raw, err := httpx.RequestJSON(ctx, c.http, method, c.baseURL+path, body, map[string]string{
		"Authorization": "Bot " + c.botToken,
		"Accept":        "application/json",
	}, retries, retryDelay)
	if err != nil {
		return nil, err
	}
	if status >= 200 && status < 300 {
		return raw, nil
	}

	apiErr := &APIError{Status: status}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return nil, apiErr
}
