package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"portal-auth/internal/community"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "bot-token", "G1", srv.Client())
}

func TestJoinSendsUserToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/guilds/G1/members/D1", r.URL.Path)
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"access_token":"user-token"}`, string(body))
		w.WriteHeader(http.StatusCreated)
	})
	require.NoError(t, c.Join(context.Background(), "D1", "user-token"))
}

func TestMember(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/G1/members/D1":
			_, _ = w.Write([]byte(`{"user":{"id":"D1"},"roles":["R1","R2"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":10007,"message":"Unknown Member"}`))
		}
	})

	m, err := c.Member(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, "D1", m.ID)
	assert.True(t, m.HasRole("R2"))

	_, err = c.Member(context.Background(), "D2")
	assert.ErrorIs(t, err, community.ErrNotMember)
}

func TestRoleCallsReturnStructuredErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guilds/G1/members/D1/roles/R1", r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":50013,"message":"Missing Permissions"}`))
	})

	err := c.AssignRole(context.Background(), "D1", "R1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, 50013, apiErr.Code)
	assert.Equal(t, "Missing Permissions", apiErr.Message)

	require.NoError(t, c.RemoveRole(context.Background(), "D1", "R1"))
}
