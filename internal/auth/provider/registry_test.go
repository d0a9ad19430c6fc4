package provider

import (
	"context"
	"testing"

	"portal-auth/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) AuthCodeURL(string, string) string { return "https://idp/" + s.name }
func (s stubProvider) ExchangeCode(context.Context, string, string) (*auth.Identity, error) {
	return &auth.Identity{Provider: s.name}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubProvider{"oidc"}, nil, stubProvider{"discord"})

	p, err := r.Get("discord")
	require.NoError(t, err)
	assert.Equal(t, "discord", p.Name())

	_, err = r.Get("google")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	assert.Equal(t, []string{"discord", "oidc"}, r.Names())
}
