package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "trailing space", header: "Bearer test-key  ", want: "test-key"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "blank key", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := map[string]TokenConfig{
		"dashboard": {Token: "ro-token", Scopes: []string{ScopeWorkersRead, ScopeEventsRead}},
		"ci":        {Token: "ci-token", Scopes: []string{ScopeInvoke, " "}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, HasAnyScope(p, ScopeHistoryRead))

	p, ok = Authenticate("ro-token", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "dashboard", p.Name)
	assert.True(t, HasAnyScope(p, ScopeWorkersRead))
	assert.False(t, HasAnyScope(p, ScopeInvoke))

	p, ok = Authenticate("ci-token", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeInvoke))
	assert.True(t, HasAnyScope(p, ScopeFunctionsRead), "rw implies ro")
	assert.Len(t, p.Scopes, 2)

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty admin key matches nothing")
}

func TestHasAnyScope_NoneRequired(t *testing.T) {
	t.Parallel()
	assert.True(t, HasAnyScope(Principal{}))
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Name: "ci"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ci", p.Name)
}

func TestKnown(t *testing.T) {
	t.Parallel()
	assert.True(t, Known(ScopeInvoke))
	assert.False(t, Known("triggers:rw"))
}
