package server

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"boxaudit/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(&config.Config{AdminUser: "admin", AdminPassword: "s3cret"}, nil)
	require.NoError(t, err)
	return srv
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid credentials", basic("admin", "s3cret"), fasthttp.StatusOK},
		{"wrong password", basic("admin", "wrong"), fasthttp.StatusUnauthorized},
		{"wrong user", basic("root", "s3cret"), fasthttp.StatusUnauthorized},
		{"no header", "", fasthttp.StatusUnauthorized},
		{"not basic", "Bearer abc", fasthttp.StatusUnauthorized},
		{"garbage base64", "Basic !!!", fasthttp.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := srv.basicAuth(func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(fasthttp.StatusOK)
			})

			var ctx fasthttp.RequestCtx
			if tt.header != "" {
				ctx.Request.Header.Set("Authorization", tt.header)
			}
			handler(&ctx)

			assert.Equal(t, tt.wantStatus, ctx.Response.StatusCode())
			if tt.wantStatus == fasthttp.StatusUnauthorized {
				assert.NotEmpty(t, ctx.Response.Header.Peek("WWW-Authenticate"))
			}
		})
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(&config.Config{AdminUser: "admin"}, nil)
	assert.Error(t, err)
}
