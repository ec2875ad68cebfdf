package tado

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string, remaining int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerQuotaLimit, "5000")
		w.Header().Set(headerQuotaRemaining, fmt.Sprintf("%d", remaining))
		w.Header().Set(headerQuotaReset, fmt.Sprintf("%d", time.Now().Add(6*time.Hour).Unix()))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClientParsesQuotaHeaders(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"presence":"HOME"}`, 4321)
	defer srv.Close()

	c := NewClient(srv.URL, 42, StaticToken("tok"), time.Second)
	state, quota, err := c.GetHomeState(context.Background())

	require.NoError(t, err)
	require.NotNil(t, quota)
	assert.Equal(t, "HOME", state.Presence)
	assert.Equal(t, 5000, quota.Limit)
	assert.Equal(t, 4321, quota.Remaining)
	assert.False(t, quota.ResetAt.IsZero())
}

func TestClientKeepsQuotaOnFailure(t *testing.T) {
	srv := newTestServer(t, http.StatusTooManyRequests, `{"error":"quota"}`, 0)
	defer srv.Close()

	c := NewClient(srv.URL, 42, StaticToken("tok"), time.Second)
	quota, err := c.SetPresence(context.Background(), PresenceAway)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	// Quota headers from the failed response are still surfaced.
	require.NotNil(t, quota)
	assert.Equal(t, 0, quota.Remaining)
}

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"auth_expired", http.StatusUnauthorized, ErrAuthExpired},
		{"quota_exhausted", http.StatusTooManyRequests, ErrQuotaExhausted},
		{"conflict", http.StatusConflict, ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, "", 100)
			defer srv.Close()

			c := NewClient(srv.URL, 1, StaticToken("tok"), time.Second)
			_, err := c.Identify(context.Background(), "VA1234567890")

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 1, StaticToken("secret"), time.Second)
	_, _, err := c.GetRooms(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}
