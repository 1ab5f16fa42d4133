package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Client
// ============================================================================

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		assert.Equal(t, DefaultBaseURL, c.baseURL)
		assert.Equal(t, "ws://localhost:8085/ws", c.wsURL)
		assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
		assert.NotNil(t, c.logger)
		assert.NotNil(t, c.metrics)
	})

	t.Run("options", func(t *testing.T) {
		c := NewClient("tok",
			WithBaseURL("https://chat.example.com/"),
			WithTimeout(5*time.Second),
		)
		assert.Equal(t, "https://chat.example.com", c.baseURL)
		assert.Equal(t, "wss://chat.example.com/ws", c.wsURL)
		assert.Equal(t, 5*time.Second, c.httpClient.Timeout)

		c = NewClient("tok", WithWebSocketURL("ws://other:9000/socket"))
		assert.Equal(t, "ws://other:9000/socket", c.wsURL)
		assert.Equal(t, "ws://other:9000/socket", c.WebSocketURL())
	})
}

func TestClient_RequestsCarryBearerToken(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeJSON(w, http.StatusOK, []Message{})
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL))
	_, err := c.LatestMessages(context.Background(), 7, 25)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, "/api/conversations/7/messages/latest", got.URL.Path)
	assert.Equal(t, "25", got.URL.Query().Get("limit"))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		peerGone    bool
		wantMessage string
	}{
		{"not found", http.StatusNotFound, `{"message":"Friend not found"}`, true, "Friend not found"},
		{"forbidden", http.StatusForbidden, `{"message":"blocked"}`, true, "blocked"},
		{"plain text not found", http.StatusBadRequest, `user not found`, true, "user not found"},
		{"server error", http.StatusInternalServerError, ``, false, "Internal Server Error"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"AUTH","message":"expired"}`, false, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := NewClient("tok", WithBaseURL(srv.URL))

			_, err := c.ResolveDirect(context.Background(), "peer@example.com")
			require.Error(t, err)
			assert.Equal(t, tt.peerGone, errors.Is(err, ErrPeerUnavailable))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)

			// Fetch errors are surfaced as-is and never as peer errors.
			_, err = c.PagedMessages(context.Background(), 7, 1, 50)
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrPeerUnavailable))
			assert.True(t, errors.As(err, &apiErr))
		})
	}
}

// ============================================================================
// Timestamp
// ============================================================================

func TestTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2026-03-04T05:06:07Z"`, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{`"2026-03-04T07:06:07+02:00"`, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{`"2026-03-04T05:06:07"`, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{`"2026-03-04T05:06:07.5"`, time.Date(2026, 3, 4, 5, 6, 7, 500000000, time.UTC)},
		{`"2026-03-04 05:06:07"`, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{`null`, time.Time{}},
		{`""`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %v", ts.Time)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(`"tomorrow"`), &ts))
		assert.Error(t, json.Unmarshal([]byte(`12`), &ts))
	})

	t.Run("zero marshals to null", func(t *testing.T) {
		b, err := json.Marshal(ReadState{})
		require.NoError(t, err)
		assert.Contains(t, string(b), `"myLastReadAt":null`)
	})
}
