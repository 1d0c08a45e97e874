package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-agent/internal/apperr"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(url string, opts ...Option) *Client {
	c := NewClient(Config{APIKey: "sk-test", BaseURL: url, Model: "test-model"}, opts...)
	c.sleep = noSleep
	return c
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func TestComplete_SendsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Nil(t, body.ResponseFormat)
		reply(w, "  three titles  ")
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Complete(context.Background(), []Message{System("be brief"), User("titles")})
	require.NoError(t, err)
	assert.Equal(t, "three titles", got)
}

func TestComplete_ServerErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		reply(w, "ok")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.EqualValues(t, 1, calls.Load())

	info := apperr.Describe(err)
	require.NotNil(t, info)
	assert.True(t, info.Retryable)
}

func TestComplete_WithRetryOptIn(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		reply(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, WithRetry(3, time.Millisecond, time.Millisecond))
	got, err := c.Complete(context.Background(), []Message{User("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.EqualValues(t, 1, calls.Load())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.False(t, se.IsRetryable())
}

func TestComplete_EmptyContentIsUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, "   ")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), []Message{User("hi")})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{}).Complete(context.Background(), []Message{User("hi")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestComplete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Complete(context.Background(), []Message{User("hi")})
	assert.True(t, apperr.Is(err, apperr.KindTransport), "err = %v", err)
}

func TestCompleteJSON_RequestsJSONObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "json_object", body.ResponseFormat["type"])
		reply(w, `{"ok":true}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CompleteJSON(context.Background(), []Message{User("ping")})
	require.NoError(t, err)
}

func TestBackoff(t *testing.T) {
	c := NewClient(Config{APIKey: "k"}, WithRetry(5, time.Second, 5*time.Second))
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))
}

func TestDecodeJSON(t *testing.T) {
	tests := map[string]string{
		"plain":  `{"n": 1}`,
		"fenced": "```json\n{\"n\": 1}\n```",
		"prose":  "Here you go: {\"n\": 1} hope that helps",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			var out struct{ N int }
			require.NoError(t, DecodeJSON(in, &out))
			assert.Equal(t, 1, out.N)
		})
	}

	var out struct{ N int }
	assert.Error(t, DecodeJSON("", &out))
	assert.Error(t, DecodeJSON("not json at all", &out))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, "clips: []", StripFence("```yaml\nclips: []\n```"))
	assert.Equal(t, "plain", StripFence("plain"))
}
