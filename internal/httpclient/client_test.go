package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/collab"
)

func testClient(srvURL string) *Client {
	return New(Config{
		Service:   "test",
		BaseURL:   srvURL,
		Timeout:   time.Second,
		RetryBase: time.Millisecond,
		RateLimit: 1000,
		RateBurst: 100,
		Headers:   map[string]string{"x-api-key": "secret"},
	})
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/leases", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("propertyId"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"L1"}]`)
	}))
	defer srv.Close()

	var out []map[string]string
	err := testClient(srv.URL).GetJSON(context.Background(), "/v1/leases", url.Values{"propertyId": {"p1"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{"id": "L1"}}, out)
}

func TestSendJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["enabled"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(srv.URL).SendJSON(context.Background(), http.MethodPatch, "/devices/d1", map[string]any{"enabled": false}, nil)
	require.NoError(t, err)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	var out struct{ OK bool }
	require.NoError(t, testClient(srv.URL).GetJSON(context.Background(), "/x", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such device", http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient(srv.URL).GetJSON(context.Background(), "/devices/nope", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(srv.URL).GetJSON(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(Config{Service: "gone", BaseURL: addr, MaxRetries: -1, Timeout: time.Second})
	err := c.GetJSON(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, collab.ErrUnreachable))
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 502}, true},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 400}, false},
		{&HTTPError{StatusCode: 404}, false},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 503}), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{collab.ErrUnreachable, true},
		{errors.New("bad json"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), "%v", tc.err)
	}
}
