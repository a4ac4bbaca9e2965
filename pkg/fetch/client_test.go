package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/pkg/gate"
)

func newTestClient(maxRetries int) *Client {
	c := New(Config{Timeout: 5 * time.Second, MaxRetries: maxRetries, UserAgent: "wanderer-kills-test/1.0"})
	c.secondBase = time.Millisecond
	c.minuteBase = time.Millisecond
	return c
}

func TestGetJSONSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wanderer-kills-test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Jita","id":30000142}`))
	}))
	defer server.Close()

	var dest struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	}
	client := newTestClient(3)
	err := client.GetJSON(context.Background(), server.URL, &dest)

	require.NoError(t, err)
	assert.Equal(t, "Jita", dest.Name)
	assert.Equal(t, 30000142, dest.ID)
}

func TestGetJSONRetriesServerError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var dest struct {
		OK bool `json:"ok"`
	}
	client := newTestClient(3)
	err := client.GetJSON(context.Background(), server.URL, &dest)

	require.NoError(t, err)
	assert.True(t, dest.OK)
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetJSONExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(2)
	err := client.GetJSON(context.Background(), server.URL, nil)

	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindServerError, fe.Kind)
	assert.Equal(t, 500, fe.StatusCode)
	assert.True(t, fe.Retryable())
	assert.True(t, fe.CountsAgainstCircuit())
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetJSONNotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(3)
	err := client.GetJSON(context.Background(), server.URL, nil)

	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindNotFound, fe.Kind)
	assert.False(t, fe.Retryable())
	assert.False(t, fe.CountsAgainstCircuit())
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetJSONRateLimitedThenRecovers(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(3)
	err := client.GetJSON(context.Background(), server.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetJSONParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated`))
	}))
	defer server.Close()

	var dest map[string]any
	client := newTestClient(0)
	err := client.GetJSON(context.Background(), server.URL, &dest)

	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindParseError, fe.Kind)
	assert.False(t, fe.CountsAgainstCircuit())
}

func TestPostJSONRewindsBodyOnRetry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			SystemID int `json:"system_id"`
		}
		require.NoError(t, decodeBody(r, &payload))
		assert.Equal(t, 30000142, payload.SystemID)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	var dest struct {
		Accepted bool `json:"accepted"`
	}
	client := newTestClient(2)
	err := client.PostJSON(context.Background(), server.URL, map[string]int{"system_id": 30000142}, &dest)

	require.NoError(t, err)
	assert.True(t, dest.Accepted)
	assert.Equal(t, int64(2), calls.Load())
}

func TestErrorLimitHeadersTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ESI-Error-Limit-Remain", "42")
		w.Header().Set("X-ESI-Error-Limit-Reset", "30")
		w.Header().Set("X-ESI-Error-Limit-Window", "60")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(0)
	require.NoError(t, client.GetJSON(context.Background(), server.URL, nil))

	limits := client.ErrorLimits()
	assert.Equal(t, 42, limits.Remain)
	assert.Equal(t, 60, limits.Window)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), limits.Reset, 5*time.Second)
}

func TestGetJSONContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := newTestClient(3)
	err := client.GetJSON(ctx, server.URL, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindNotFound, ClassifyStatus(404))
	assert.Equal(t, KindRateLimited, ClassifyStatus(429))
	assert.Equal(t, KindRateLimited, ClassifyStatus(420))
	assert.Equal(t, KindServerError, ClassifyStatus(500))
	assert.Equal(t, KindServerError, ClassifyStatus(503))
	assert.Equal(t, KindClientError, ClassifyStatus(400))
	assert.Equal(t, KindClientError, ClassifyStatus(403))
}

func TestWrapGateError(t *testing.T) {
	assert.Nil(t, WrapGateError(nil))

	wrapped := WrapGateError(gate.ErrCircuitOpen)
	var fe *Error
	require.ErrorAs(t, wrapped, &fe)
	assert.Equal(t, KindCircuitOpen, fe.Kind)
	assert.ErrorIs(t, wrapped, gate.ErrCircuitOpen)

	wrapped = WrapGateError(gate.ErrQueueFull)
	require.ErrorAs(t, wrapped, &fe)
	assert.Equal(t, KindQueueFull, fe.Kind)

	wrapped = WrapGateError(gate.ErrAcquireTimeout)
	require.ErrorAs(t, wrapped, &fe)
	assert.Equal(t, KindTimeout, fe.Kind)

	classified := NewError(KindNotFound, 404, errors.New("missing"))
	assert.Same(t, classified, WrapGateError(classified).(*Error))
}

func decodeBody(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}
