package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackctl/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var gotBody []byte
	var gotPath, gotMethod, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "stack-history")
	rec := history.Record{RunID: "r1", Operation: "stop-all", Service: "context", Stage: 1, State: "Stopped", PID: 7, OccurredAt: time.Now().UTC()}
	require.NoError(t, sink.Send(context.Background(), rec))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/stack-history/_doc", gotPath)
	assert.Equal(t, "application/json", gotType)
	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, "context", m["service"])
	assert.Equal(t, "Stopped", m["state"])
	assert.Equal(t, "r1", m["run_id"])
}

func TestOpenSearchSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, "idx").Send(context.Background(), history.Record{Service: "a"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenSearchSink_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Record{Service: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
