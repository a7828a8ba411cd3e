package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/routerctl/internal/eventlog"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		gotPath   string
		gotMethod string
		gotType   string
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "routerctl-events")
	defer func() { _ = sink.Close() }()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err := sink.Send(context.Background(), eventlog.Event{
		Timestamp: ts, Event: eventlog.ServiceStart, Service: "router", Result: eventlog.ResultSuccess,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/routerctl-events/_doc", gotPath)
	assert.Equal(t, "application/json", gotType)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &doc))
	assert.Equal(t, "service_start", doc["event"])
	assert.Equal(t, "router", doc["service"])
	assert.Equal(t, "2024-03-01T10:00:00Z", doc["timestamp"])
	assert.NotContains(t, doc, "profile")
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), eventlog.Event{Event: "x", Result: "y"})
	assert.ErrorContains(t, err, "status 400")
}

func TestOpenSearchSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, New(server.URL, "idx").Send(ctx, eventlog.Event{Event: "x", Result: "y"}))
}
