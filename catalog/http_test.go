package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankumardubey/sentry-core/cfg"
)

func TestHTTPSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("after"))
		assert.Equal(t, "10", r.URL.Query().Get("max"))
		json.NewEncoder(w).Encode([]NotificationEvent{
			{ID: 6, EventType: EventCreateTable, Payload: `{"db":"db1","table":"t1"}`},
			{ID: 7, EventType: EventDropTable, Payload: `{"db":"db1","table":"t1"}`},
		})
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL, time.Second)
	require.NoError(t, err)
	defer source.Close()

	events, err := source.Fetch(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(6), events[0].ID)
	assert.Equal(t, int64(7), events[1].ID)

	// Nothing to acknowledge; the watermark is the cursor
	assert.NoError(t, source.Commit(context.Background()))
}

func TestHTTPSourceDropsStaleEvents(t *testing.T) {
	// A misbehaving endpoint returning entries at or below the cursor must
	// not cause replays
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]NotificationEvent{
			{ID: 4, EventType: EventDropTable},
			{ID: 5, EventType: EventDropTable},
			{ID: 6, EventType: EventDropTable},
		})
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL, time.Second)
	require.NoError(t, err)
	defer source.Close()

	events, err := source.Fetch(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].ID)
}

func TestHTTPSourceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL, time.Second)
	require.NoError(t, err)
	defer source.Close()

	_, err = source.Fetch(context.Background(), 0, 10)
	assert.ErrorContains(t, err, "503")
}

func TestNewSourceRegistry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]NotificationEvent{})
	}))
	defer server.Close()

	source, err := NewSource(cfg.CatalogConfiguration{
		Source:           cfg.CatalogHTTP,
		URL:              server.URL,
		RequestTimeoutMS: 1000,
	})
	require.NoError(t, err)
	require.NotNil(t, source)
	source.Close()
}

func TestNewSourceUnknownType(t *testing.T) {
	_, err := NewSource(cfg.CatalogConfiguration{Source: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown catalog source")
}

func TestNewSourceMissingSettings(t *testing.T) {
	_, err := NewSource(cfg.CatalogConfiguration{Source: cfg.CatalogHTTP})
	assert.Error(t, err)

	_, err = NewSource(cfg.CatalogConfiguration{Source: cfg.CatalogKafka})
	assert.Error(t, err)
}
