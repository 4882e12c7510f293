package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/decode"
	"github.com/baeeng/batch-acquisition-engine/internal/geo"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() planner.Request {
	return planner.Request{
		Date: "2024-06-01", Hour: 16,
		BBox:     geo.BoundingBox{West: -112, South: 39, East: -110, North: 41},
		MaxCloud: 0.3, MaxSZA: 70,
	}
}

func TestFetchHasData(t *testing.T) {
	encoded, err := decode.Encode(decode.Sample{Values: map[string][]float64{"no2": {1.0}}})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(encoded)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL)
	res := f.Fetch(context.Background(), testRequest(), "product", "")
	require.Equal(t, HasData, res.Outcome)
	assert.Equal(t, "2024-06-01", res.Sample.Date)
}

func TestFetchEmptyBodyIsNoData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL)
	res := f.Fetch(context.Background(), testRequest(), "product", "")
	assert.Equal(t, NoData, res.Outcome)
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL)
	res := f.Fetch(context.Background(), testRequest(), "product", "")
	assert.Equal(t, Transient, res.Outcome)
}

func TestFetchUnauthorizedIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL)
	res := f.Fetch(context.Background(), testRequest(), "product", "")
	assert.Equal(t, Fatal, res.Outcome)
}

func TestFetchRespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.Fetch(ctx, testRequest(), "product", "")
	assert.Equal(t, Transient, res.Outcome)
}
