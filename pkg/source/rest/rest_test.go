package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/models"
)

func newTestSource(t *testing.T, baseURL string) *Source {
	t.Helper()
	cfg := config.NewSourceConfig("test-api", models.SourceTypeREST)
	cfg.Connection = map[string]string{
		"base_url": baseURL,
		"api_key":  "secret",
	}
	src, err := New(cfg)
	require.NoError(t, err)
	return src
}

func TestFetchRawDecodesBars(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"t":1700000000,"o":185.2,"h":187.4,"l":184.9,"c":186.1,"v":52000000},
			{"t":1700086400,"o":186.1,"h":188.0,"l":185.5,"c":187.7,"v":48000000}
		]}`))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)
	records, err := src.FetchRaw(context.Background(), "AAPL:1d:2")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "/bars/AAPL", gotPath)
	assert.Contains(t, gotQuery, "timeframe=1d")
	assert.Contains(t, gotQuery, "limit=2")
	assert.Contains(t, gotQuery, "apiKey=secret")

	first := records[0]
	assert.Equal(t, "rest:AAPL:1700000000", first.ID)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, int64(1700000000), first.Timestamp)
	assert.Equal(t, 186.1, first.Close)
	assert.Equal(t, models.SourceTypeREST, first.Source)
	assert.Equal(t, "1d", first.Metadata["timeframe"])
}

func TestFetchRawServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)
	_, err := src.FetchRaw(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
	assert.True(t, errors.IsRetryable(err))
}

func TestFetchRawMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": not json`))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)
	_, err := src.FetchRaw(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindData))
}

func TestValidateQueryForms(t *testing.T) {
	src := newTestSource(t, "http://localhost:0")
	ctx := context.Background()

	assert.NoError(t, src.Validate(ctx, "AAPL"))
	assert.NoError(t, src.Validate(ctx, "AAPL:1h"))
	assert.NoError(t, src.Validate(ctx, "AAPL:1h:500"))

	for _, query := range []string{"", ":1h", "AAPL:1h:0", "AAPL:1h:-5", "AAPL:1h:abc", "A:B:C:D"} {
		err := src.Validate(ctx, query)
		require.Error(t, err, "query %q", query)
		assert.True(t, errors.IsKind(err, errors.KindConfig), "query %q", query)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	cfg := config.NewSourceConfig("bad", models.SourceTypeREST)
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
