// Package rest fetches market bars from an HTTP JSON API.
package rest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
	"github.com/marketpipe/marketpipe/pkg/source/registry"
)

func init() {
	registry.MustRegister(models.SourceTypeREST, func(cfg *config.SourceConfig) (source.Source, error) {
		return New(cfg)
	})
}

const (
	defaultTimeout = 30 * time.Second
	defaultLimit   = 100
	maxLimit       = 10000
)

// Source queries a REST endpoint for OHLCV bars. Queries take the form
// "symbol:timeframe:limit"; timeframe and limit are optional.
type Source struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// barsResponse is the wire shape of the bars endpoint.
type barsResponse struct {
	Results []struct {
		Timestamp int64   `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
}

// New builds a REST source from its connection settings. Required key:
// base_url. Optional: api_key, timeout (Go duration string).
func New(cfg *config.SourceConfig) (*Source, error) {
	baseURL := cfg.Connection["base_url"]
	if baseURL == "" {
		return nil, errors.New(errors.KindConfig, "rest source requires connection.base_url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid base_url")
	}

	timeout := defaultTimeout
	if raw := cfg.Connection["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "invalid timeout")
		}
		timeout = d
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &Source{
		name:    cfg.Name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.Connection["api_key"],
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger.Get().With(
			zap.String("component", "rest_source"),
			zap.String("source", cfg.Name)),
	}, nil
}

func (s *Source) Name() string            { return s.name }
func (s *Source) Type() models.SourceType { return models.SourceTypeREST }

// Validate checks the query shape without touching the network.
func (s *Source) Validate(ctx context.Context, query string) error {
	_, _, _, err := parseQuery(query)
	return err
}

// FetchRaw issues GET {base_url}/bars/{symbol} and normalizes the
// response into market records.
func (s *Source) FetchRaw(ctx context.Context, query string) ([]models.MarketRecord, error) {
	symbol, timeframe, limit, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/bars/%s", s.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "build request")
	}

	q := req.URL.Query()
	q.Set("timeframe", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	if s.apiKey != "" {
		q.Set("apiKey", s.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.New(errors.KindTransient,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, req.URL.Host))
	}

	var body barsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.KindData, "decode response")
	}

	records := make([]models.MarketRecord, 0, len(body.Results))
	for _, bar := range body.Results {
		rec := models.NewMarketRecord(models.SourceTypeREST, symbol,
			bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		rec.Metadata = map[string]string{"timeframe": timeframe}
		records = append(records, rec)
	}

	s.logger.Debug("bars fetched",
		zap.String("symbol", symbol),
		zap.Int("count", len(records)))
	return records, nil
}

// Close releases idle connections.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// parseQuery splits "symbol:timeframe:limit". Timeframe defaults to 1d
// and limit to 100.
func parseQuery(query string) (symbol, timeframe string, limit int, err error) {
	parts := strings.Split(query, ":")
	if len(parts) > 3 {
		return "", "", 0, errors.New(errors.KindConfig,
			fmt.Sprintf("malformed query %q, want symbol[:timeframe[:limit]]", query))
	}

	symbol = strings.TrimSpace(parts[0])
	if symbol == "" {
		return "", "", 0, errors.New(errors.KindConfig, "query symbol is empty")
	}

	timeframe = "1d"
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		timeframe = strings.TrimSpace(parts[1])
	}

	limit = defaultLimit
	if len(parts) > 2 {
		limit, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || limit <= 0 || limit > maxLimit {
			return "", "", 0, errors.New(errors.KindConfig,
				fmt.Sprintf("invalid limit %q", parts[2]))
		}
	}
	return symbol, timeframe, limit, nil
}
