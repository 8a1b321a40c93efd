// Package csvfile reads OHLCV bars from CSV files under a configured
// root directory.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
	"github.com/marketpipe/marketpipe/pkg/source/registry"
)

func init() {
	registry.MustRegister(models.SourceTypeCSV, func(cfg *config.SourceConfig) (source.Source, error) {
		return New(cfg)
	})
}

// Source resolves queries as file paths relative to a root directory.
// The first row of each file is a header naming at least timestamp,
// open, high, low, close and volume columns, in any order. A symbol
// column is optional; without one the symbol is the file's base name.
type Source struct {
	name   string
	root   string
	logger *zap.Logger
}

// columns holds header-derived field positions. -1 means absent.
type columns struct {
	timestamp int
	open      int
	high      int
	low       int
	close     int
	volume    int
	symbol    int
}

// New builds a CSV source. Required connection key: root, an existing
// directory.
func New(cfg *config.SourceConfig) (*Source, error) {
	root := cfg.Connection["root"]
	if root == "" {
		return nil, errors.New(errors.KindConfig, "csv source requires connection.root")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "csv root not accessible")
	}
	if !info.IsDir() {
		return nil, errors.New(errors.KindConfig, fmt.Sprintf("csv root %s is not a directory", root))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "resolve csv root")
	}

	return &Source{
		name: cfg.Name,
		root: abs,
		logger: logger.Get().With(
			zap.String("component", "csv_source"),
			zap.String("source", cfg.Name)),
	}, nil
}

func (s *Source) Name() string            { return s.name }
func (s *Source) Type() models.SourceType { return models.SourceTypeCSV }

// Validate rejects queries that escape the root or name a missing
// file. Both are configuration errors, never retried.
func (s *Source) Validate(ctx context.Context, query string) error {
	path, err := s.resolve(query)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, errors.KindConfig, fmt.Sprintf("csv file %s", query))
	}
	return nil
}

// FetchRaw parses the file named by the query into market records.
func (s *Source) FetchRaw(ctx context.Context, query string) ([]models.MarketRecord, error) {
	path, err := s.resolve(query)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, fmt.Sprintf("open %s", query))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // ragged rows are skipped, not fatal
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindData, fmt.Sprintf("parse %s", query))
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.KindData, fmt.Sprintf("%s has no header row", query))
	}

	cols, err := mapColumns(rows[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.KindData, fmt.Sprintf("header of %s", query))
	}

	fallbackSymbol := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	records := make([]models.MarketRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, ok := s.parseRow(row, cols, fallbackSymbol)
		if !ok {
			s.logger.Debug("row skipped",
				zap.String("file", query),
				zap.Int("line", i+2))
			continue
		}
		records = append(records, rec)
	}

	s.logger.Debug("file parsed",
		zap.String("file", query),
		zap.Int("records", len(records)),
		zap.Int("rows", len(rows)-1))
	return records, nil
}

// resolve joins the query onto the root and rejects path escapes.
func (s *Source) resolve(query string) (string, error) {
	if query == "" {
		return "", errors.New(errors.KindConfig, "query is empty")
	}
	if filepath.IsAbs(query) {
		return "", errors.New(errors.KindConfig, fmt.Sprintf("query %q must be relative", query))
	}

	path := filepath.Join(s.root, filepath.FromSlash(query))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New(errors.KindConfig, fmt.Sprintf("query %q escapes the source root", query))
	}
	return path, nil
}

func (s *Source) parseRow(row []string, cols columns, fallbackSymbol string) (models.MarketRecord, bool) {
	need := []int{cols.timestamp, cols.open, cols.high, cols.low, cols.close, cols.volume}
	for _, idx := range need {
		if idx >= len(row) {
			return models.MarketRecord{}, false
		}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(row[cols.timestamp]), 10, 64)
	if err != nil {
		return models.MarketRecord{}, false
	}

	values := make([]float64, 5)
	for i, idx := range []int{cols.open, cols.high, cols.low, cols.close, cols.volume} {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
		if err != nil {
			return models.MarketRecord{}, false
		}
		values[i] = v
	}

	symbol := fallbackSymbol
	if cols.symbol >= 0 && cols.symbol < len(row) && strings.TrimSpace(row[cols.symbol]) != "" {
		symbol = strings.TrimSpace(row[cols.symbol])
	}

	return models.NewMarketRecord(models.SourceTypeCSV, symbol,
		ts, values[0], values[1], values[2], values[3], values[4]), true
}

// mapColumns locates the required fields in the header row,
// case-insensitively.
func mapColumns(header []string) (columns, error) {
	cols := columns{timestamp: -1, open: -1, high: -1, low: -1, close: -1, volume: -1, symbol: -1}
	for i, raw := range header {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "timestamp", "time", "t", "date":
			cols.timestamp = i
		case "open", "o":
			cols.open = i
		case "high", "h":
			cols.high = i
		case "low", "l":
			cols.low = i
		case "close", "c":
			cols.close = i
		case "volume", "vol", "v":
			cols.volume = i
		case "symbol", "ticker":
			cols.symbol = i
		}
	}

	var missing []string
	for _, field := range []struct {
		name string
		idx  int
	}{
		{"timestamp", cols.timestamp},
		{"open", cols.open},
		{"high", cols.high},
		{"low", cols.low},
		{"close", cols.close},
		{"volume", cols.volume},
	} {
		if field.idx < 0 {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return columns{}, errors.New(errors.KindData,
			fmt.Sprintf("missing columns: %s", strings.Join(missing, ", ")))
	}
	return cols, nil
}
