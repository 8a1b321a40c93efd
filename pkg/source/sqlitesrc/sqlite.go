// Package sqlitesrc serves market bars out of an embedded SQLite
// database, and accepts bulk writes so other sources can be archived
// into it.
package sqlitesrc

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
	"github.com/marketpipe/marketpipe/pkg/source/registry"
)

func init() {
	registry.MustRegister(models.SourceTypeSQLite, func(cfg *config.SourceConfig) (source.Source, error) {
		return New(cfg)
	})
}

const defaultLimit = 100

// Source reads bars from a local SQLite file. Queries take two forms:
// "symbol[:limit]" for the most recent bars, newest first, and
// "symbol:from:to" for an epoch range, oldest first.
type Source struct {
	name   string
	db     *sql.DB
	recent *sql.Stmt
	byTime *sql.Stmt
	logger *zap.Logger
}

// New opens (or creates) the database named by connection.path and
// ensures the schema exists.
func New(cfg *config.SourceConfig) (*Source, error) {
	path := cfg.Connection["path"]
	if path == "" {
		return nil, errors.New(errors.KindConfig, "sqlite source requires connection.path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "open sqlite")
	}

	// WAL mode so readers are not blocked by archival writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindConfig, "set WAL mode")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindConfig, "migrate")
	}

	s := &Source{
		name: cfg.Name,
		db:   db,
		logger: logger.Get().With(
			zap.String("component", "sqlite_source"),
			zap.String("source", cfg.Name)),
	}

	s.recent, err = db.Prepare(`
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM market_bars WHERE symbol = ?
		ORDER BY timestamp DESC LIMIT ?`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindConfig, "prepare recent query")
	}

	s.byTime, err = db.Prepare(`
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM market_bars WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindConfig, "prepare range query")
	}

	s.logger.Info("database opened", zap.String("path", path))
	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS market_bars (
			id        TEXT PRIMARY KEY,
			symbol    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			open      REAL NOT NULL,
			high      REAL NOT NULL,
			low       REAL NOT NULL,
			close     REAL NOT NULL,
			volume    REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_bars_symbol_ts
			ON market_bars (symbol, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) Name() string            { return s.name }
func (s *Source) Type() models.SourceType { return models.SourceTypeSQLite }

// Validate checks the query shape without touching the database.
func (s *Source) Validate(ctx context.Context, query string) error {
	_, err := parseQuery(query)
	return err
}

// FetchRaw runs the prepared statement matching the query form.
func (s *Source) FetchRaw(ctx context.Context, query string) ([]models.MarketRecord, error) {
	q, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if q.ranged {
		rows, err = s.byTime.QueryContext(ctx, q.symbol, q.from, q.to)
	} else {
		rows, err = s.recent.QueryContext(ctx, q.symbol, q.limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "query market_bars")
	}
	defer rows.Close()

	var records []models.MarketRecord
	for rows.Next() {
		var symbol string
		var ts int64
		var o, h, l, c, v float64
		if err := rows.Scan(&symbol, &ts, &o, &h, &l, &c, &v); err != nil {
			return nil, errors.Wrap(err, errors.KindData, "scan row")
		}
		records = append(records, models.NewMarketRecord(models.SourceTypeSQLite, symbol, ts, o, h, l, c, v))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "iterate rows")
	}

	s.logger.Debug("bars read",
		zap.String("symbol", q.symbol),
		zap.Int("count", len(records)))
	return records, nil
}

// BulkInsert writes records in a single transaction. Records carrying
// an ID already present are replaced, so re-archiving is idempotent.
func (s *Source) BulkInsert(ctx context.Context, records []models.MarketRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "begin transaction")
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO market_bars
			(id, symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindTransient, "prepare insert")
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == "" {
			id = models.RecordID(models.SourceTypeSQLite, r.Symbol, r.Timestamp)
		}
		if _, err := stmt.ExecContext(ctx, id, r.Symbol, r.Timestamp,
			r.Open, r.High, r.Low, r.Close, r.Volume); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindTransient, "insert record")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindTransient, "commit")
	}

	s.logger.Debug("records archived", zap.Int("count", len(records)))
	return nil
}

// Close releases the prepared statements and the database handle.
func (s *Source) Close() error {
	if s.recent != nil {
		s.recent.Close()
	}
	if s.byTime != nil {
		s.byTime.Close()
	}
	return s.db.Close()
}

type parsedQuery struct {
	symbol string
	limit  int
	from   int64
	to     int64
	ranged bool
}

// parseQuery accepts "symbol", "symbol:limit" and "symbol:from:to".
func parseQuery(query string) (parsedQuery, error) {
	parts := strings.Split(query, ":")
	if len(parts) > 3 {
		return parsedQuery{}, errors.New(errors.KindConfig,
			fmt.Sprintf("malformed query %q, want symbol[:limit] or symbol:from:to", query))
	}

	q := parsedQuery{symbol: strings.TrimSpace(parts[0]), limit: defaultLimit}
	if q.symbol == "" {
		return parsedQuery{}, errors.New(errors.KindConfig, "query symbol is empty")
	}

	switch len(parts) {
	case 2:
		limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || limit <= 0 {
			return parsedQuery{}, errors.New(errors.KindConfig,
				fmt.Sprintf("invalid limit %q", parts[1]))
		}
		q.limit = limit
	case 3:
		from, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return parsedQuery{}, errors.New(errors.KindConfig,
				fmt.Sprintf("invalid range start %q", parts[1]))
		}
		to, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return parsedQuery{}, errors.New(errors.KindConfig,
				fmt.Sprintf("invalid range end %q", parts[2]))
		}
		if to < from {
			return parsedQuery{}, errors.New(errors.KindConfig,
				fmt.Sprintf("range end %d precedes start %d", to, from))
		}
		q.from, q.to, q.ranged = from, to, true
	}
	return q, nil
}
