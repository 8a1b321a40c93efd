// Package models provides the shared data shapes for marketpipe.
// Every source adapter normalizes its raw payload into MarketRecord,
// so downstream consumers never see source-specific formats.
package models

import (
	"fmt"
)

// SourceType identifies the kind of backend a record came from.
type SourceType string

const (
	// SourceTypeREST is the remote REST aggregate-bars source.
	SourceTypeREST SourceType = "rest"
	// SourceTypeCSV is the local delimited-file source.
	SourceTypeCSV SourceType = "csv"
	// SourceTypeSQLite is the embedded relational source.
	SourceTypeSQLite SourceType = "sqlite"
)

// MarketRecord is a single normalized OHLCV observation.
//
// Records are immutable by convention: an adapter's normalization step
// creates them and nothing mutates them afterwards. The caller owns a
// record once it is returned.
type MarketRecord struct {
	// ID is unique per source and natural key, canonically
	// "<source>:<symbol>:<timestamp>".
	ID     string     `json:"id"`
	Symbol string     `json:"symbol"`
	// Timestamp is kept in the source-native epoch unit; the pipeline
	// normalizes shape, not units.
	Timestamp int64      `json:"timestamp"`
	Open      float64    `json:"open"`
	High      float64    `json:"high"`
	Low       float64    `json:"low"`
	Close     float64    `json:"close"`
	Volume    float64    `json:"volume"`
	Source    SourceType `json:"source"`
	// Metadata carries optional free-form annotations (timeframe,
	// originating file, row number).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RecordID returns the canonical record identifier for a source,
// symbol and timestamp.
func RecordID(source SourceType, symbol string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%d", source, symbol, timestamp)
}

// NewMarketRecord builds a record with its canonical ID.
func NewMarketRecord(source SourceType, symbol string, ts int64, o, h, l, c, v float64) MarketRecord {
	return MarketRecord{
		ID:        RecordID(source, symbol, ts),
		Symbol:    symbol,
		Timestamp: ts,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		Source:    source,
	}
}
