package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/internal/pipeline"
	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source/registry"

	// Import all available sources to register them
	_ "github.com/marketpipe/marketpipe/pkg/source/csvfile"
	_ "github.com/marketpipe/marketpipe/pkg/source/rest"
	_ "github.com/marketpipe/marketpipe/pkg/source/sqlitesrc"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "marketpipe",
		Short: "Marketpipe - unified market data ingestion pipeline",
		Long: `Marketpipe ingests OHLCV market data from heterogeneous sources
(REST APIs, CSV files, embedded SQLite archives) behind one resilient
fetch pipeline with caching, retries and circuit breaking.`,
	}

	root.AddCommand(versionCmd(), sourcesCmd(), ingestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Marketpipe v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List available source types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available source types:")
			for _, typ := range registry.Types() {
				fmt.Printf("  - %s\n", typ)
			}
		},
	}
}

func ingestCmd() *cobra.Command {
	var configFile string
	var sourceType string
	var query string
	var timeout time.Duration
	var showStats bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run an ingest against the configured sources",
		Long: `Ingest runs a query against one source type, or the same symbol
against every enabled source when --type is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}

			if err := logger.Init(logger.Config{Level: file.Pipeline.LogLevel, Encoding: "json"}); err != nil {
				return err
			}
			log := logger.Get()
			defer func() { _ = log.Sync() }()

			p, err := buildPipeline(file)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sub := p.Subscribe(pipeline.EventIngestComplete, func(e pipeline.Event) {
				log.Info("ingest complete",
					zap.String("source", e.Source),
					zap.Int("records", e.RecordCount),
					zap.Duration("duration", e.Duration))
			})
			defer sub.Cancel()

			if sourceType != "" {
				records, err := p.Ingest(ctx, models.SourceType(sourceType), query)
				if err != nil {
					return err
				}
				if err := printJSON(records); err != nil {
					return err
				}
			} else {
				queries := make(map[models.SourceType]string)
				for _, a := range p.Adapters() {
					queries[a.Type()] = query
				}
				results, failures := p.IngestAll(ctx, queries)
				for typ, err := range failures {
					log.Warn("source failed",
						zap.String("type", string(typ)),
						zap.Error(err))
				}
				if err := printJSON(results); err != nil {
					return err
				}
			}

			if showStats {
				if err := printJSON(p.Stats()); err != nil {
					return err
				}
			}
			if !p.Healthy() {
				return fmt.Errorf("pipeline unhealthy: failure ratio at or above 10%%")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "marketpipe.yaml", "configuration file")
	cmd.Flags().StringVarP(&sourceType, "type", "t", "", "source type (rest, csv, sqlite); all when empty")
	cmd.Flags().StringVarP(&query, "query", "q", "", "source query (e.g. AAPL:1d:100)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall ingest timeout")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print pipeline stats after the ingest")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// buildPipeline instantiates every enabled source from the config file
// and registers it.
func buildPipeline(file *config.File) (*pipeline.Pipeline, error) {
	p, err := pipeline.New(file.Pipeline)
	if err != nil {
		return nil, err
	}

	for i := range file.Sources {
		cfg := &file.Sources[i]
		if !cfg.Enabled {
			continue
		}
		adapter, err := registry.Create(cfg)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		if err := p.Register(adapter); err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
	}
	return p, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
