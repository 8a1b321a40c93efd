package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
)

// scriptedSource fails or succeeds per configuration and optionally
// blocks until released, for concurrency tests.
type scriptedSource struct {
	typ      models.SourceType
	fail     bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
}

func (s *scriptedSource) Name() string            { return string(s.typ) + "-src" }
func (s *scriptedSource) Type() models.SourceType { return s.typ }

func (s *scriptedSource) Validate(context.Context, string) error { return nil }

func (s *scriptedSource) FetchRaw(ctx context.Context, query string) ([]models.MarketRecord, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.block != nil {
		<-s.block
	}
	if s.fail {
		return nil, errors.New(errors.KindTransient, "source down")
	}
	return []models.MarketRecord{
		models.NewMarketRecord(s.typ, "AAPL", 1700000000, 1, 2, 0.5, 1.5, 100),
	}, nil
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(config.DefaultPipelineConfig())
	require.NoError(t, err)
	return p
}

func registerScripted(t *testing.T, p *Pipeline, src *scriptedSource) {
	t.Helper()
	cfg := config.NewSourceConfig(src.Name(), src.typ)
	cfg.Retry.MaxRetries = 0
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Cache.Enabled = false
	adapter, err := source.NewAdapter(src, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Register(adapter))
}

func TestIngestUnregisteredType(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.Ingest(context.Background(), models.SourceTypeREST, "AAPL")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestRegisterDuplicateType(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})

	cfg := config.NewSourceConfig("other", models.SourceTypeCSV)
	adapter, err := source.NewAdapter(&scriptedSource{typ: models.SourceTypeCSV}, cfg)
	require.NoError(t, err)
	err = p.Register(adapter)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestIngestAllIsolatesFailures(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeREST, fail: true})
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeSQLite})

	results, failures := p.IngestAll(context.Background(), map[models.SourceType]string{
		models.SourceTypeCSV:    "AAPL.csv",
		models.SourceTypeREST:   "AAPL",
		models.SourceTypeSQLite: "AAPL",
	})

	require.Len(t, results, 3)
	assert.Len(t, results[models.SourceTypeCSV], 1)
	assert.Len(t, results[models.SourceTypeSQLite], 1)
	assert.Empty(t, results[models.SourceTypeREST])

	require.Len(t, failures, 1)
	assert.True(t, errors.IsKind(failures[models.SourceTypeREST], errors.KindTransient))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.SuccessfulIngests)
	assert.Equal(t, int64(1), stats.FailedIngests)
	assert.Equal(t, int64(2), stats.TotalRecords)
}

func TestIngestAllBoundsConcurrency(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.Concurrency = 1
	p, err := New(cfg)
	require.NoError(t, err)

	block := make(chan struct{})
	csvSrc := &scriptedSource{typ: models.SourceTypeCSV, block: block}
	restSrc := &scriptedSource{typ: models.SourceTypeREST, block: block}
	registerScripted(t, p, csvSrc)
	registerScripted(t, p, restSrc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.IngestAll(context.Background(), map[models.SourceType]string{
			models.SourceTypeCSV:  "a",
			models.SourceTypeREST: "b",
		})
	}()

	// Only one fetch may be in flight at a time.
	assert.Eventually(t, func() bool {
		return csvSrc.inFlight.Load()+restSrc.inFlight.Load() == 1
	}, time.Second, time.Millisecond)
	assert.Never(t, func() bool {
		return csvSrc.inFlight.Load()+restSrc.inFlight.Load() > 1
	}, 50*time.Millisecond, time.Millisecond)

	close(block)
	<-done
	assert.LessOrEqual(t, csvSrc.maxSeen.Load(), int32(1))
	assert.LessOrEqual(t, restSrc.maxSeen.Load(), int32(1))
}

func TestIngestAllCountsCancelledWaiters(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.Concurrency = 1
	p, err := New(cfg)
	require.NoError(t, err)

	block := make(chan struct{})
	csvSrc := &scriptedSource{typ: models.SourceTypeCSV, block: block}
	restSrc := &scriptedSource{typ: models.SourceTypeREST, block: block}
	registerScripted(t, p, csvSrc)
	registerScripted(t, p, restSrc)

	var errorEvents atomic.Int32
	p.Subscribe(EventIngestError, func(Event) { errorEvents.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan map[models.SourceType]error, 1)
	go func() {
		_, failures := p.IngestAll(ctx, map[models.SourceType]string{
			models.SourceTypeCSV:  "a",
			models.SourceTypeREST: "b",
		})
		done <- failures
	}()

	// One fetch holds the only slot, the other is parked on the
	// semaphore.
	require.Eventually(t, func() bool {
		return csvSrc.inFlight.Load()+restSrc.inFlight.Load() == 1
	}, time.Second, time.Millisecond)

	cancel()

	// The parked ingest gives up and is counted as a failure, not
	// silently dropped.
	require.Eventually(t, func() bool {
		return p.Stats().FailedIngests == 1
	}, time.Second, time.Millisecond)

	close(block)
	failures := <-done

	require.Len(t, failures, 1)
	for _, err := range failures {
		assert.ErrorIs(t, err, context.Canceled)
	}

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.SuccessfulIngests)
	assert.Equal(t, int64(1), stats.FailedIngests)
	assert.Eventually(t, func() bool {
		return errorEvents.Load() == 1
	}, time.Second, time.Millisecond, "cancelled waiter announces ingest:error")
}

func TestEventsEmittedPerIngest(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeREST, fail: true})

	var mu sync.Mutex
	var got []Event
	record := func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}
	p.Subscribe(EventIngestStart, record)
	p.Subscribe(EventIngestComplete, record)
	p.Subscribe(EventIngestError, record)

	_, err := p.Ingest(context.Background(), models.SourceTypeCSV, "a")
	require.NoError(t, err)
	_, err = p.Ingest(context.Background(), models.SourceTypeREST, "b")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	counts := map[EventType]int{}
	for _, e := range got {
		counts[e.Type]++
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "ingest", e.Stage)
		assert.NotEmpty(t, e.Source)
	}
	assert.Equal(t, 2, counts[EventIngestStart])
	assert.Equal(t, 1, counts[EventIngestComplete])
	assert.Equal(t, 1, counts[EventIngestError])

	for _, e := range got {
		if e.Type == EventIngestComplete {
			assert.True(t, e.Success)
			assert.Equal(t, 1, e.RecordCount)
		}
		if e.Type == EventIngestError {
			assert.False(t, e.Success)
			assert.Contains(t, e.Error, "source down")
		}
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})

	var count atomic.Int32
	sub := p.Subscribe(EventIngestComplete, func(Event) { count.Add(1) })

	_, err := p.Ingest(context.Background(), models.SourceTypeCSV, "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	sub.Cancel()
	sub.Cancel() // idempotent

	_, err = p.Ingest(context.Background(), models.SourceTypeCSV, "b")
	require.NoError(t, err)
	assert.Never(t, func() bool { return count.Load() > 1 }, 50*time.Millisecond, time.Millisecond)
}

func TestPanickingHandlerDoesNotAbortIngest(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})

	p.Subscribe(EventIngestComplete, func(Event) { panic("bad handler") })

	var count atomic.Int32
	p.Subscribe(EventIngestComplete, func(Event) { count.Add(1) })

	records, err := p.Ingest(context.Background(), models.SourceTypeCSV, "a")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHealthyRatio(t *testing.T) {
	p := newTestPipeline(t)
	registerScripted(t, p, &scriptedSource{typ: models.SourceTypeCSV})
	assert.True(t, p.Healthy(), "no traffic counts as healthy")

	failing := &scriptedSource{typ: models.SourceTypeREST, fail: true}
	registerScripted(t, p, failing)

	for i := 0; i < 20; i++ {
		_, err := p.Ingest(context.Background(), models.SourceTypeCSV, "a")
		require.NoError(t, err)
	}
	assert.True(t, p.Healthy())

	for i := 0; i < 3; i++ {
		_, _ = p.Ingest(context.Background(), models.SourceTypeREST, "b")
	}
	// 3 failures over 23 ingests is past the 10% line.
	assert.False(t, p.Healthy())
}

func TestStatsAggregatesCacheCounters(t *testing.T) {
	p := newTestPipeline(t)

	src := &scriptedSource{typ: models.SourceTypeCSV}
	cfg := config.NewSourceConfig(src.Name(), src.typ)
	adapter, err := source.NewAdapter(src, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Register(adapter))

	_, err = p.Ingest(context.Background(), models.SourceTypeCSV, "a")
	require.NoError(t, err)
	_, err = p.Ingest(context.Background(), models.SourceTypeCSV, "a")
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Contains(t, stats.Sources, src.Name())
	assert.Greater(t, stats.AvgProcessingTime, time.Duration(0))
	assert.False(t, stats.LastUpdate.IsZero())
}
