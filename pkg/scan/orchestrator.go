package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dealsync/hubspot-etl/pkg/checkpoint"
	"github.com/dealsync/hubspot-etl/pkg/hubspot"
	"github.com/dealsync/hubspot-etl/pkg/transform"
)

// Prometheus metrics for scan orchestration.
var (
	etlScansStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_scans_started_total",
		Help: "Total extraction scans started",
	})

	etlScansFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_scans_finished_total",
		Help: "Total extraction scans finished by terminal status",
	}, []string{"status"})

	etlPagesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_pages_processed_total",
		Help: "Total pages fetched and written across all scans",
	})

	etlRecordsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_records_processed_total",
		Help: "Total records written across all scans",
	})
)

// PageFetcher fetches one page of deals. Implemented by *hubspot.Client;
// tests substitute fakes so the loop runs without a network.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string, pageSize int, properties []string) (hubspot.Page, error)
}

// RecordWriter persists normalized batches and serves result pages.
// Implemented by *storage.Writer.
type RecordWriter interface {
	Upsert(ctx context.Context, records []transform.DealRecord) (int, error)
	Results(ctx context.Context, scanID string, limit, offset int) ([]transform.DealRecord, error)
}

// CheckpointStore persists incremental progress for resume.
// Implemented by *checkpoint.Store.
type CheckpointStore interface {
	Save(ctx context.Context, cp checkpoint.Checkpoint) error
	Load(ctx context.Context, scanID string) (*checkpoint.Checkpoint, error)
	Delete(ctx context.Context, scanID string) error
}

// Config holds orchestrator defaults.
type Config struct {
	// PageSize per fetch (≤100).
	PageSize int

	// Properties requested from the source; nil uses the client defaults.
	Properties []string

	// CheckpointEvery is the checkpoint granularity in pages.
	CheckpointEvery int

	// DefaultTenant is used when a scan request names no tenant.
	DefaultTenant string
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:        hubspot.MaxPageSize,
		CheckpointEvery: 10,
		DefaultTenant:   "default",
	}
}

// Orchestrator drives extraction scans. Each scan's fetch loop runs as its
// own goroutine; the only mutable state shared across scans is the rate
// limiter inside the fetcher and the registry, both internally synchronized.
type Orchestrator struct {
	fetcher     PageFetcher
	writer      RecordWriter
	checkpoints CheckpointStore
	registry    Registry
	config      Config
	logger      zerolog.Logger

	// now is injectable for tests.
	now func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
}

// NewOrchestrator wires an orchestrator. All collaborators are injected so
// the loop is testable against fakes.
func NewOrchestrator(fetcher PageFetcher, writer RecordWriter, checkpoints CheckpointStore, registry Registry, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.PageSize <= 0 || cfg.PageSize > hubspot.MaxPageSize {
		cfg.PageSize = hubspot.MaxPageSize
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}

	return &Orchestrator{
		fetcher:     fetcher,
		writer:      writer,
		checkpoints: checkpoints,
		registry:    registry,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
		cancels:     make(map[string]context.CancelFunc),
		done:        make(map[string]chan struct{}),
	}
}

// StartScan allocates a running scan and returns its id immediately. The
// fetch loop runs in the background with a context detached from the
// caller's, so an HTTP request ending does not kill the scan.
func (o *Orchestrator) StartScan(ctx context.Context, tenantID string, pageSize int, properties []string) (string, error) {
	if tenantID == "" {
		tenantID = o.config.DefaultTenant
	}
	if pageSize <= 0 || pageSize > hubspot.MaxPageSize {
		pageSize = o.config.PageSize
	}
	if properties == nil {
		properties = o.config.Properties
	}

	scanID := uuid.New().String()
	state := State{
		ScanID:    scanID,
		TenantID:  tenantID,
		Status:    StatusRunning,
		StartedAt: o.now(),
	}
	if err := o.registry.Create(state); err != nil {
		return "", fmt.Errorf("register scan: %w", err)
	}

	o.launch(scanID, tenantID, pageSize, properties, "", Progress{})

	o.logger.Info().
		Str("scan_id", scanID).
		Str("tenant_id", tenantID).
		Int("page_size", pageSize).
		Msg("Scan started")

	return scanID, nil
}

// ResumeScan continues a scan interrupted by process restart from its last
// checkpoint. Returns ErrNotFound when no checkpoint exists; a scan already
// known to this process cannot be resumed.
func (o *Orchestrator) ResumeScan(ctx context.Context, scanID string) error {
	if _, ok := o.registry.Get(scanID); ok {
		return fmt.Errorf("scan %s is already tracked by this process", scanID)
	}

	cp, err := o.checkpoints.Load(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return ErrNotFound
	}

	state := State{
		ScanID:   scanID,
		TenantID: cp.TenantID,
		Status:   StatusRunning,
		Progress: Progress{
			PagesProcessed:   cp.PagesProcessed,
			RecordsProcessed: cp.RecordsProcessed,
		},
		StartedAt: o.now(),
	}
	if err := o.registry.Create(state); err != nil {
		return fmt.Errorf("register scan: %w", err)
	}

	// Resume with the parameters the original run was started with, so the
	// resumed pages carry the same columns as the pages before the interrupt.
	pageSize := cp.PageSize
	if pageSize <= 0 || pageSize > hubspot.MaxPageSize {
		pageSize = o.config.PageSize
	}
	properties := cp.Properties
	if properties == nil {
		properties = o.config.Properties
	}

	o.launch(scanID, cp.TenantID, pageSize, properties, cp.Cursor, state.Progress)

	o.logger.Info().
		Str("scan_id", scanID).
		Str("cursor", cp.Cursor).
		Int("pages_processed", cp.PagesProcessed).
		Msg("Scan resumed from checkpoint")

	return nil
}

// Cancel asks a running scan to stop. The loop observes the signal between
// pages and fails the scan with a cancellation cause.
func (o *Orchestrator) Cancel(scanID string) error {
	state, ok := o.registry.Get(scanID)
	if !ok {
		return ErrNotFound
	}
	if state.Status.Terminal() {
		return fmt.Errorf("scan %s is %s: %w", scanID, state.Status, ErrAlreadyFinished)
	}

	o.mu.Lock()
	cancel, ok := o.cancels[scanID]
	o.mu.Unlock()
	if !ok {
		// The loop reached a terminal state between the snapshot above and
		// this lookup.
		return fmt.Errorf("scan %s is finishing: %w", scanID, ErrAlreadyFinished)
	}

	cancel()
	return nil
}

// GetStatus returns a read-only snapshot of the scan state.
func (o *Orchestrator) GetStatus(scanID string) (State, error) {
	state, ok := o.registry.Get(scanID)
	if !ok {
		return State{}, ErrNotFound
	}
	return state, nil
}

// GetResults returns a page of the scan's records. Results are only served
// once the scan has reached a terminal state: pages written before a failure
// remain queryable.
func (o *Orchestrator) GetResults(ctx context.Context, scanID string, limit, offset int) ([]transform.DealRecord, error) {
	state, ok := o.registry.Get(scanID)
	if !ok {
		return nil, ErrNotFound
	}
	if state.Status == StatusRunning {
		return nil, ErrNotReady
	}
	return o.writer.Results(ctx, scanID, limit, offset)
}

// launch registers lifecycle bookkeeping and spawns the fetch loop.
func (o *Orchestrator) launch(scanID, tenantID string, pageSize int, properties []string, cursor string, progress Progress) {
	runCtx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})

	o.mu.Lock()
	o.cancels[scanID] = cancel
	o.done[scanID] = doneCh
	o.mu.Unlock()

	etlScansStartedTotal.Inc()

	go func() {
		defer close(doneCh)
		defer cancel()
		o.run(runCtx, scanID, tenantID, pageSize, properties, cursor, progress)

		o.mu.Lock()
		delete(o.cancels, scanID)
		delete(o.done, scanID)
		o.mu.Unlock()
	}()
}

// run is the fetch loop: fetch page → normalize → upsert → advance cursor →
// checkpoint every CheckpointEvery pages, until the source reports no
// further cursor or a non-retryable error aborts the scan.
func (o *Orchestrator) run(ctx context.Context, scanID, tenantID string, pageSize int, properties []string, cursor string, progress Progress) {
	logger := o.logger.With().Str("scan_id", scanID).Str("tenant_id", tenantID).Logger()
	pagesSinceCheckpoint := 0

	for {
		// Cancellation is only honored between pages, never mid-page.
		select {
		case <-ctx.Done():
			o.finishFailed(scanID, "scan cancelled", logger)
			return
		default:
		}

		page, err := o.fetcher.FetchPage(ctx, cursor, pageSize, properties)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				o.finishFailed(scanID, "scan cancelled", logger)
				return
			}
			o.finishFailed(scanID, fmt.Sprintf("fetch page %d: %v", progress.PagesProcessed+1, err), logger)
			return
		}

		extractedAt := o.now()
		batch := make([]transform.DealRecord, 0, len(page.Results))
		for _, deal := range page.Results {
			batch = append(batch, transform.Normalize(deal, tenantID, scanID, extractedAt))
		}

		written, err := o.writer.Upsert(ctx, batch)
		if err != nil {
			o.finishFailed(scanID, fmt.Sprintf("write page %d: %v", progress.PagesProcessed+1, err), logger)
			return
		}

		progress.PagesProcessed++
		progress.RecordsProcessed += written
		o.registry.Update(scanID, func(s *State) {
			s.advance(1, written)
		})
		etlPagesProcessedTotal.Inc()
		etlRecordsProcessedTotal.Add(float64(written))

		pagesSinceCheckpoint++
		if pagesSinceCheckpoint >= o.config.CheckpointEvery {
			o.saveCheckpoint(ctx, scanID, tenantID, pageSize, properties, page.NextCursor, progress, logger)
			pagesSinceCheckpoint = 0
		}

		if progress.PagesProcessed%10 == 0 {
			logger.Info().
				Int("pages_processed", progress.PagesProcessed).
				Int("records_processed", progress.RecordsProcessed).
				Msg("Extraction progress")
		}

		if page.NextCursor == "" {
			o.finishCompleted(scanID, progress, logger)
			return
		}
		cursor = page.NextCursor
	}
}

// saveCheckpoint persists progress; a checkpoint failure is logged but does
// not abort the scan, it only widens the window a resume would re-fetch.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, scanID, tenantID string, pageSize int, properties []string, cursor string, progress Progress, logger zerolog.Logger) {
	err := o.checkpoints.Save(ctx, checkpoint.Checkpoint{
		ScanID:           scanID,
		TenantID:         tenantID,
		Cursor:           cursor,
		PageSize:         pageSize,
		Properties:       properties,
		PagesProcessed:   progress.PagesProcessed,
		RecordsProcessed: progress.RecordsProcessed,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to save checkpoint")
	}
}

func (o *Orchestrator) finishCompleted(scanID string, progress Progress, logger zerolog.Logger) {
	now := o.now()
	o.registry.Update(scanID, func(s *State) {
		s.complete(now)
	})
	etlScansFinishedTotal.WithLabelValues(string(StatusCompleted)).Inc()

	// The run is done; its checkpoint has nothing left to resume.
	if err := o.checkpoints.Delete(context.Background(), scanID); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete checkpoint")
	}

	logger.Info().
		Int("pages_processed", progress.PagesProcessed).
		Int("records_processed", progress.RecordsProcessed).
		Msg("Extraction completed")
}

func (o *Orchestrator) finishFailed(scanID, cause string, logger zerolog.Logger) {
	now := o.now()
	o.registry.Update(scanID, func(s *State) {
		s.fail(now, cause)
	})
	etlScansFinishedTotal.WithLabelValues(string(StatusFailed)).Inc()

	// Terminal scans are never resumed, so their checkpoint must not outlive
	// them: a leftover checkpoint would let a restarted process resume a scan
	// the operator cancelled or that failed for good.
	if err := o.checkpoints.Delete(context.Background(), scanID); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete checkpoint")
	}

	// Pages already written stay in storage; idempotent upserts make a
	// fresh scan safe without rollback.
	logger.Error().
		Str("cause", cause).
		Msg("Extraction failed")
}

// doneChan exposes the completion signal for a scan. Used by tests to wait
// for the background loop without polling. A scan whose bookkeeping was
// already pruned is reported as done.
func (o *Orchestrator) doneChan(scanID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.done[scanID]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}
