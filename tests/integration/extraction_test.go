//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dealsync/hubspot-etl/internal/testutil"
	"github.com/dealsync/hubspot-etl/pkg/checkpoint"
	"github.com/dealsync/hubspot-etl/pkg/hubspot"
	"github.com/dealsync/hubspot-etl/pkg/ratelimit"
	"github.com/dealsync/hubspot-etl/pkg/scan"
	"github.com/dealsync/hubspot-etl/pkg/storage"
)

// setupRedis starts a Redis container for checkpoint storage.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

// setupPostgres starts a Postgres container and returns a ready storage writer.
func setupPostgres(t *testing.T) *storage.Writer {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "etl",
				"POSTGRES_PASSWORD": "etl",
				"POSTGRES_DB":       "etl",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://etl:etl@%s:%s/etl?sslmode=disable", host, port.Port())
	pool, err := storage.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to Postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	writer := storage.NewWriter(pool, testLogger())
	if err := writer.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}
	return writer
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// stack is the fully-wired extraction pipeline against real containers and a
// mock HubSpot API.
type stack struct {
	mock         *testutil.MockHubSpot
	writer       *storage.Writer
	checkpoints  *checkpoint.Store
	orchestrator *scan.Orchestrator
}

func newStack(t *testing.T, dealCount int) *stack {
	t.Helper()

	redisClient := setupRedis(t)
	writer := setupPostgres(t)

	mock := testutil.NewMockHubSpot(testutil.GenerateDeals(dealCount))
	t.Cleanup(mock.Close)

	limiter := ratelimit.NewLimiter(ratelimit.DefaultLimit, ratelimit.DefaultWindow, testLogger())
	cfg := hubspot.DefaultConfig("pat-integration", limiter)
	cfg.BaseURL = mock.URL()
	cfg.Policy.InitialBackoff = 100 * time.Millisecond
	client, err := hubspot.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	checkpoints := checkpoint.NewStore(redisClient, testLogger())

	orchestrator := scan.NewOrchestrator(client, writer, checkpoints,
		scan.NewMemoryRegistry(), scan.DefaultConfig(), testLogger())

	return &stack{
		mock:         mock,
		writer:       writer,
		checkpoints:  checkpoints,
		orchestrator: orchestrator,
	}
}

// waitForTerminal polls the orchestrator until the scan reaches a terminal
// state.
func waitForTerminal(t *testing.T, o *scan.Orchestrator, scanID string) scan.State {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		state, err := o.GetStatus(scanID)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if state.Status.Terminal() {
			return state
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("scan %s did not reach a terminal state", scanID)
	return scan.State{}
}

// TestEndToEndExtraction runs a full scan through real Redis and Postgres.
func TestEndToEndExtraction(t *testing.T) {
	s := newStack(t, 242)
	ctx := context.Background()

	scanID, err := s.orchestrator.StartScan(ctx, "acme", 100, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	state := waitForTerminal(t, s.orchestrator, scanID)
	if state.Status != scan.StatusCompleted {
		t.Fatalf("Status = %s, want completed (error: %s)", state.Status, state.Error)
	}
	if state.Progress.PagesProcessed != 3 || state.Progress.RecordsProcessed != 242 {
		t.Errorf("Progress = %+v, want {3 242}", state.Progress)
	}

	count, err := s.writer.CountByScan(ctx, scanID)
	if err != nil {
		t.Fatalf("CountByScan() error = %v", err)
	}
	if count != 242 {
		t.Errorf("rows in Postgres = %d, want 242", count)
	}

	// Typed columns survived the round trip.
	results, err := s.orchestrator.GetResults(ctx, scanID, 5, 0)
	if err != nil {
		t.Fatalf("GetResults() error = %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("GetResults() = %d rows, want 5", len(results))
	}
	first := results[0]
	if first.DealName == nil || first.Amount == nil || first.CreatedAt == nil {
		t.Errorf("typed fields missing: %+v", first)
	}
	if first.TenantID != "acme" || first.ScanID != scanID {
		t.Errorf("identity = (%s, %s), want scoped to tenant and scan", first.TenantID, first.ScanID)
	}

	// The finished scan left no checkpoint to resume.
	cp, err := s.checkpoints.Load(ctx, scanID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp != nil {
		t.Errorf("checkpoint after completion = %+v, want deleted", *cp)
	}
}

// TestRerunIsIdempotentPerScan runs two scans over the same source data: each
// owns its rows, and re-upserting within a scan never duplicates.
func TestRerunIsIdempotentPerScan(t *testing.T) {
	s := newStack(t, 50)
	ctx := context.Background()

	first, err := s.orchestrator.StartScan(ctx, "acme", 100, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitForTerminal(t, s.orchestrator, first)

	second, err := s.orchestrator.StartScan(ctx, "acme", 100, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitForTerminal(t, s.orchestrator, second)

	for _, id := range []string{first, second} {
		count, err := s.writer.CountByScan(ctx, id)
		if err != nil {
			t.Fatalf("CountByScan() error = %v", err)
		}
		if count != 50 {
			t.Errorf("scan %s rows = %d, want 50", id, count)
		}
	}
}

// TestResumeAfterRestart simulates a process restart: a checkpoint exists in
// Redis but the scan is unknown to the fresh orchestrator.
func TestResumeAfterRestart(t *testing.T) {
	s := newStack(t, 242)
	ctx := context.Background()

	scanID := "interrupted-scan"
	err := s.checkpoints.Save(ctx, checkpoint.Checkpoint{
		ScanID:           scanID,
		TenantID:         "acme",
		Cursor:           "200",
		PageSize:         100,
		PagesProcessed:   2,
		RecordsProcessed: 200,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := s.orchestrator.ResumeScan(ctx, scanID); err != nil {
		t.Fatalf("ResumeScan() error = %v", err)
	}

	state := waitForTerminal(t, s.orchestrator, scanID)
	if state.Status != scan.StatusCompleted {
		t.Fatalf("Status = %s, want completed (error: %s)", state.Status, state.Error)
	}
	if state.Progress.PagesProcessed != 3 || state.Progress.RecordsProcessed != 242 {
		t.Errorf("Progress = %+v, want {3 242}", state.Progress)
	}

	// Only the checkpointed cursor onward was fetched.
	cursors := s.mock.CursorsSeen()
	if len(cursors) != 1 || cursors[0] != "200" {
		t.Errorf("cursors fetched = %v, want exactly [200]", cursors)
	}

	// Only the final page's records landed in this run.
	count, err := s.writer.CountByScan(ctx, scanID)
	if err != nil {
		t.Fatalf("CountByScan() error = %v", err)
	}
	if count != 42 {
		t.Errorf("rows = %d, want 42 (pages before the checkpoint were written by the previous process)", count)
	}
}

// TestRetryAfterHonored injects a 429 mid-scan and verifies the scan still
// completes after waiting out the Retry-After hint.
func TestRetryAfterHonored(t *testing.T) {
	s := newStack(t, 150)
	ctx := context.Background()

	s.mock.FailRequest(testutil.FailureMode{
		Request:    2,
		StatusCode: 429,
		RetryAfter: 1,
	})

	start := time.Now()
	scanID, err := s.orchestrator.StartScan(ctx, "acme", 100, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	state := waitForTerminal(t, s.orchestrator, scanID)
	if state.Status != scan.StatusCompleted {
		t.Fatalf("Status = %s, want completed (error: %s)", state.Status, state.Error)
	}
	if state.Progress.RecordsProcessed != 150 {
		t.Errorf("RecordsProcessed = %d, want 150", state.Progress.RecordsProcessed)
	}

	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("scan finished in %v, want >= 1s (Retry-After honored)", elapsed)
	}
	// 2 pages + 1 retried request.
	if got := s.mock.RequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

// TestAuthFailureFailsScan injects a 401 on the first page.
func TestAuthFailureFailsScan(t *testing.T) {
	s := newStack(t, 100)
	ctx := context.Background()

	s.mock.FailRequest(testutil.FailureMode{Request: 1, StatusCode: 401})

	scanID, err := s.orchestrator.StartScan(ctx, "acme", 100, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	state := waitForTerminal(t, s.orchestrator, scanID)
	if state.Status != scan.StatusFailed {
		t.Fatalf("Status = %s, want failed", state.Status)
	}
	if state.Error == "" {
		t.Error("Error is empty, want cause")
	}
	if state.Progress.RecordsProcessed != 0 {
		t.Errorf("RecordsProcessed = %d, want 0", state.Progress.RecordsProcessed)
	}

	// No retry on credential rejection.
	if got := s.mock.RequestCount(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	count, err := s.writer.CountByScan(ctx, scanID)
	if err != nil {
		t.Fatalf("CountByScan() error = %v", err)
	}
	if count != 0 {
		t.Errorf("rows = %d, want 0", count)
	}
}
