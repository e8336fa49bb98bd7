//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dealsync/hubspot-etl/pkg/transform"
)

// setupPostgres starts a Postgres container and returns a connected writer.
func setupPostgres(t *testing.T) (*Writer, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "etl",
			"POSTGRES_PASSWORD": "etl",
			"POSTGRES_DB":       "deals",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://etl:etl@%s:%s/deals?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to Postgres: %v", err)
	}

	writer := NewWriter(pool, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	if err := writer.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	cleanup := func() {
		pool.Close()
		pgContainer.Terminate(ctx)
	}
	return writer, cleanup
}

func sampleRecord(dealID, scanID string, amount float64) transform.DealRecord {
	name := "Deal " + dealID
	return transform.DealRecord{
		DealID:      dealID,
		TenantID:    "default",
		ScanID:      scanID,
		ExtractedAt: time.Now().UTC().Truncate(time.Microsecond),
		DealName:    &name,
		Amount:      &amount,
		Archived:    false,
		Properties:  map[string]string{"dealname": "Deal " + dealID, "amount": fmt.Sprint(amount)},
	}
}

func TestWriter_Integration_UpsertIdempotence(t *testing.T) {
	writer, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	batch := []transform.DealRecord{
		sampleRecord("1", "scan-a", 100),
		sampleRecord("2", "scan-a", 200),
		sampleRecord("3", "scan-a", 300),
	}

	n, err := writer.Upsert(ctx, batch)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Upsert() = %d, want 3", n)
	}

	// Upserting the same batch again leaves row count and content unchanged.
	if _, err := writer.Upsert(ctx, batch); err != nil {
		t.Fatalf("repeated Upsert() error = %v", err)
	}

	count, err := writer.CountByScan(ctx, "scan-a")
	if err != nil {
		t.Fatalf("CountByScan() error = %v", err)
	}
	if count != 3 {
		t.Errorf("row count after double upsert = %d, want 3", count)
	}

	results, err := writer.Results(ctx, "scan-a", 10, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Results() = %d rows, want 3", len(results))
	}
	if results[0].DealID != "1" || *results[0].Amount != 100 {
		t.Errorf("first row = %+v, want deal 1 with amount 100", results[0])
	}
	if results[0].Properties["dealname"] != "Deal 1" {
		t.Errorf("properties not round-tripped: %v", results[0].Properties)
	}
}

func TestWriter_Integration_ScansDoNotCollide(t *testing.T) {
	writer, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	// Same deal id under two scan ids: composite key keeps both rows.
	if _, err := writer.Upsert(ctx, []transform.DealRecord{sampleRecord("7", "scan-a", 10)}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := writer.Upsert(ctx, []transform.DealRecord{sampleRecord("7", "scan-b", 20)}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	for scan, want := range map[string]float64{"scan-a": 10, "scan-b": 20} {
		rows, err := writer.Results(ctx, scan, 10, 0)
		if err != nil {
			t.Fatalf("Results(%s) error = %v", scan, err)
		}
		if len(rows) != 1 {
			t.Fatalf("Results(%s) = %d rows, want 1", scan, len(rows))
		}
		if *rows[0].Amount != want {
			t.Errorf("Results(%s) amount = %v, want %v", scan, *rows[0].Amount, want)
		}
	}
}

func TestWriter_Integration_ResultsPagination(t *testing.T) {
	writer, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	var batch []transform.DealRecord
	for i := 0; i < 25; i++ {
		batch = append(batch, sampleRecord(fmt.Sprintf("%03d", i), "scan-p", float64(i)))
	}
	if _, err := writer.Upsert(ctx, batch); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	first, err := writer.Results(ctx, "scan-p", 10, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	second, err := writer.Results(ctx, "scan-p", 10, 10)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	last, err := writer.Results(ctx, "scan-p", 10, 20)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}

	if len(first) != 10 || len(second) != 10 || len(last) != 5 {
		t.Errorf("page sizes = %d/%d/%d, want 10/10/5", len(first), len(second), len(last))
	}
	if first[0].DealID != "000" || second[0].DealID != "010" || last[0].DealID != "020" {
		t.Errorf("page boundaries = %s/%s/%s, want 000/010/020",
			first[0].DealID, second[0].DealID, last[0].DealID)
	}
}
