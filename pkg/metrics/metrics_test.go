package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	// Imported for their promauto registrations: each package registers its
	// etl_* metrics on the default registry at init.
	_ "github.com/dealsync/hubspot-etl/pkg/ratelimit"
	_ "github.com/dealsync/hubspot-etl/pkg/scan"
	_ "github.com/dealsync/hubspot-etl/pkg/storage"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Fatal("Registry should not be nil")
	}
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

// TestDomainMetricsRegistered gathers the default registry and checks the
// service's metric families documented above actually exist. Vector metrics
// only surface once a label combination is observed, so only plain
// counters/gauges/histograms are asserted here.
func TestDomainMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	registered := make(map[string]bool, len(families))
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	for _, name := range []string{
		"etl_rate_limit_waits_total",
		"etl_rate_limit_wait_seconds",
		"etl_rate_limit_window_occupancy",
		"etl_scans_started_total",
		"etl_pages_processed_total",
		"etl_records_processed_total",
		"etl_rows_upserted_total",
		"etl_upsert_duration_seconds",
	} {
		if !registered[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
