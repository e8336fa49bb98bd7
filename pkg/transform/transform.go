// Package transform normalizes raw CRM deals into the storage schema and
// injects ETL metadata. Normalize is a pure function: it never errors and
// never drops a record, so schema drift on the source side degrades to null
// typed columns while the raw properties stay intact.
package transform

import (
	"strconv"
	"strings"
	"time"

	"github.com/dealsync/hubspot-etl/pkg/hubspot"
)

// DealRecord is one normalized deal row. Identity is the composite key
// (DealID, TenantID, ScanID): the same source deal re-appears under a new
// ScanID on every re-run and is never overwritten across scans.
type DealRecord struct {
	DealID   string `json:"deal_id"`
	TenantID string `json:"tenant_id"`
	ScanID   string `json:"scan_id"`

	// ETL metadata.
	ExtractedAt time.Time `json:"extracted_at"`

	// Typed deal fields. Pointers are nil when the source omitted the
	// property or it failed to parse.
	DealName    *string  `json:"deal_name"`
	Amount      *float64 `json:"amount"`
	DealStage   *string  `json:"deal_stage"`
	Pipeline    *string  `json:"pipeline"`
	CloseDate   *string  `json:"close_date"`
	Description *string  `json:"description"`
	DealType    *string  `json:"deal_type"`

	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	Archived  bool       `json:"archived"`

	// Properties retains every raw source field verbatim, independent of
	// whether a typed column exists for it.
	Properties map[string]string `json:"properties"`
}

// Normalize converts a raw deal into a DealRecord scoped to the given tenant
// and scan. extractedAt is the wall-clock time the page was fetched.
func Normalize(deal hubspot.Deal, tenantID, scanID string, extractedAt time.Time) DealRecord {
	props := deal.Properties
	if props == nil {
		props = map[string]string{}
	}

	record := DealRecord{
		DealID:      deal.ID,
		TenantID:    tenantID,
		ScanID:      scanID,
		ExtractedAt: extractedAt,
		DealName:    optional(props, "dealname"),
		Amount:      parseAmount(props["amount"]),
		DealStage:   optional(props, "dealstage"),
		Pipeline:    optional(props, "pipeline"),
		CloseDate:   optional(props, "closedate"),
		Description: optional(props, "description"),
		DealType:    optional(props, "dealtype"),
		CreatedAt:   parseMillis(props["createdate"]),
		UpdatedAt:   parseMillis(props["hs_lastmodifieddate"]),
		Archived:    deal.Archived || ParseBool(props["archived"]),
		Properties:  props,
	}

	return record
}

// optional returns a pointer to the property value, or nil when absent.
func optional(props map[string]string, key string) *string {
	val, ok := props[key]
	if !ok || val == "" {
		return nil
	}
	return &val
}

// parseAmount converts a source amount string to a float. Absent or
// unparsable values yield nil, never an error.
func parseAmount(val string) *float64 {
	if val == "" {
		return nil
	}
	amount, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil
	}
	return &amount
}

// parseMillis converts source integer milliseconds-since-epoch to a UTC
// timestamp. Absent or unparsable values yield nil.
func parseMillis(val string) *time.Time {
	if val == "" {
		return nil
	}
	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil
	}
	ts := time.UnixMilli(millis).UTC()
	return &ts
}

// ParseBool converts a source boolean string. Only "true" (case-insensitive)
// is true; "false" and anything else is false.
func ParseBool(val string) bool {
	return strings.EqualFold(val, "true")
}
