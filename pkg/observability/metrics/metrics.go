package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	recordsCreated      atomic.Int64
	recordsDeduplicated atomic.Int64
	recordsQuarantined  atomic.Int64
	batchesIngested     atomic.Int64
	rawResponsesStored  atomic.Int64

	claimsClaimed   atomic.Int64
	claimsCompleted atomic.Int64
	claimsInFlight  atomic.Int64
	claimsConflict  atomic.Int64

	vendorFetchRetries atomic.Int64

	validationMu       sync.Mutex
	validationFailures = make(map[string]int64)
)

func IncRecordCreated()      { recordsCreated.Add(1) }
func IncRecordDeduplicated() { recordsDeduplicated.Add(1) }
func IncRecordQuarantined()  { recordsQuarantined.Add(1) }
func IncBatchIngested()      { batchesIngested.Add(1) }
func IncRawResponseStored()  { rawResponsesStored.Add(1) }
func IncVendorFetchRetry()   { vendorFetchRetries.Add(1) }

func IncValidationFailure(reason string) {
	validationMu.Lock()
	validationFailures[reason]++
	validationMu.Unlock()
}

func IncClaimOutcome(status string) {
	switch status {
	case "claimed":
		claimsClaimed.Add(1)
	case "completed":
		claimsCompleted.Add(1)
	case "in_flight":
		claimsInFlight.Add(1)
	case "conflict":
		claimsConflict.Add(1)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP noctua_ingest_records_total Records processed by the ingestion pipeline, by outcome.\n")
	fmt.Fprintf(w, "# TYPE noctua_ingest_records_total counter\n")
	fmt.Fprintf(w, "noctua_ingest_records_total{status=\"created\"} %d\n", recordsCreated.Load())
	fmt.Fprintf(w, "noctua_ingest_records_total{status=\"deduplicated\"} %d\n", recordsDeduplicated.Load())
	fmt.Fprintf(w, "noctua_ingest_records_total{status=\"quarantined\"} %d\n", recordsQuarantined.Load())

	fmt.Fprintf(w, "# HELP noctua_ingest_batches_total Ingest batches run end to end.\n")
	fmt.Fprintf(w, "# TYPE noctua_ingest_batches_total counter\n")
	fmt.Fprintf(w, "noctua_ingest_batches_total %d\n", batchesIngested.Load())

	fmt.Fprintf(w, "# HELP noctua_raw_responses_stored_total Raw vendor responses archived to the bronze layer.\n")
	fmt.Fprintf(w, "# TYPE noctua_raw_responses_stored_total counter\n")
	fmt.Fprintf(w, "noctua_raw_responses_stored_total %d\n", rawResponsesStored.Load())

	fmt.Fprintf(w, "# HELP noctua_idempotency_claims_total Idempotency claim outcomes.\n")
	fmt.Fprintf(w, "# TYPE noctua_idempotency_claims_total counter\n")
	fmt.Fprintf(w, "noctua_idempotency_claims_total{status=\"claimed\"} %d\n", claimsClaimed.Load())
	fmt.Fprintf(w, "noctua_idempotency_claims_total{status=\"completed\"} %d\n", claimsCompleted.Load())
	fmt.Fprintf(w, "noctua_idempotency_claims_total{status=\"in_flight\"} %d\n", claimsInFlight.Load())
	fmt.Fprintf(w, "noctua_idempotency_claims_total{status=\"conflict\"} %d\n", claimsConflict.Load())

	fmt.Fprintf(w, "# HELP noctua_vendor_fetch_retries_total Transient vendor fetch attempts that were retried.\n")
	fmt.Fprintf(w, "# TYPE noctua_vendor_fetch_retries_total counter\n")
	fmt.Fprintf(w, "noctua_vendor_fetch_retries_total %d\n", vendorFetchRetries.Load())

	validationMu.Lock()
	reasons := make([]string, 0, len(validationFailures))
	for reason := range validationFailures {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "# HELP noctua_validation_failures_total Validation rule violations, by reason code.\n")
	fmt.Fprintf(w, "# TYPE noctua_validation_failures_total counter\n")
	for _, reason := range reasons {
		fmt.Fprintf(w, "noctua_validation_failures_total{reason=%q} %d\n", reason, validationFailures[reason])
	}
	validationMu.Unlock()
}
