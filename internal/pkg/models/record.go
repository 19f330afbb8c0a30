package models

import (
	"time"

	"dupcheck/internal/pkg/fingerprint"
)

// A stored fingerprint. Created once on successful insertion, never mutated.
type Record struct {
	ID          uint64                  `json:"id"`
	Fingerprint fingerprint.Fingerprint `json:"-"`
	InsertedAt  time.Time               `json:"inserted_at"`
}

// Outcome of a single check-and-insert request. Fingerprint echoes the
// checked fingerprint in hex. MatchedID and Distance are only set when
// Duplicate is; AssignedID only when it is not.
type CheckResult struct {
	Duplicate   bool   `json:"duplicate"`
	Fingerprint string `json:"fingerprint"`
	MatchedID   uint64 `json:"matched_id,omitempty"`
	AssignedID  uint64 `json:"assigned_id,omitempty"`
	Distance    *int   `json:"distance,omitempty"`
}

// Observability snapshot of the duplicate-check service.
type Stats struct {
	RecordCount      int       `json:"record_count"`
	Threshold        int       `json:"threshold"`
	FingerprintWidth int       `json:"fingerprint_width"`
	LogBytes         int64     `json:"log_bytes"`
	Compactions      int64     `json:"compactions"`
	LastCompaction   time.Time `json:"last_compaction,omitempty"`
}
