package conductor

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a run identifier of the form YYYYMMDD_HHMMSS_xxxxxx
// where the suffix is six hex characters. Run IDs are correlation tokens,
// not credentials; the timestamp prefix keeps them sortable on disk.
func NewRunID() string {
	now := time.Now().UTC()
	return now.Format("20060102_150405") + "_" + uuid.NewString()[:6]
}

// NewSessionID generates a session identifier of the form
// YYYYMMDDhhmmss_xxxxxx used by prediction-market agents to correlate
// search calls within one run.
func NewSessionID() string {
	now := time.Now().UTC()
	return now.Format("20060102150405") + "_" + uuid.NewString()[:6]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// Timestamp returns t formatted as ISO-8601 UTC with second precision,
// the canonical timestamp format of published artifacts.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
