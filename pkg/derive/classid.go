// Package derive turns logical inputs into deterministic ledger identifiers.
//
// Every function here is pure: identical inputs produce identical outputs in
// any process and any version. Changing an output format is a breaking change
// for every class already minted on the ledger.
package derive

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

// DefaultMaxWindowSpan bounds issuance windows.
const DefaultMaxWindowSpan = 10 * 365 * 24 * time.Hour

// isoMillis is the canonical timestamp form (UTC, millisecond precision).
const isoMillis = "2006-01-02T15:04:05.000Z"

// ClassIDLength is the number of hex characters in a class identifier.
const ClassIDLength = 32

// Window is a half-open issuance period [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Validate checks the window against the maximum span.
func (w Window) Validate(maxSpan time.Duration) error {
	if w.Start.IsZero() || w.End.IsZero() {
		return apperr.New(apperr.CodeInvalidInput, "window_start and window_end are required")
	}
	if !w.Start.Before(w.End) {
		return apperr.New(apperr.CodeInvalidInput, "window_start must be before window_end")
	}
	if maxSpan <= 0 {
		maxSpan = DefaultMaxWindowSpan
	}
	if w.End.Sub(w.Start) > maxSpan {
		return apperr.New(apperr.CodeInvalidInput, "window span exceeds maximum of %s", maxSpan)
	}
	return nil
}

// FormatTimestamp renders t in the canonical form used for hashing.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ClassID computes the class identifier for a project and window:
// the high-order 128 bits of SHA-256("projectID|start|end"), lowercase hex.
//
// Collisions between distinct inputs are accepted as astronomically
// improbable and are not detected.
func ClassID(projectID string, window Window, maxSpan time.Duration) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "project_id is required")
	}
	if err := window.Validate(maxSpan); err != nil {
		return "", err
	}
	return classID(projectID, window), nil
}

func classID(projectID string, window Window) string {
	canonical := projectID + "|" + FormatTimestamp(window.Start) + "|" + FormatTimestamp(window.End)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

// ValidClassID reports whether s has the shape of a derived class identifier.
func ValidClassID(s string) bool {
	if len(s) != ClassIDLength {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
