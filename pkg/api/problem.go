// Package api exposes the registry operations over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
)

// ProblemDetail is an RFC 7807 problem document extended with the stable
// error code and, when the failure was recorded, the receipt id.
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code"`
	TraceID   string `json:"trace_id,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

// WriteError renders err as a problem document. Errors outside the taxonomy
// are logged and reported as INTERNAL without their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	status := ae.Code.HTTPStatus()
	if ae.Code == apperr.CodeInternal {
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	}

	problem := &ProblemDetail{
		Type:      "https://registry.dev/errors/" + string(ae.Code),
		Title:     ae.Code.Title(),
		Status:    status,
		Detail:    ae.Message,
		Instance:  r.URL.Path,
		Code:      string(ae.Code),
		TraceID:   auth.GetRequestID(r.Context()),
		ReceiptID: ae.ReceiptID,
	}
	if ae.Code == apperr.CodeRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
