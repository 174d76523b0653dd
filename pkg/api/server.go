package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/operations"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// IdempotencyKeyHeader names the client-chosen deduplication key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// Operations is the registry surface served over HTTP.
type Operations interface {
	FinalizeIssuance(ctx context.Context, req operations.IssueRequest, meta operations.Meta) (*receipts.Receipt, error)
	RetireCredits(ctx context.Context, req operations.RetireRequest, meta operations.Meta) (*receipts.Receipt, error)
	AnchorEvidence(ctx context.Context, req operations.AnchorRequest, meta operations.Meta) (*receipts.Receipt, error)
	GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error)
	ResolveClassID(ctx context.Context, projectID string, start, end time.Time) (string, error)
}

// HealthFunc reports readiness of a dependency.
type HealthFunc func(ctx context.Context) error

// Config wires a Server.
type Config struct {
	Operations Operations
	Validator  *auth.Validator
	Checker    auth.Checker
	Limiter    *RateLimiter
	// Health checks run by GET /health, keyed by dependency name.
	Health map[string]HealthFunc
}

// Server routes HTTP requests to the registry operations.
type Server struct {
	ops     Operations
	checker auth.Checker
	schemas schemaSet
	health  map[string]HealthFunc
	router  chi.Router
	logger  *slog.Logger
}

// NewServer builds the router. A nil Checker uses the default permission
// policy.
func NewServer(cfg Config) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	checker := cfg.Checker
	if checker == nil {
		c, err := auth.NewCELChecker(auth.DefaultPolicy)
		if err != nil {
			return nil, err
		}
		checker = c
	}
	s := &Server{
		ops:     cfg.Operations,
		checker: checker,
		schemas: schemas,
		health:  cfg.Health,
		logger:  slog.Default().With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(s.recoverer)
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Validator))
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}
		r.Post("/v1/issuances", s.handleIssue)
		r.Post("/v1/retirements", s.handleRetire)
		r.Post("/v1/anchors", s.handleAnchor)
		r.Get("/v1/receipts/{id}", s.handleGetReceipt)
		r.Get("/v1/classes/resolve", s.handleResolve)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, apperr.New(apperr.CodeNotFound, "no route for %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, apperr.New(apperr.CodeInvalidInput, "method %s not allowed", r.Method))
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "handler panic", "path", r.URL.Path, "panic", rec)
				WriteError(w, r, apperr.New(apperr.CodeInternal, "an unexpected error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// envelope authorizes the caller and reads the body, returning the
// request metadata for a mutating operation.
func (s *Server) envelope(w http.ResponseWriter, r *http.Request, action string) (operations.Meta, []byte, error) {
	p, err := s.authorize(r, action)
	if err != nil {
		return operations.Meta{}, nil, err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return operations.Meta{}, nil, apperr.New(apperr.CodeInvalidInput, "request body exceeds %d bytes", maxBodyBytes)
		}
		return operations.Meta{}, nil, apperr.New(apperr.CodeInvalidInput, "failed to read request body")
	}

	meta := operations.Meta{
		Org:            p.Org,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Method:         r.Method,
		Path:           r.URL.Path,
	}
	if meta.IdempotencyKey != "" {
		if err := idempotency.ValidateKey(meta.IdempotencyKey); err != nil {
			return operations.Meta{}, nil, err
		}
		if meta.BodyHash, err = canonicalize.BodyHash(body); err != nil {
			return operations.Meta{}, nil, apperr.New(apperr.CodeInvalidInput, "request body is not valid JSON")
		}
	}
	return meta, body, nil
}

func (s *Server) authorize(r *http.Request, action string) (*auth.Principal, error) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return nil, apperr.New(apperr.CodeUnauthenticated, "authentication required")
	}
	if err := s.checker.Check(r.Context(), p, action); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	meta, body, err := s.envelope(w, r, auth.ActionIssue)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req operations.IssueRequest
	if err := s.schemas.decode("issuance.json", body, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	s.respond(w, r, func(ctx context.Context) (*receipts.Receipt, error) {
		return s.ops.FinalizeIssuance(ctx, req, meta)
	})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	meta, body, err := s.envelope(w, r, auth.ActionRetire)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req operations.RetireRequest
	if err := s.schemas.decode("retirement.json", body, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	s.respond(w, r, func(ctx context.Context) (*receipts.Receipt, error) {
		return s.ops.RetireCredits(ctx, req, meta)
	})
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	meta, body, err := s.envelope(w, r, auth.ActionAnchor)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req operations.AnchorRequest
	if err := s.schemas.decode("anchor.json", body, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	s.respond(w, r, func(ctx context.Context) (*receipts.Receipt, error) {
		return s.ops.AnchorEvidence(ctx, req, meta)
	})
}

// respond runs a mutating operation and writes its receipt. A MINED receipt
// is 201; failures carry the receipt id when one was recorded.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, op func(context.Context) (*receipts.Receipt, error)) {
	rcpt, err := op(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/receipts/"+rcpt.ID)
	writeJSON(w, http.StatusCreated, rcpt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	p, err := s.authorize(r, auth.ActionRead)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	rcpt, err := s.ops.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	// Receipts are visible to their own org only.
	if rcpt.Org != p.Org && p.Role != "admin" {
		WriteError(w, r, apperr.New(apperr.CodeNotFound, "receipt %s not found", chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r, auth.ActionResolve); err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339Nano, q.Get("window_start"))
	if err != nil {
		WriteError(w, r, apperr.New(apperr.CodeInvalidInput, "window_start must be an RFC 3339 timestamp"))
		return
	}
	end, err := time.Parse(time.RFC3339Nano, q.Get("window_end"))
	if err != nil {
		WriteError(w, r, apperr.New(apperr.CodeInvalidInput, "window_end must be an RFC 3339 timestamp"))
		return
	}
	projectID := q.Get("project_id")
	classID, err := s.ops.ResolveClassID(r.Context(), projectID, start, end)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"project_id":   projectID,
		"window_start": start.UTC().Format(time.RFC3339Nano),
		"window_end":   end.UTC().Format(time.RFC3339Nano),
		"class_id":     classID,
	})
}
