// Package idempotency admits mutating requests exactly once per key.
//
// A key is bound to the first (method, path, body hash, org) it is seen with.
// Admission is a single insert-or-conflict against the store, so two
// concurrent first requests can never both be admitted.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

// MaxKeyLength bounds the Idempotency-Key header.
const MaxKeyLength = 255

// DefaultLeaseTTL is how long an unbound record blocks its key.
const DefaultLeaseTTL = 5 * time.Minute

var ErrNotFound = errors.New("idempotency record not found")

// Request identifies one mutating call.
type Request struct {
	Key      string
	Method   string
	Path     string
	BodyHash string
	Org      string
}

// Record is the stored binding of a key.
type Record struct {
	Key       string
	Method    string
	Path      string
	BodyHash  string
	Org       string
	ReceiptID string
	CreatedAt time.Time
}

func (r *Record) matches(req Request) bool {
	return r.Method == req.Method && r.Path == req.Path && r.BodyHash == req.BodyHash && r.Org == req.Org
}

// Result is the admission verdict.
type Result int

const (
	FirstSeen Result = iota + 1
	Replay
)

func (r Result) String() string {
	switch r {
	case FirstSeen:
		return "FIRST_SEEN"
	case Replay:
		return "REPLAY"
	}
	return "UNKNOWN"
}

// Admission is returned by Admit. ReceiptID is empty for a replay whose
// original has not created its receipt yet.
type Admission struct {
	Result    Result
	ReceiptID string
}

// Store persists idempotency records.
type Store interface {
	// InsertIdempotency inserts rec unless the key exists and reports
	// whether it did.
	InsertIdempotency(ctx context.Context, rec Record) (bool, error)
	GetIdempotency(ctx context.Context, key string) (*Record, error)
	// BindIdempotency sets the receipt id only while it is unset.
	BindIdempotency(ctx context.Context, key, receiptID string) (bool, error)
	// DeleteUnboundIdempotency removes the record only while no receipt is bound.
	DeleteUnboundIdempotency(ctx context.Context, key string) (bool, error)
	// ReclaimIdempotency refreshes created_at to rec.CreatedAt only while the
	// record is unbound and older than staleBefore.
	ReclaimIdempotency(ctx context.Context, rec Record, staleBefore time.Time) (bool, error)
}

// Guard is the idempotency admission gate.
type Guard struct {
	store    Store
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Guard)

// WithLeaseTTL sets how long an unbound record is honoured before it can be
// reclaimed by a retry of the same request.
func WithLeaseTTL(d time.Duration) Option {
	return func(g *Guard) { g.leaseTTL = d }
}

func WithNow(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		leaseTTL: DefaultLeaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "idempotency"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateKey checks the client-supplied key.
func ValidateKey(key string) error {
	if key == "" {
		return apperr.New(apperr.CodeInvalidInput, "idempotency key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return apperr.New(apperr.CodeInvalidInput, "idempotency key exceeds %d bytes", MaxKeyLength)
	}
	for _, r := range key {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return apperr.New(apperr.CodeInvalidInput, "idempotency key contains invalid characters")
		}
	}
	return nil
}

// Admit classifies req as FIRST_SEEN or REPLAY, or fails with
// IDEMPOTENCY_CONFLICT when the key is bound to a different request.
func (g *Guard) Admit(ctx context.Context, req Request) (Admission, error) {
	if err := ValidateKey(req.Key); err != nil {
		return Admission{}, err
	}

	// A concurrent Release can delete the record between our insert and
	// read; try again a bounded number of times.
	for i := 0; i < 3; i++ {
		now := g.now()
		rec := Record{Key: req.Key, Method: req.Method, Path: req.Path, BodyHash: req.BodyHash, Org: req.Org, CreatedAt: now}
		inserted, err := g.store.InsertIdempotency(ctx, rec)
		if err != nil {
			return Admission{}, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to record idempotency key")
		}
		if inserted {
			return Admission{Result: FirstSeen}, nil
		}

		existing, err := g.store.GetIdempotency(ctx, req.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Admission{}, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read idempotency key")
		}

		if !existing.matches(req) {
			g.logger.WarnContext(ctx, "idempotency key reused with different request",
				"key", req.Key, "org", req.Org, "path", req.Path)
			return Admission{}, apperr.New(apperr.CodeIdempotencyConflict,
				"idempotency key was already used with a different request")
		}

		if existing.ReceiptID == "" && existing.CreatedAt.Before(now.Add(-g.leaseTTL)) {
			reclaimed, err := g.store.ReclaimIdempotency(ctx, rec, now.Add(-g.leaseTTL))
			if err != nil {
				return Admission{}, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to reclaim idempotency key")
			}
			if reclaimed {
				g.logger.WarnContext(ctx, "reclaimed stale idempotency key", "key", req.Key, "created_at", existing.CreatedAt)
				return Admission{Result: FirstSeen}, nil
			}
			// Someone else reclaimed or bound it first.
			continue
		}

		return Admission{Result: Replay, ReceiptID: existing.ReceiptID}, nil
	}
	return Admission{}, apperr.New(apperr.CodeIdempotencyInProgress, "idempotency key is being processed, retry later")
}

// Lookup returns the stored record for key.
func (g *Guard) Lookup(ctx context.Context, key string) (*Record, error) {
	rec, err := g.store.GetIdempotency(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read idempotency key")
	}
	return rec, err
}

// BindReceipt attaches receiptID to key. Binding the same receipt twice is a
// no-op; binding a different one is an invariant violation.
func (g *Guard) BindReceipt(ctx context.Context, key, receiptID string) error {
	bound, err := g.store.BindIdempotency(ctx, key, receiptID)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to bind idempotency key")
	}
	if bound {
		return nil
	}
	rec, err := g.store.GetIdempotency(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "idempotency record vanished before bind")
	}
	if rec.ReceiptID == receiptID {
		return nil
	}
	g.logger.ErrorContext(ctx, "idempotency key bound to another receipt",
		"key", key, "bound", rec.ReceiptID, "attempted", receiptID)
	return apperr.New(apperr.CodeInternal, "idempotency key already bound to receipt %s", rec.ReceiptID)
}

// Release drops an unbound key after the pipeline failed before creating a
// receipt, so the client may reuse it.
func (g *Guard) Release(ctx context.Context, key string) error {
	if _, err := g.store.DeleteUnboundIdempotency(ctx, key); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to release idempotency key")
	}
	return nil
}
