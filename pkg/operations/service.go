// Package operations runs the three mutating pipelines (issue, retire,
// anchor) and the read operations over receipts and class ids.
//
// Every mutating pipeline is: idempotency admission, derivation, PENDING
// receipt, ledger submission, terminal receipt, key binding. Once the
// receipt exists the pipeline runs to a terminal state even if the caller
// goes away.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/archive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/audit"
	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/observability"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
	"github.com/ShantanuVr/registry-adapter-api/pkg/retry"
)

// Meta carries the request envelope. BodyHash is computed from the typed
// request when empty. Without an IdempotencyKey the request is not
// deduplicated.
type Meta struct {
	Org            string
	IdempotencyKey string
	Method         string
	Path           string
	BodyHash       string
}

// Deps are the collaborators of a Service. Archive, Audit and Observability
// are optional.
type Deps struct {
	Guard         *idempotency.Guard
	Receipts      *receipts.Manager
	Resolver      *derive.Resolver
	Executor      *ledger.Executor
	Archive       archive.Archive
	Audit         audit.Logger
	Observability *observability.Provider
}

type Option func(*Service)

// WithReplayWait bounds how long a replay waits for the original request to
// reach a terminal state, polling every interval.
func WithReplayWait(wait, interval time.Duration) Option {
	return func(s *Service) { s.replayWait, s.replayPoll = wait, interval }
}

// WithClock injects the clock used for replay polling and finalize retries.
func WithClock(c retry.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMaxEvidenceHashes bounds the evidence list of one anchor.
func WithMaxEvidenceHashes(n int) Option {
	return func(s *Service) { s.maxEvidence = n }
}

type Service struct {
	guard    *idempotency.Guard
	receipts *receipts.Manager
	resolver *derive.Resolver
	executor *ledger.Executor
	archive  archive.Archive
	audit    audit.Logger
	obs      *observability.Provider

	clock       retry.Clock
	replayWait  time.Duration
	replayPoll  time.Duration
	maxEvidence int
	finalize    retry.BackoffPolicy
	logger      *slog.Logger
}

func NewService(d Deps, opts ...Option) *Service {
	s := &Service{
		guard:       d.Guard,
		receipts:    d.Receipts,
		resolver:    d.Resolver,
		executor:    d.Executor,
		archive:     d.Archive,
		audit:       d.Audit,
		obs:         d.Observability,
		clock:       retry.RealClock{},
		replayWait:  30 * time.Second,
		replayPoll:  250 * time.Millisecond,
		maxEvidence: 1024,
		finalize:    retry.BackoffPolicy{PolicyID: "receipt-finalize", BaseMs: 100, MaxMs: 2000, MaxJitterMs: 50, MaxAttempts: 4},
		logger:      slog.Default().With("component", "operations"),
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// plan is the validated, derived form of one mutating request.
type plan struct {
	draft receipts.Draft
	call  ledger.Call
}

// execute runs the shared pipeline. prepare validates and derives; it runs
// after admission so derivation failures release the key.
func (s *Service) execute(ctx context.Context, kind receipts.Kind, meta Meta, body any, prepare func(context.Context) (*plan, error)) (rcpt *receipts.Receipt, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "operations."+string(kind),
		attribute.String("receipt.kind", string(kind)))
	defer func() { done(err) }()

	key := meta.IdempotencyKey
	if key != "" {
		if meta.BodyHash == "" {
			if meta.BodyHash, err = canonicalize.CanonicalHash(body); err != nil {
				return nil, apperr.Wrap(apperr.CodeInvalidInput, err, "request is not canonicalizable")
			}
		}
		adm, err := s.guard.Admit(ctx, idempotency.Request{
			Key: key, Method: meta.Method, Path: meta.Path, BodyHash: meta.BodyHash, Org: meta.Org,
		})
		if err != nil {
			return nil, err
		}
		if adm.Result == idempotency.Replay {
			return s.replay(ctx, kind, key, adm.ReceiptID)
		}
	}

	p, err := prepare(ctx)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	p.draft.Kind = kind
	p.draft.Org = meta.Org
	p.draft.IdempotencyKey = key

	rcpt, err = s.receipts.Create(ctx, p.draft)
	if errors.Is(err, receipts.ErrDuplicateKey) {
		// A reclaimed key raced its original; the receipt column is authoritative.
		return s.replay(ctx, kind, key, "")
	}
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}

	// The receipt exists: finish regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	p.call.EffectID = rcpt.ID

	var outcome receipts.Outcome
	res, subErr := s.executor.Submit(ctx, p.call)
	if subErr != nil {
		if f, ok := ledger.AsFailure(subErr); ok {
			outcome = receipts.Failed(f.Kind.Code(), failureMessage(f), f.TxHash)
		} else {
			// Rejected before anything was signed.
			ae := apperr.From(subErr)
			s.logger.ErrorContext(ctx, "ledger call rejected", "receipt_id", rcpt.ID, "error", subErr)
			outcome = receipts.Failed(ae.Code, ae.Message, "")
		}
	} else {
		outcome = receipts.Mined(res.TxHash, res.BlockNumber, res.ContentHash)
	}

	final, err := s.finalizeReceipt(ctx, rcpt.ID, outcome)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := s.guard.BindReceipt(ctx, key, final.ID); err != nil {
			return nil, err
		}
	}

	s.obs.RecordReceiptFinalized(ctx, string(kind), string(final.Status))
	s.audit.Record(ctx, string(kind), "receipt/"+final.ID, string(final.Status), map[string]any{
		"class_id":     final.ClassID,
		"quantity":     final.Quantity,
		"tx_hash":      final.TxHash,
		"failure_code": string(final.FailureCode),
	})
	return outcomeOf(final)
}

func failureMessage(f *ledger.Failure) string {
	switch f.Kind {
	case ledger.KindReverted:
		return "ledger rejected the transaction"
	case ledger.KindTimeout:
		return fmt.Sprintf("transaction not confirmed after %d attempt(s); ledger outcome unknown", f.Attempts)
	default:
		return fmt.Sprintf("ledger unavailable after %d attempt(s)", f.Attempts)
	}
}

// finalizeReceipt retries transient store failures. If it still fails the
// receipt stays PENDING and is reported by the pending sweep.
func (s *Service) finalizeReceipt(ctx context.Context, id string, o receipts.Outcome) (*receipts.Receipt, error) {
	var err error
	for attempt := 0; attempt < s.finalize.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.ComputeBackoff(retry.BackoffParams{PolicyID: s.finalize.PolicyID, EffectID: id, AttemptIndex: attempt}, s.finalize)
			if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
				break
			}
		}
		var r *receipts.Receipt
		r, err = s.receipts.Finalize(ctx, id, o)
		if err == nil {
			return r, nil
		}
		if !apperr.Is(err, apperr.CodeStoreUnavailable) {
			return nil, err
		}
		s.logger.WarnContext(ctx, "finalize failed, retrying", "receipt_id", id, "attempt", attempt+1, "error", err)
	}
	s.logger.ErrorContext(ctx, "receipt left PENDING", "receipt_id", id, "outcome", o.Status, "tx_hash", o.TxHash, "error", err)
	return nil, apperr.From(err).WithReceipt(id)
}

// outcomeOf turns a terminal receipt into the caller's result. FAILED
// receipts surface their recorded code.
func outcomeOf(r *receipts.Receipt) (*receipts.Receipt, error) {
	if r.Status == receipts.StatusFailed {
		return nil, apperr.New(r.FailureCode, "%s", r.FailureMessage).WithReceipt(r.ID)
	}
	return r, nil
}

// replay waits for the original request's receipt to become terminal.
func (s *Service) replay(ctx context.Context, kind receipts.Kind, key, receiptID string) (*receipts.Receipt, error) {
	s.obs.RecordReplay(ctx, string(kind))
	deadline := s.clock.Now().Add(s.replayWait)
	for {
		var (
			r   *receipts.Receipt
			err error
		)
		if receiptID != "" {
			r, err = s.receipts.Get(ctx, receiptID)
		} else {
			r, err = s.receipts.GetByIdempotencyKey(ctx, key)
		}
		switch {
		case err == nil:
			receiptID = r.ID
			if r.Status.Terminal() {
				s.logger.InfoContext(ctx, "idempotent replay", "key", key, "receipt_id", r.ID, "status", r.Status)
				return outcomeOf(r)
			}
		case errors.Is(err, receipts.ErrNotFound):
			// The original has not created its receipt yet.
		default:
			return nil, err
		}

		if !s.clock.Now().Before(deadline) {
			break
		}
		if err := s.clock.Sleep(ctx, s.replayPoll); err != nil {
			break
		}
	}
	e := apperr.New(apperr.CodeIdempotencyInProgress, "the original request is still in progress")
	if receiptID != "" {
		e = e.WithReceipt(receiptID)
	}
	return nil, e
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.guard.Release(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to release idempotency key", "key", key, "error", err)
	}
}

// GetReceipt returns a receipt by id. A PENDING receipt is returned as is.
func (s *Service) GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error) {
	return s.receipts.Get(ctx, id)
}

// ResolveClassID derives the class id and records the mapping.
func (s *Service) ResolveClassID(ctx context.Context, projectID string, start, end time.Time) (string, error) {
	return s.resolver.Resolve(ctx, projectID, derive.Window{Start: start, End: end})
}

// PendingReceipts lists receipts PENDING for longer than age.
func (s *Service) PendingReceipts(ctx context.Context, age time.Duration, limit int) ([]*receipts.Receipt, error) {
	return s.receipts.ListPending(ctx, age, limit)
}
