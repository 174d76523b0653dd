package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/observability"
	"github.com/ShantanuVr/registry-adapter-api/pkg/retry"
)

// Config tunes the executor.
type Config struct {
	// Confirmations is the number of blocks, including the inclusion block,
	// required before a transaction counts as mined.
	Confirmations uint64
	// ConfirmTimeout bounds the confirmation wait of a single attempt.
	ConfirmTimeout time.Duration
	// PollInterval is the delay between receipt and head polls.
	PollInterval time.Duration
	// Backoff is the retry policy. MaxAttempts bounds total attempts.
	Backoff retry.BackoffPolicy
}

// DefaultConfig returns one confirmation, 2 minute confirmation timeout and
// the default backoff policy.
func DefaultConfig() Config {
	return Config{
		Confirmations:  1,
		ConfirmTimeout: 2 * time.Minute,
		PollInterval:   time.Second,
		Backoff:        retry.DefaultPolicy(),
	}
}

// SubmitBudget is the longest a single Submit can take when every RPC answers:
// each attempt's confirmation wait plus the capped backoff between attempts.
func (c Config) SubmitBudget() time.Duration {
	total := time.Duration(c.Backoff.MaxAttempts) * (c.ConfirmTimeout + c.PollInterval)
	for i := 1; i < c.Backoff.MaxAttempts; i++ {
		delay := c.Backoff.BaseMs << min(i, 30)
		if c.Backoff.MaxMs > 0 && delay > c.Backoff.MaxMs {
			delay = c.Backoff.MaxMs
		}
		total += time.Duration(delay+c.Backoff.MaxJitterMs) * time.Millisecond
	}
	return total
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock injects the clock used for backoff and confirmation polling.
func WithClock(c retry.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLimiter throttles outbound submissions.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithObservability records spans and attempt metrics.
func WithObservability(p *observability.Provider) Option {
	return func(e *Executor) { e.obs = p }
}

// Executor submits calls through a Client. One Executor serves one signer;
// nonce assignment and the first broadcast of every transaction are
// serialised under signerMu so sequence numbers reach the ledger in order.
type Executor struct {
	client  Client
	cfg     Config
	clock   retry.Clock
	limiter *rate.Limiter
	obs     *observability.Provider
	logger  *slog.Logger

	signerMu sync.Mutex
}

// NewExecutor creates an Executor over client.
func NewExecutor(client Client, cfg Config, opts ...Option) *Executor {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	e := &Executor{
		client: client,
		cfg:    cfg,
		clock:  retry.RealClock{},
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitBudget reports Config.SubmitBudget for the effective configuration.
func (e *Executor) SubmitBudget() time.Duration { return e.cfg.SubmitBudget() }

// Signer returns the signing account of the underlying client.
func (e *Executor) Signer() string { return e.client.Signer() }

// Balance reads a holding when the client supports it. ok is false when it
// does not.
func (e *Executor) Balance(ctx context.Context, classID, account string) (balance *big.Int, ok bool, err error) {
	br, supported := e.client.(BalanceReader)
	if !supported {
		return nil, false, nil
	}
	b, err := br.BalanceOf(ctx, classID, account)
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}

// submission is the explicit retry state of one Submit call.
type submission struct {
	call        Call
	attempt     int
	prepared    *PreparedTx
	broadcasted bool
	// hashUnknown is true when the last lookup of the prepared hash found
	// nothing on the ledger.
	hashUnknown bool
	lastKind    FailureKind
	lastErr     error
}

type stepOutcome int

const (
	stepConfirmed stepOutcome = iota
	stepTransient
	stepReverted
	stepRejected
)

// Submit executes call and blocks until it is confirmed or definitively
// failed. Ledger failures are a *Failure; a call the client refuses to encode
// returns the client's *apperr.Error without retrying.
//
// The transaction is prepared and signed once; every retry re-broadcasts the
// same signed bytes and polls the same hash, so a confirmation stream that
// drops after a successful broadcast cannot cause a second ledger effect.
// A failed broadcast is followed by a lookup of the hash before it counts as
// transient.
func (e *Executor) Submit(ctx context.Context, call Call) (*Result, error) {
	ctx, span := e.obs.StartSpan(ctx, "ledger.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.method", string(call.Method)),
		attribute.String("ledger.effect_id", call.EffectID),
	)

	s := &submission{call: call}
	maxAttempts := e.cfg.Backoff.MaxAttempts

	for s.attempt = 1; s.attempt <= maxAttempts; s.attempt++ {
		if s.attempt > 1 {
			delay := retry.ComputeBackoff(retry.BackoffParams{
				PolicyID:     e.cfg.Backoff.PolicyID,
				EffectID:     call.EffectID,
				AttemptIndex: s.attempt - 1,
			}, e.cfg.Backoff)
			e.logger.WarnContext(ctx, "retrying ledger submission",
				"effect_id", call.EffectID, "attempt", s.attempt, "delay", delay, "last_error", s.lastErr)
			if err := e.clock.Sleep(ctx, delay); err != nil {
				s.lastKind, s.lastErr = KindUnavailable, err
				break
			}
		}

		res, outcome := e.step(ctx, s)
		switch outcome {
		case stepConfirmed:
			e.obs.RecordLedgerAttempt(ctx, string(call.Method), "confirmed")
			res.Attempts = s.attempt
			span.SetAttributes(attribute.String("ledger.tx_hash", res.TxHash))
			e.logger.InfoContext(ctx, "ledger transaction confirmed",
				"effect_id", call.EffectID, "tx_hash", res.TxHash, "block", res.BlockNumber, "attempts", s.attempt)
			return res, nil
		case stepRejected:
			e.logger.ErrorContext(ctx, "ledger call rejected before signing",
				"effect_id", call.EffectID, "error", s.lastErr)
			span.SetStatus(codes.Error, s.lastErr.Error())
			return nil, s.lastErr
		case stepReverted:
			e.obs.RecordLedgerAttempt(ctx, string(call.Method), "reverted")
			f := e.failure(s, KindReverted)
			span.SetStatus(codes.Error, f.Error())
			return nil, f
		default:
			e.obs.RecordLedgerAttempt(ctx, string(call.Method), string(s.lastKind))
		}
	}

	if s.prepared != nil && !s.broadcasted && s.hashUnknown {
		// The ledger does not hold the transaction; its sequence number is free again.
		if nr, ok := e.client.(NonceResetter); ok {
			nr.ResetNonce()
		}
	}

	kind := s.lastKind
	if kind == "" {
		kind = KindUnavailable
	}
	f := e.failure(s, kind)
	span.SetStatus(codes.Error, f.Error())
	e.logger.ErrorContext(ctx, "ledger submission failed",
		"effect_id", call.EffectID, "kind", kind, "attempts", f.Attempts, "tx_hash", f.TxHash, "error", s.lastErr)
	return nil, f
}

func (e *Executor) failure(s *submission, kind FailureKind) *Failure {
	attempts := s.attempt
	if attempts > e.cfg.Backoff.MaxAttempts {
		attempts = e.cfg.Backoff.MaxAttempts
	}
	f := &Failure{Kind: kind, Attempts: attempts, Err: s.lastErr}
	if s.prepared != nil {
		f.TxHash = s.prepared.Hash.Hex()
	}
	return f
}

// step runs one attempt: prepare (once), broadcast, wait for confirmation.
func (e *Executor) step(ctx context.Context, s *submission) (*Result, stepOutcome) {
	var err error
	if s.prepared == nil {
		var outcome stepOutcome
		outcome, err = e.prepareAndBroadcast(ctx, s)
		if s.prepared == nil {
			return nil, outcome
		}
	} else {
		err = e.broadcast(ctx, s.prepared)
	}
	if err != nil {
		return e.broadcastFailed(ctx, s, err)
	}
	s.broadcasted = true
	return e.awaitConfirmation(ctx, s)
}

// prepareAndBroadcast signs the call and sends it once under the signer
// lock. When s.prepared is still nil on return, outcome describes the
// attempt; otherwise the broadcast error is returned.
func (e *Executor) prepareAndBroadcast(ctx context.Context, s *submission) (stepOutcome, error) {
	e.signerMu.Lock()
	defer e.signerMu.Unlock()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			s.lastKind, s.lastErr = KindUnavailable, fmt.Errorf("submission rate limit: %w", err)
			return stepTransient, nil
		}
	}

	tx, err := e.client.Prepare(ctx, s.call)
	if err != nil {
		s.lastErr = err
		var ae *apperr.Error
		switch {
		case errors.Is(err, ErrReverted):
			return stepReverted, nil
		case errors.As(err, &ae):
			return stepRejected, nil
		}
		s.lastKind = KindUnavailable
		return stepTransient, nil
	}
	s.prepared = tx
	return stepConfirmed, e.broadcast(ctx, tx)
}

// broadcastFailed classifies a failed send of a prepared transaction. The
// reply may have been lost after the ledger accepted it, so the hash is
// polled before the attempt counts as transient.
func (e *Executor) broadcastFailed(ctx context.Context, s *submission, err error) (*Result, stepOutcome) {
	s.lastErr = err
	if errors.Is(err, ErrReverted) {
		return nil, stepReverted
	}
	hash := s.prepared.Hash

	if s.broadcasted || errors.Is(err, ErrNonceConsumed) {
		e.logger.WarnContext(ctx, "broadcast failed, polling by hash", "tx_hash", hash.Hex(), "error", err)
		s.broadcasted = true
		return e.awaitConfirmation(ctx, s)
	}

	_, rerr := e.client.Receipt(ctx, hash)
	switch {
	case rerr == nil:
		e.logger.WarnContext(ctx, "broadcast reply lost, transaction found by hash", "tx_hash", hash.Hex(), "error", err)
		s.broadcasted = true
		return e.awaitConfirmation(ctx, s)
	case errors.Is(rerr, ErrTxNotFound):
		s.hashUnknown = true
	default:
		s.hashUnknown = false
	}
	s.lastKind = KindUnavailable
	return nil, stepTransient
}

func (e *Executor) broadcast(ctx context.Context, tx *PreparedTx) error {
	err := e.client.Broadcast(ctx, tx)
	if errors.Is(err, ErrAlreadyKnown) {
		return nil
	}
	return err
}

// awaitConfirmation polls until the receipt has the configured depth, the
// per-attempt deadline passes, or the ledger becomes unreachable.
func (e *Executor) awaitConfirmation(ctx context.Context, s *submission) (*Result, stepOutcome) {
	hash := s.prepared.Hash
	deadline := e.clock.Now().Add(e.cfg.ConfirmTimeout)

	for {
		rcpt, err := e.client.Receipt(ctx, hash)
		switch {
		case err == nil:
			if rcpt.Reverted {
				s.lastErr = fmt.Errorf("%w: tx %s", ErrReverted, hash.Hex())
				return nil, stepReverted
			}
			head, err := e.client.BlockNumber(ctx)
			if err != nil {
				s.lastKind, s.lastErr = KindUnavailable, err
				return nil, stepTransient
			}
			if head+1 >= rcpt.BlockNumber+e.cfg.Confirmations {
				txHash := rcpt.TxHash.Hex()
				return &Result{
					TxHash:      txHash,
					BlockNumber: rcpt.BlockNumber,
					GasUsed:     rcpt.GasUsed,
					ContentHash: ContentHash(txHash, rcpt.BlockNumber, rcpt.GasUsed),
				}, stepConfirmed
			}
		case errors.Is(err, ErrTxNotFound):
		default:
			s.lastKind, s.lastErr = KindUnavailable, err
			return nil, stepTransient
		}

		if !e.clock.Now().Before(deadline) {
			s.lastKind = KindTimeout
			s.lastErr = fmt.Errorf("tx %s not confirmed within %s", hash.Hex(), e.cfg.ConfirmTimeout)
			return nil, stepTransient
		}
		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			s.lastKind, s.lastErr = KindTimeout, err
			return nil, stepTransient
		}
	}
}
