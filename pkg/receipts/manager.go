package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

// Manager creates and finalizes receipts.
type Manager struct {
	store  Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Manager)

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides uuid receipt ids.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "receipts"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a PENDING receipt. A taken idempotency key is returned as
// ErrDuplicateKey unwrapped so callers can fall back to the replay path.
func (m *Manager) Create(ctx context.Context, d Draft) (*Receipt, error) {
	if !d.Kind.Valid() {
		return nil, apperr.New(apperr.CodeInternal, "unknown receipt kind %q", d.Kind)
	}
	params := d.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return nil, apperr.New(apperr.CodeInternal, "receipt params are not valid JSON")
	}

	now := m.now()
	r := &Receipt{
		ID:             m.newID(),
		Kind:           d.Kind,
		ClassID:        d.ClassID,
		Org:            d.Org,
		Quantity:       d.Quantity,
		Params:         params,
		Status:         StatusPending,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertReceipt(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, ErrDuplicateKey
		}
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to persist receipt")
	}
	m.logger.InfoContext(ctx, "receipt created", "receipt_id", r.ID, "kind", r.Kind, "org", r.Org)
	return r, nil
}

// Finalize moves a PENDING receipt to its terminal status. Finalizing a
// receipt that is already terminal is an invariant violation.
func (m *Manager) Finalize(ctx context.Context, id string, o Outcome) (*Receipt, error) {
	if err := o.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "invalid receipt outcome")
	}

	applied, err := m.store.FinalizeReceipt(ctx, id, o, m.now())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to record receipt outcome").WithReceipt(id)
	}
	if !applied {
		current, err := m.store.GetReceipt(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, apperr.New(apperr.CodeInternal, "finalize of unknown receipt %s", id)
		case err != nil:
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read receipt").WithReceipt(id)
		}
		m.logger.ErrorContext(ctx, "receipt already terminal",
			"receipt_id", id, "status", current.Status, "attempted", o.Status)
		return nil, apperr.New(apperr.CodeInternal,
			"receipt %s is already %s", id, current.Status).WithReceipt(id)
	}

	r, err := m.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read receipt").WithReceipt(id)
	}
	m.logger.InfoContext(ctx, "receipt finalized",
		"receipt_id", id, "status", r.Status, "tx_hash", r.TxHash, "failure_code", r.FailureCode)
	return r, nil
}

// Get returns a receipt or NOT_FOUND.
func (m *Manager) Get(ctx context.Context, id string) (*Receipt, error) {
	r, err := m.store.GetReceipt(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "receipt %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read receipt")
	}
	return r, nil
}

// GetByIdempotencyKey returns the receipt created under key, or ErrNotFound.
func (m *Manager) GetByIdempotencyKey(ctx context.Context, key string) (*Receipt, error) {
	r, err := m.store.GetReceiptByIdempotencyKey(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read receipt")
	}
	return r, err
}

// ListPending reports receipts that have been PENDING for longer than age.
// Their ledger outcome is unknown and needs external reconciliation.
func (m *Manager) ListPending(ctx context.Context, age time.Duration, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rs, err := m.store.ListPendingReceipts(ctx, m.now().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	return rs, nil
}
