package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// MemoryStore is an in-process implementation of every store interface with
// the same conditional-write semantics as SQLStore.
type MemoryStore struct {
	mu       sync.Mutex
	receipts map[string]*receipts.Receipt
	byKey    map[string]string
	idem     map[string]*idempotency.Record
	mappings map[string]derive.Mapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*receipts.Receipt),
		byKey:    make(map[string]string),
		idem:     make(map[string]*idempotency.Record),
		mappings: make(map[string]derive.Mapping),
	}
}

// ReceiptCount returns the number of stored receipts in any status.
func (m *MemoryStore) ReceiptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}

func copyReceipt(r *receipts.Receipt) *receipts.Receipt {
	cp := *r
	cp.Params = append([]byte(nil), r.Params...)
	return &cp
}

func (m *MemoryStore) InsertReceipt(_ context.Context, r *receipts.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.IdempotencyKey != "" {
		if _, taken := m.byKey[r.IdempotencyKey]; taken {
			return receipts.ErrDuplicateKey
		}
		m.byKey[r.IdempotencyKey] = r.ID
	}
	m.receipts[r.ID] = copyReceipt(r)
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, id string) (*receipts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, receipts.ErrNotFound
	}
	return copyReceipt(r), nil
}

func (m *MemoryStore) GetReceiptByIdempotencyKey(ctx context.Context, key string) (*receipts.Receipt, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, receipts.ErrNotFound
	}
	return m.GetReceipt(ctx, id)
}

func (m *MemoryStore) FinalizeReceipt(_ context.Context, id string, o receipts.Outcome, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok || r.Status != receipts.StatusPending {
		return false, nil
	}
	r.Status = o.Status
	r.TxHash = o.TxHash
	r.BlockNumber = o.BlockNumber
	r.ContentHash = o.ContentHash
	r.FailureCode = o.FailureCode
	r.FailureMessage = o.FailureMessage
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ListPendingReceipts(_ context.Context, cutoff time.Time, limit int) ([]*receipts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*receipts.Receipt
	for _, r := range m.receipts {
		if r.Status == receipts.StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, copyReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertIdempotency(_ context.Context, rec idempotency.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.idem[rec.Key]; exists {
		return false, nil
	}
	cp := rec
	m.idem[rec.Key] = &cp
	return true, nil
}

func (m *MemoryStore) GetIdempotency(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) BindIdempotency(_ context.Context, key, receiptID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok || rec.ReceiptID != "" {
		return false, nil
	}
	rec.ReceiptID = receiptID
	return true, nil
}

func (m *MemoryStore) DeleteUnboundIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok || rec.ReceiptID != "" {
		return false, nil
	}
	delete(m.idem, key)
	return true, nil
}

func (m *MemoryStore) ReclaimIdempotency(_ context.Context, rec idempotency.Record, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.idem[rec.Key]
	if !ok || cur.ReceiptID != "" || !cur.CreatedAt.Before(staleBefore) {
		return false, nil
	}
	cur.CreatedAt = rec.CreatedAt
	return true, nil
}

func mappingKey(projectID string, start, end time.Time) string {
	return projectID + "|" + start.UTC().Format(time.RFC3339Nano) + "|" + end.UTC().Format(time.RFC3339Nano)
}

func (m *MemoryStore) GetClassMapping(_ context.Context, projectID string, start, end time.Time) (*derive.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[mappingKey(projectID, start, end)]
	if !ok {
		return nil, derive.ErrMappingNotFound
	}
	return &mp, nil
}

func (m *MemoryStore) PutClassMapping(_ context.Context, mp derive.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey(mp.ProjectID, mp.WindowStart, mp.WindowEnd)
	if _, exists := m.mappings[k]; !exists {
		m.mappings[k] = mp
	}
	return nil
}

var (
	_ receipts.Store      = (*MemoryStore)(nil)
	_ idempotency.Store   = (*MemoryStore)(nil)
	_ derive.MappingStore = (*MemoryStore)(nil)
	_ receipts.Store      = (*SQLStore)(nil)
	_ idempotency.Store   = (*SQLStore)(nil)
	_ derive.MappingStore = (*SQLStore)(nil)
)
