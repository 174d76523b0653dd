package derive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

type fakeMappingStore struct {
	mu     sync.Mutex
	rows   map[string]Mapping
	puts   int
	getErr error
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{rows: make(map[string]Mapping)}
}

func mappingKey(p string, s, e time.Time) string {
	return p + "|" + FormatTimestamp(s) + "|" + FormatTimestamp(e)
}

func (f *fakeMappingStore) GetClassMapping(_ context.Context, p string, s, e time.Time) (*Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	m, ok := f.rows[mappingKey(p, s, e)]
	if !ok {
		return nil, ErrMappingNotFound
	}
	return &m, nil
}

func (f *fakeMappingStore) PutClassMapping(_ context.Context, m Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	k := mappingKey(m.ProjectID, m.WindowStart, m.WindowEnd)
	if _, ok := f.rows[k]; !ok {
		f.rows[k] = m
	}
	return nil
}

type fakeCache struct {
	values map[string]string
	getErr error
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string) error {
	c.values[key] = value
	return nil
}

func TestResolver_CreatesMappingOnce(t *testing.T) {
	st := newFakeMappingStore()
	r := NewResolver(st)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "PRJ001", window2020())
	require.NoError(t, err)
	b, err := r.Resolve(ctx, "PRJ001", window2020())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, st.puts)
	assert.Len(t, st.rows, 1)
}

func TestResolver_CachedMatchesFresh(t *testing.T) {
	st := newFakeMappingStore()
	cache := &fakeCache{values: map[string]string{}}
	r := NewResolver(st, WithCache(cache))
	ctx := context.Background()

	fresh, err := ClassID("PRJ001", window2020(), 0)
	require.NoError(t, err)

	first, err := r.Resolve(ctx, "PRJ001", window2020())
	require.NoError(t, err)
	cached, err := r.Resolve(ctx, "PRJ001", window2020())
	require.NoError(t, err)

	assert.Equal(t, fresh, first)
	assert.Equal(t, fresh, cached)
	assert.Len(t, cache.values, 1)
}

func TestResolver_CacheErrorFallsBackToStore(t *testing.T) {
	st := newFakeMappingStore()
	r := NewResolver(st, WithCache(&fakeCache{values: map[string]string{}, getErr: errors.New("redis down")}))

	id, err := r.Resolve(context.Background(), "PRJ001", window2020())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestResolver_DisagreeingRowIsInternal(t *testing.T) {
	st := newFakeMappingStore()
	w := window2020()
	st.rows[mappingKey("PRJ001", w.Start, w.End)] = Mapping{ProjectID: "PRJ001", ClassID: "deadbeef"}

	_, err := NewResolver(st).Resolve(context.Background(), "PRJ001", w)
	assert.True(t, apperr.Is(err, apperr.CodeInternal))
}

func TestResolver_StoreFailure(t *testing.T) {
	st := newFakeMappingStore()
	st.getErr = errors.New("connection refused")

	_, err := NewResolver(st).Resolve(context.Background(), "PRJ001", window2020())
	assert.True(t, apperr.Is(err, apperr.CodeStoreUnavailable))
}

func TestResolver_ValidatesBeforeStore(t *testing.T) {
	st := newFakeMappingStore()
	_, err := NewResolver(st).Resolve(context.Background(), "", window2020())
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
	assert.Equal(t, 0, st.puts)
}
