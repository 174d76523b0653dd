package derive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

// ErrMappingNotFound is returned by a MappingStore with no row for the triple.
var ErrMappingNotFound = errors.New("class mapping not found")

// Mapping is a memoised (project, window) -> class id row.
type Mapping struct {
	ProjectID   string
	WindowStart time.Time
	WindowEnd   time.Time
	ClassID     string
	CreatedAt   time.Time
}

// MappingStore persists class mappings. PutClassMapping must ignore an
// existing row for the same triple.
type MappingStore interface {
	GetClassMapping(ctx context.Context, projectID string, start, end time.Time) (*Mapping, error)
	PutClassMapping(ctx context.Context, m Mapping) error
}

// Cache is an optional read-through cache in front of the MappingStore.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Resolver resolves class ids, recording each first resolution.
type Resolver struct {
	store   MappingStore
	cache   Cache
	maxSpan time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache puts a read-through cache in front of the store.
func WithCache(c Cache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithMaxWindowSpan overrides DefaultMaxWindowSpan.
func WithMaxWindowSpan(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.maxSpan = d }
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store MappingStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		maxSpan: DefaultMaxWindowSpan,
		now:     time.Now,
		logger:  slog.Default().With("component", "derive"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxWindowSpan returns the configured maximum window span.
func (r *Resolver) MaxWindowSpan() time.Duration { return r.maxSpan }

// Resolve returns the class id for the triple, creating the mapping row on
// first resolution. The returned id is always the freshly computed one; a
// stored row that disagrees with it is an invariant violation.
func (r *Resolver) Resolve(ctx context.Context, projectID string, window Window) (string, error) {
	id, err := ClassID(projectID, window, r.maxSpan)
	if err != nil {
		return "", err
	}
	// The derivation sees milliseconds; the stored triple must too.
	window = Window{Start: window.Start.UTC().Truncate(time.Millisecond), End: window.End.UTC().Truncate(time.Millisecond)}

	cacheKey := "classid:" + projectID + "|" + FormatTimestamp(window.Start) + "|" + FormatTimestamp(window.End)
	if r.cache != nil {
		if cached, ok, err := r.cache.Get(ctx, cacheKey); err != nil {
			r.logger.WarnContext(ctx, "class id cache read failed", "error", err)
		} else if ok && cached == id {
			return id, nil
		}
	}

	existing, err := r.store.GetClassMapping(ctx, projectID, window.Start, window.End)
	switch {
	case err == nil:
		if existing.ClassID != id {
			r.logger.ErrorContext(ctx, "stored class mapping disagrees with derivation",
				"project_id", projectID, "stored", existing.ClassID, "derived", id)
			return "", apperr.New(apperr.CodeInternal, "class mapping invariant violated")
		}
	case errors.Is(err, ErrMappingNotFound):
		m := Mapping{
			ProjectID:   projectID,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			ClassID:     id,
			CreatedAt:   r.now().UTC(),
		}
		if err := r.store.PutClassMapping(ctx, m); err != nil {
			return "", apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to record class mapping")
		}
	default:
		return "", apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to read class mapping")
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, id); err != nil {
			r.logger.WarnContext(ctx, "class id cache write failed", "error", err)
		}
	}
	return id, nil
}
