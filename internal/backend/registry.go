package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// schemaTTL bounds how long a described schema is reused.
const schemaTTL = 5 * time.Minute

type cachedSchema struct {
	schema  *Schema
	fetched time.Time
}

// Registry holds the configured backends. Backends are registered at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKind map[domain.BackendKind]Backend
	byID   map[string]Backend

	group   singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]cachedSchema
	now     func() time.Time
}

// NewRegistry registers the given backends. A later backend of the same kind
// replaces an earlier one.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{
		byKind: map[domain.BackendKind]Backend{},
		byID:   map[string]Backend{},
		cache:  map[string]cachedSchema{},
		now:    time.Now,
	}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[b.Kind()] = b
	r.byID[b.ID()] = b
}

// Get returns the backend for a kind.
func (r *Registry) Get(kind domain.BackendKind) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byKind[kind]
	return b, ok
}

// Resolve finds a backend by connection id or by kind name.
func (r *Registry) Resolve(idOrKind string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.byID[idOrKind]; ok {
		return b, true
	}
	b, ok := r.byKind[domain.BackendKind(idOrKind)]
	return b, ok
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []domain.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.BackendKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Schema returns the (cached) schema descriptor of one backend. Concurrent
// callers share a single DescribeSchema call.
func (r *Registry) Schema(ctx context.Context, b Backend) (*Schema, error) {
	key := b.ID()
	r.cacheMu.Lock()
	c, ok := r.cache[key]
	r.cacheMu.Unlock()
	if ok && r.now().Sub(c.fetched) < schemaTTL {
		return c.schema, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		s, err := b.DescribeSchema(ctx)
		if err != nil {
			return nil, err
		}
		r.cacheMu.Lock()
		r.cache[key] = cachedSchema{schema: s, fetched: r.now()}
		r.cacheMu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Schema: describe %s: %w", key, err)
	}
	return v.(*Schema), nil
}

// Schemas describes every registered backend. A backend whose description
// fails is left out and its error returned alongside the others.
func (r *Registry) Schemas(ctx context.Context) (map[domain.BackendKind]*Schema, map[domain.BackendKind]error) {
	out := map[domain.BackendKind]*Schema{}
	errs := map[domain.BackendKind]error{}
	for _, kind := range r.Kinds() {
		b, _ := r.Get(kind)
		s, err := r.Schema(ctx, b)
		if err != nil {
			errs[kind] = err
			continue
		}
		out[kind] = s
	}
	return out, errs
}

// Invalidate drops every cached schema.
func (r *Registry) Invalidate() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = map[string]cachedSchema{}
}
