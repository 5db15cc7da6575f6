package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/domain"
)

type stubBackend struct {
	kind      domain.BackendKind
	id        string
	describes atomic.Int32
	delay     time.Duration
	err       error
}

func (s *stubBackend) Kind() domain.BackendKind { return s.kind }
func (s *stubBackend) ID() string               { return s.id }
func (s *stubBackend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*RawResult, error) {
	return &RawResult{}, nil
}
func (s *stubBackend) ValidateSyntax(text string) error { return nil }
func (s *stubBackend) DescribeSchema(ctx context.Context) (*Schema, error) {
	s.describes.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return &Schema{Backend: s.kind, ID: s.id}, nil
}

func TestRegistry_Lookup(t *testing.T) {
	g := &stubBackend{kind: domain.BackendGraph, id: "graph"}
	pg := &stubBackend{kind: domain.BackendRelational, id: "pg-main"}
	r := NewRegistry(g, pg)

	b, ok := r.Get(domain.BackendRelational)
	require.True(t, ok)
	assert.Same(t, pg, b)

	b, ok = r.Resolve("pg-main")
	require.True(t, ok)
	assert.Same(t, pg, b)

	b, ok = r.Resolve("graph")
	require.True(t, ok)
	assert.Same(t, g, b)

	_, ok = r.Resolve("vector")
	assert.False(t, ok)

	assert.Equal(t, []domain.BackendKind{domain.BackendGraph, domain.BackendRelational}, r.Kinds())
}

func TestRegistry_SchemaCached(t *testing.T) {
	g := &stubBackend{kind: domain.BackendGraph, id: "graph", delay: 20 * time.Millisecond}
	r := NewRegistry(g)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Schema(context.Background(), g)
			assert.NoError(t, err)
			assert.Equal(t, "graph", s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), g.describes.Load())

	_, err := r.Schema(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int32(1), g.describes.Load(), "served from cache")

	now = now.Add(schemaTTL + time.Second)
	_, err = r.Schema(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.describes.Load(), "refreshed after ttl")

	r.Invalidate()
	_, err = r.Schema(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int32(3), g.describes.Load())
}

func TestRegistry_SchemasReportsFailures(t *testing.T) {
	g := &stubBackend{kind: domain.BackendGraph, id: "graph"}
	v := &stubBackend{kind: domain.BackendVector, id: "qdrant", err: errors.New("connection refused")}
	r := NewRegistry(g, v)

	schemas, errs := r.Schemas(context.Background())
	assert.Contains(t, schemas, domain.BackendGraph)
	assert.NotContains(t, schemas, domain.BackendVector)
	require.Contains(t, errs, domain.BackendVector)
	assert.ErrorContains(t, errs[domain.BackendVector], "connection refused")
}
