package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	hits     []Hit
	err      error
	indexed  []PostRecord
	deleted  []string
	queries  []Query
	indexErr error
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Hit, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.hits, len(f.hits), f.err
}

func (f *fakeIndex) IndexPost(p PostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, p)
	return f.indexErr
}

func (f *fakeIndex) DeletePost(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.indexErr
}

func (f *fakeIndex) IndexPosts(posts []PostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, posts...)
	return f.indexErr
}

func (f *fakeIndex) snapshot() ([]PostRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PostRecord(nil), f.indexed...), append([]string(nil), f.deleted...)
}

type fakeLoader struct {
	hits    []Hit
	err     error
	records []PostRecord
	loadErr error
	calls   int
}

func (f *fakeLoader) Healthy() bool { return true }

func (f *fakeLoader) Search(context.Context, Query) ([]Hit, int, error) {
	f.calls++
	return f.hits, len(f.hits), f.err
}

func (f *fakeLoader) LoadAllRecords(context.Context) ([]PostRecord, error) {
	return f.records, f.loadErr
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: true, hits: []Hit{{PostID: "pst_1"}}}
	fallback := &fakeLoader{hits: []Hit{{PostID: "pst_2"}}}
	svc := NewService(primary, fallback, nil)

	hits, total, err := svc.Search(context.Background(), Query{Text: "intake"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "pst_1", hits[0].PostID)
	assert.Zero(t, fallback.calls)
}

func TestSearchFallsBackWhenPrimaryFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	primary := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeLoader{hits: []Hit{{PostID: "pst_2"}}}
	svc := NewService(primary, fallback, zap.New(core))

	hits, _, err := svc.Search(context.Background(), Query{Text: "intake"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pst_2", hits[0].PostID)
	assert.Equal(t, 1, logs.FilterMessage("primary search failed, falling back to pgfts").Len())
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false, hits: []Hit{{PostID: "pst_1"}}}
	fallback := &fakeLoader{}
	svc := NewService(primary, fallback, nil)

	hits, total, err := svc.Search(context.Background(), Query{Text: "intake"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NotNil(t, hits)
	assert.Zero(t, total)
	assert.Empty(t, primary.queries)
	assert.Equal(t, 1, fallback.calls)
}

func TestSearchWithoutPrimary(t *testing.T) {
	var m *Meili
	fallback := &fakeLoader{hits: []Hit{{PostID: "pst_9"}}}
	svc := NewService(m, fallback, nil)

	hits, _, err := svc.Search(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "pst_9", hits[0].PostID)
}

func TestIndexAndDeleteAreAsync(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, &fakeLoader{}, nil)

	svc.IndexPost(PostRecord{ID: "pst_1", Status: "active"})
	svc.DeletePost("pst_2")

	require.Eventually(t, func() bool {
		indexed, deleted := primary.snapshot()
		return len(indexed) == 1 && len(deleted) == 1
	}, time.Second, 5*time.Millisecond)
	indexed, deleted := primary.snapshot()
	assert.Equal(t, "pst_1", indexed[0].ID)
	assert.Equal(t, "pst_2", deleted[0])
}

func TestIndexSkippedWhenPrimaryUnhealthy(t *testing.T) {
	primary := &fakeIndex{healthy: false}
	svc := NewService(primary, &fakeLoader{}, nil)

	svc.IndexPost(PostRecord{ID: "pst_1"})
	time.Sleep(20 * time.Millisecond)
	indexed, _ := primary.snapshot()
	assert.Empty(t, indexed)
}

func TestReindexAllFromPG(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	loader := &fakeLoader{records: []PostRecord{{ID: "pst_1"}, {ID: "pst_2"}}}
	svc := NewService(primary, loader, nil)

	assert.Equal(t, 2, svc.ReindexAllFromPG(context.Background()))
	indexed, _ := primary.snapshot()
	assert.Len(t, indexed, 2)

	loader.loadErr = errors.New("db down")
	assert.Zero(t, svc.ReindexAllFromPG(context.Background()))
}

func TestQueryNormalized(t *testing.T) {
	q := Query{Text: "a", Limit: 0, Offset: -3}.normalized()
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, 0, q.Offset)

	q = Query{Limit: 500}.normalized()
	assert.Equal(t, 20, q.Limit)

	q = Query{Limit: 7, Offset: 14}.normalized()
	assert.Equal(t, 7, q.Limit)
	assert.Equal(t, 14, q.Offset)
}
