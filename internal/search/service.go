package search

import (
	"context"

	"go.uber.org/zap"
)

// Index is the write side of the primary search backend.
type Index interface {
	Searcher
	IndexPost(p PostRecord) error
	DeletePost(id string) error
	IndexPosts(posts []PostRecord) error
}

// RecordLoader reads every indexable post from the system of record.
type RecordLoader interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]PostRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Index
	fallback RecordLoader
	logger   *zap.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is not configured.
func NewService(primary Index, fallback RecordLoader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: fallback, logger: logger.Named("search")}
	// A typed nil *Meili must not leak into the interface.
	if m, ok := primary.(*Meili); !ok || m != nil {
		s.primary = primary
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
// Hits are candidates only; callers must still apply visibility.
func (s *Service) Search(ctx context.Context, q Query) ([]Hit, int, error) {
	if s.primary != nil && s.primary.Healthy() {
		hits, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return nonNil(hits), total, nil
		}
		s.logger.Warn("primary search failed, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return []Hit{}, 0, nil
	}
	hits, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return nonNil(hits), total, nil
}

// IndexPost indexes a post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(p PostRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexPost(p); err != nil {
			s.logger.Warn("index post", zap.String("post_id", p.ID), zap.Error(err))
		}
	}()
}

// DeletePost removes a post from the search index (fire-and-forget).
func (s *Service) DeletePost(id string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeletePost(id); err != nil {
			s.logger.Warn("delete post from index", zap.String("post_id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every active post from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) int {
	if s.primary == nil || !s.primary.Healthy() || s.fallback == nil {
		return 0
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return 0
	}
	if err := s.primary.IndexPosts(records); err != nil {
		s.logger.Warn("reindex posts", zap.Int("count", len(records)), zap.Error(err))
		return 0
	}
	return len(records)
}

func nonNil(h []Hit) []Hit {
	if h == nil {
		return []Hit{}
	}
	return h
}
