package search

import (
	"context"

	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
)

// Service is the facade that tries the index (Meilisearch) first and falls
// back to the store.
type Service struct {
	index    Index
	fallback Source
	log      *logger.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Source, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{index: index, fallback: fallback, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to store search", "error", err)
	}
	if s.fallback == nil || !s.fallback.Healthy() {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("store search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexVersion indexes a snapshot (fire-and-forget to Meilisearch).
func (s *Service) IndexVersion(v settings.Version) {
	if s == nil || s.index == nil || !s.index.Healthy() {
		return
	}
	record := RecordFromVersion(v)
	go func() {
		if err := s.index.IndexVersions([]VersionRecord{record}); err != nil {
			s.log.Warn("index version failed", "versionID", record.ID, "error", err)
		}
	}()
}

// DeleteVersion removes a snapshot from the search index (fire-and-forget).
func (s *Service) DeleteVersion(id string) {
	if s == nil || s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.DeleteVersion(id); err != nil {
			s.log.Warn("delete version from index failed", "versionID", id, "error", err)
		}
	}()
}

// ReindexFromStore pushes every stored version into Meilisearch.
func (s *Service) ReindexFromStore(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", "error", err)
		return
	}
	if err := s.index.IndexVersions(records); err != nil {
		s.log.Warn("reindex versions failed", "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
