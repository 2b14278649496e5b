package search

import (
	"context"
	"strings"

	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
)

type versionLister interface {
	ListVersions(ctx context.Context, filter store.VersionFilter) ([]settings.Version, error)
}

// StoreSearcher answers searches with the store's substring match on label
// and note. It is used whenever Meilisearch is absent or unhealthy.
type StoreSearcher struct {
	store versionLister
}

func NewStoreSearcher(s versionLister) *StoreSearcher {
	return &StoreSearcher{store: s}
}

// Healthy always returns true; the store backs the whole API anyway.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	versions, err := s.store.ListVersions(ctx, store.VersionFilter{Limit: limit, Stage: q.Stage, Query: q.Text})
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(versions))
	for _, v := range versions {
		results = append(results, Result{
			ID:          v.ID,
			Label:       v.Label,
			Snippet:     v.Note,
			Stage:       v.Stage,
			AuthorEmail: v.AuthorEmail,
		})
	}
	return results, len(results), nil
}

// LoadAllRecords reads every stored version for a bulk reindex.
func (s *StoreSearcher) LoadAllRecords(ctx context.Context) ([]VersionRecord, error) {
	versions, err := s.store.ListVersions(ctx, store.VersionFilter{Limit: 500})
	if err != nil {
		return nil, err
	}
	records := make([]VersionRecord, 0, len(versions))
	for _, v := range versions {
		records = append(records, RecordFromVersion(v))
	}
	return records, nil
}
