package search

import (
	"context"
	"time"

	"sitepress/api/internal/settings"
)

// Result is a single version hit returned to the caller.
type Result struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Snippet     string         `json:"snippet"`
	Stage       settings.Stage `json:"stage"`
	AuthorEmail string         `json:"authorEmail"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Stage settings.Stage // empty = both stages
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a version search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also takes writes. *Meili implements it.
type Index interface {
	Searcher
	IndexVersions(records []VersionRecord) error
	DeleteVersion(id string) error
}

// Source is the authoritative searcher, able to list every record for a
// reindex. *StoreSearcher implements it.
type Source interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]VersionRecord, error)
}

var (
	_ Index  = (*Meili)(nil)
	_ Source = (*StoreSearcher)(nil)
)

// VersionRecord is the data we index for a snapshot.
type VersionRecord struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Note        string `json:"note"`
	Stage       string `json:"stage"`
	Kind        string `json:"kind"`
	AuthorEmail string `json:"authorEmail"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordFromVersion(v settings.Version) VersionRecord {
	return VersionRecord{
		ID:          v.ID,
		Label:       v.Label,
		Note:        v.Note,
		Stage:       string(v.Stage),
		Kind:        string(v.Kind),
		AuthorEmail: v.AuthorEmail,
		CreatedAt:   v.CreatedAt.UTC().Truncate(time.Second).Unix(),
	}
}
