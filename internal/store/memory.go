package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sitepress/api/internal/settings"
)

type storedVersion struct {
	version  settings.Version
	document settings.Document
}

// MemoryStore keeps everything in process. It backs tests and single-node
// development setups (STORE_DRIVER=memory).
type MemoryStore struct {
	mu          sync.Mutex
	stages      map[settings.Stage]settings.Document
	versions    map[string]*storedVersion
	deployments map[string]settings.Deployment
	lock        *settings.Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stages:      map[settings.Stage]settings.Document{},
		versions:    map[string]*storedVersion{},
		deployments: map[string]settings.Deployment{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) GetSettings(_ context.Context, stage settings.Stage) (settings.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.stages[stage]
	if !ok {
		return settings.Document{}, nil
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) PutSettings(_ context.Context, stage settings.Stage, doc settings.Document, _ string) (settings.Document, error) {
	normalized, err := settings.Normalize(doc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage] = normalized
	return normalized.Clone(), nil
}

func (s *MemoryStore) CopyStage(_ context.Context, from, to settings.Stage, _ string) (settings.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.stages[from].Clone()
	s.stages[to] = doc
	return doc.Clone(), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, filter VersionFilter) ([]settings.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	items := make([]settings.Version, 0, len(s.versions))
	for _, stored := range s.versions {
		v := stored.version
		if filter.Stage != "" && v.Stage != filter.Stage {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(v.Label), query) && !strings.Contains(strings.ToLower(v.Note), query) {
			continue
		}
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit := normalizeLimit(filter.Limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, id string) (settings.Version, settings.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.versions[id]
	if !ok {
		return settings.Version{}, nil, ErrNotFound
	}
	return stored.version, stored.document.Clone(), nil
}

func (s *MemoryStore) InsertVersion(_ context.Context, version settings.Version, doc settings.Document) error {
	normalized, err := settings.Normalize(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version.IsDefault = false
	s.versions[version.ID] = &storedVersion{version: version, document: normalized}
	return nil
}

func (s *MemoryStore) DeleteVersion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[id]; !ok {
		return ErrNotFound
	}
	for _, d := range s.deployments {
		if d.Status.Terminal() {
			continue
		}
		if d.SnapshotID == id || (d.FallbackSnapshotID != nil && *d.FallbackSnapshotID == id) {
			return ErrVersionInUse
		}
	}
	delete(s.versions, id)
	return nil
}

func (s *MemoryStore) SetDefaultVersion(_ context.Context, id string, now time.Time) (settings.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setDefaultLocked(id, now)
}

func (s *MemoryStore) setDefaultLocked(id string, now time.Time) (settings.Version, error) {
	target, ok := s.versions[id]
	if !ok {
		return settings.Version{}, ErrNotFound
	}
	if target.version.Stage != settings.StageLive {
		return settings.Version{}, ErrNotPublished
	}
	for otherID, stored := range s.versions {
		if otherID != id && stored.version.IsDefault {
			stored.version.IsDefault = false
			stored.version.UpdatedAt = now
		}
	}
	target.version.IsDefault = true
	target.version.UpdatedAt = now
	return target.version, nil
}

func (s *MemoryStore) DefaultVersion(context.Context) (*settings.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.versions {
		if stored.version.IsDefault {
			v := stored.version
			return &v, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PublishLive(_ context.Context, input PublishInput) (settings.Document, settings.Version, error) {
	live, err := settings.Normalize(input.Document)
	if err != nil {
		return nil, settings.Version{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := input.Version
	version.IsDefault = false
	s.stages[settings.StageLive] = live
	s.versions[version.ID] = &storedVersion{version: version, document: live.Clone()}
	if input.SetDefault {
		version, err = s.setDefaultLocked(version.ID, version.UpdatedAt)
		if err != nil {
			return nil, settings.Version{}, err
		}
	}
	return live.Clone(), version, nil
}

func (s *MemoryStore) ListDeployments(context.Context) ([]settings.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]settings.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		items = append(items, d)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartAt.Equal(items[j].StartAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].StartAt.Before(items[j].StartAt)
	})
	return items, nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, id string) (settings.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return settings.Deployment{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) InsertDeployment(_ context.Context, d settings.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.Status.Terminal() {
		for _, existing := range s.deployments {
			if !existing.Status.Terminal() && settings.Overlaps(existing, d) {
				return ErrDeploymentOverlap
			}
		}
	}
	s.deployments[d.ID] = d
	return nil
}

func (s *MemoryStore) TransitionDeployment(_ context.Context, d settings.Deployment, from settings.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deployments[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return ErrDeploymentStateChanged
	}
	current.Status = d.Status
	current.CancelledAt = d.CancelledAt
	current.OverrideReason = d.OverrideReason
	current.CompletedAt = d.CompletedAt
	current.UpdatedAt = d.UpdatedAt
	s.deployments[d.ID] = current
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, now time.Time) (*settings.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lock.Active(now) {
		return nil, nil
	}
	lock := *s.lock
	return &lock, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, email string, ttl time.Duration, now time.Time) (settings.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock.Active(now) {
		if s.lock.HolderEmail != email {
			return settings.Lock{}, &LockHeldError{Lock: *s.lock}
		}
		s.lock.ExpiresAt = now.Add(ttl)
		return *s.lock, nil
	}
	s.lock = &settings.Lock{HolderEmail: email, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return *s.lock, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.HolderEmail != email {
		return false, nil
	}
	s.lock = nil
	return true, nil
}
