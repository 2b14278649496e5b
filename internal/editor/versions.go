package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitepress/api/internal/client"
	"sitepress/api/internal/settings"
)

// Versions manages snapshots. When bound to a session, Restore refreshes the
// session's draft copy.
type Versions struct {
	store   VersionStore
	session *Session
}

func NewVersions(store VersionStore, session *Session) *Versions {
	return &Versions{store: store, session: session}
}

type CreateVersion struct {
	Label string
	Note  string
	Stage settings.Stage
}

func (v *Versions) Create(ctx context.Context, input CreateVersion) (settings.Version, error) {
	stage := input.Stage
	if stage == "" {
		stage = settings.StageDraft
	}
	version, err := v.store.CreateVersion(ctx, client.CreateVersionRequest{
		Label: strings.TrimSpace(input.Label),
		Note:  strings.TrimSpace(input.Note),
		Stage: stage,
	})
	if err != nil {
		return settings.Version{}, fmt.Errorf("create version: %w", err)
	}
	return version, nil
}

type ListVersions struct {
	Limit int
	Stage settings.Stage
	Query string
}

func (v *Versions) List(ctx context.Context, input ListVersions) ([]settings.Version, error) {
	versions, err := v.store.ListVersions(ctx, client.VersionQuery{
		Limit: input.Limit,
		Stage: input.Stage,
		Query: input.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// Restore overwrites the draft with the version's document and returns the
// new draft. Repeating it yields the same draft. A bound session must hold
// the draft lock.
func (v *Versions) Restore(ctx context.Context, id string) (settings.Document, error) {
	if v.session != nil && v.session.Lock().State() != HeldByMe {
		return nil, ErrNotEditable
	}
	doc, err := v.store.RestoreVersion(ctx, id)
	if err != nil {
		if v.session != nil {
			v.session.Lock().observe(err)
		}
		return nil, fmt.Errorf("restore version %s: %w", id, err)
	}
	if v.session != nil {
		v.session.replaceDraft(doc)
	}
	return doc, nil
}

// Delete removes a version. A version that is already gone counts as deleted.
func (v *Versions) Delete(ctx context.Context, id string) error {
	err := v.store.DeleteVersion(ctx, id)
	if err == nil || errors.Is(err, client.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete version %s: %w", id, err)
}

// SetDefault flags a published version as the default fallback. The server
// clears the previous default in the same operation.
func (v *Versions) SetDefault(ctx context.Context, id string) (settings.Version, error) {
	version, err := v.store.SetDefaultVersion(ctx, id)
	if err != nil {
		return settings.Version{}, fmt.Errorf("set default version %s: %w", id, err)
	}
	return version, nil
}
