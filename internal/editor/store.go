// Package editor is the client-side core of the settings editor: the working
// session over a stage, the draft lock state machine and the version and
// deployment managers. It talks to the settings store only through the
// interfaces below, which *client.Client satisfies.
package editor

import (
	"context"
	"errors"

	"sitepress/api/internal/client"
	"sitepress/api/internal/settings"
)

// ErrNotEditable is returned by draft writes when the session is not on the
// draft stage or does not hold the draft lock. No request is sent.
var ErrNotEditable = errors.New("draft is not editable: switch to draft and hold the lock")

type SettingsStore interface {
	GetSettings(ctx context.Context, stage settings.Stage) (settings.Document, error)
	PutSettings(ctx context.Context, stage settings.Stage, doc settings.Document) (settings.Document, error)
	PullLive(ctx context.Context) (settings.Document, error)
	Publish(ctx context.Context, req client.PublishRequest) (settings.Document, settings.Version, error)
}

type LockStore interface {
	GetLock(ctx context.Context) (*settings.Lock, error)
	AcquireLock(ctx context.Context, ttlSeconds int) (settings.Lock, error)
	ReleaseLock(ctx context.Context) (bool, error)
	ReleaseLockAsync() <-chan error
}

type VersionStore interface {
	ListVersions(ctx context.Context, q client.VersionQuery) ([]settings.Version, error)
	CreateVersion(ctx context.Context, req client.CreateVersionRequest) (settings.Version, error)
	RestoreVersion(ctx context.Context, id string) (settings.Document, error)
	DeleteVersion(ctx context.Context, id string) error
	SetDefaultVersion(ctx context.Context, id string) (settings.Version, error)
}

type DeploymentStore interface {
	ListDeployments(ctx context.Context) ([]settings.Deployment, error)
	ScheduleDeployment(ctx context.Context, req client.ScheduleRequest) (settings.Deployment, error)
	CancelDeployment(ctx context.Context, id string, applyFallback bool) (settings.Deployment, error)
	OverrideDeployment(ctx context.Context, id, reason string) (settings.Deployment, error)
}

// Store is everything a Session needs.
type Store interface {
	SettingsStore
	LockStore
}

var (
	_ Store           = (*client.Client)(nil)
	_ VersionStore    = (*client.Client)(nil)
	_ DeploymentStore = (*client.Client)(nil)
)
