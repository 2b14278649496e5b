package store

import (
	"errors"
	"fmt"

	"sitepress/api/internal/settings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDeploymentOverlap      = errors.New("deployment window overlaps an active deployment")
	ErrDeploymentStateChanged = errors.New("deployment status changed concurrently")
	ErrNotPublished           = errors.New("only published snapshots can be the default")
	ErrVersionInUse           = errors.New("version is referenced by an active deployment")
)

// LockHeldError reports that an active draft lock belongs to someone else.
type LockHeldError struct {
	Lock settings.Lock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("draft lock held by %s until %s", e.Lock.HolderEmail, e.Lock.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
}

// VersionFilter narrows ListVersions. Zero values mean "no filter".
type VersionFilter struct {
	Limit int
	Stage settings.Stage
	Query string
}

// PublishInput is everything PublishLive writes in one transaction.
type PublishInput struct {
	Document   settings.Document
	Version    settings.Version
	SetDefault bool
	UpdatedBy  string
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
