package editor

import (
	"context"
	"fmt"
	"time"

	"sitepress/api/internal/client"
	"sitepress/api/internal/settings"
)

// Deployments schedules and steers timed publishes. Status changes driven by
// the server scheduler are only seen through List. Nothing here retries.
type Deployments struct {
	store   DeploymentStore
	session *Session
}

func NewDeployments(store DeploymentStore, session *Session) *Deployments {
	return &Deployments{store: store, session: session}
}

type Schedule struct {
	SnapshotID         string
	StartAt            time.Time
	EndAt              *time.Time
	FallbackSnapshotID string
}

func (d *Deployments) List(ctx context.Context) ([]settings.Deployment, error) {
	deployments, err := d.store.ListDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return deployments, nil
}

// Schedule books a window. An overlapping window fails with
// client.ErrValidationConflict.
func (d *Deployments) Schedule(ctx context.Context, input Schedule) (settings.Deployment, error) {
	req := client.ScheduleRequest{
		SnapshotID: input.SnapshotID,
		StartAt:    input.StartAt.UTC(),
	}
	if input.EndAt != nil {
		end := input.EndAt.UTC()
		req.EndAt = &end
	}
	if input.FallbackSnapshotID != "" {
		fallback := input.FallbackSnapshotID
		req.FallbackSnapshotID = &fallback
	}
	deployment, err := d.store.ScheduleDeployment(ctx, req)
	if err != nil {
		return settings.Deployment{}, fmt.Errorf("schedule deployment: %w", err)
	}
	return deployment, nil
}

// Cancel stops a deployment. With applyFallback the server publishes the
// fallback (or default) snapshot, and a session showing live is reloaded.
func (d *Deployments) Cancel(ctx context.Context, id string, applyFallback bool) (settings.Deployment, error) {
	deployment, err := d.store.CancelDeployment(ctx, id, applyFallback)
	if err != nil {
		return settings.Deployment{}, fmt.Errorf("cancel deployment %s: %w", id, err)
	}
	if applyFallback {
		d.reloadLive(ctx)
	}
	return deployment, nil
}

// Override ends a running deployment early. It publishes nothing; the
// operator publishes the replacement.
func (d *Deployments) Override(ctx context.Context, id, reason string) (settings.Deployment, error) {
	deployment, err := d.store.OverrideDeployment(ctx, id, reason)
	if err != nil {
		return settings.Deployment{}, fmt.Errorf("override deployment %s: %w", id, err)
	}
	return deployment, nil
}

func (d *Deployments) reloadLive(ctx context.Context) {
	if d.session == nil || d.session.Stage() != settings.StageLive {
		return
	}
	if err := d.session.Reload(ctx); err != nil {
		d.session.log.Warn("live reload after deployment change failed", "error", err)
	}
}
