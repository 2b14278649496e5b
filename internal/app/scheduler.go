package app

import (
	"context"
	"time"

	"sitepress/api/internal/settings"
)

// RunScheduler advances deployments every interval until ctx is done.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.log.Info("deployment scheduler started", "interval", interval.String())
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("deployment scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("deployment scheduler stopped")
			return
		case <-s.clock.After(interval):
		}
	}
}

// Tick applies every due transition once. Running deployments whose window
// closed complete before scheduled ones start, so back-to-back windows end
// with the later snapshot live.
func (s *Service) Tick(ctx context.Context) error {
	deployments, err := s.store.ListDeployments(ctx)
	if err != nil {
		return err
	}
	now := s.now()

	for _, d := range deployments {
		if d.Status != settings.DeploymentRunning || d.EndAt == nil || d.EndAt.After(now) {
			continue
		}
		s.completeDeployment(ctx, d, now)
	}
	for _, d := range deployments {
		if d.Status != settings.DeploymentScheduled || d.StartAt.After(now) {
			continue
		}
		if d.EndAt != nil && !d.EndAt.After(now) {
			s.expireDeployment(ctx, d, now)
			continue
		}
		s.startDeployment(ctx, d, now)
	}
	return nil
}

// startDeployment publishes the snapshot before marking the deployment
// running, so a failed publish is retried on the next tick.
func (s *Service) startDeployment(ctx context.Context, d settings.Deployment, now time.Time) {
	if err := s.publishSnapshot(ctx, d.SnapshotID, SchedulerActor, "deployment "+d.ID+" started"); err != nil {
		s.log.Error("publish deployment snapshot failed", "deploymentID", d.ID, "snapshotID", d.SnapshotID, "error", err)
		return
	}
	d.Status = settings.DeploymentRunning
	d.UpdatedAt = now
	if err := s.store.TransitionDeployment(ctx, d, settings.DeploymentScheduled); err != nil {
		s.log.Warn("start deployment failed", "deploymentID", d.ID, "error", err)
		return
	}
	s.log.Info("deployment started", "deploymentID", d.ID, "snapshotID", d.SnapshotID)
}

// completeDeployment publishes the fallback, if any, before marking the
// deployment completed. Same retry rule as startDeployment.
func (s *Service) completeDeployment(ctx context.Context, d settings.Deployment, now time.Time) {
	target, err := s.fallbackTarget(ctx, d)
	if err != nil {
		s.log.Error("resolve fallback failed", "deploymentID", d.ID, "error", err)
		return
	}
	if target != "" {
		if err := s.publishSnapshot(ctx, target, SchedulerActor, "fallback after deployment "+d.ID); err != nil {
			s.log.Error("publish fallback failed", "deploymentID", d.ID, "snapshotID", target, "error", err)
			return
		}
	}
	d.Status = settings.DeploymentCompleted
	d.CompletedAt = &now
	d.UpdatedAt = now
	if err := s.store.TransitionDeployment(ctx, d, settings.DeploymentRunning); err != nil {
		s.log.Warn("complete deployment failed", "deploymentID", d.ID, "error", err)
		return
	}
	if target == "" {
		s.log.Info("deployment completed without fallback", "deploymentID", d.ID)
		return
	}
	s.log.Info("deployment completed", "deploymentID", d.ID, "fallbackID", target)
}

// expireDeployment closes a scheduled deployment whose whole window passed
// before the scheduler saw it.
func (s *Service) expireDeployment(ctx context.Context, d settings.Deployment, now time.Time) {
	d.Status = settings.DeploymentCompleted
	d.CompletedAt = &now
	d.UpdatedAt = now
	if err := s.store.TransitionDeployment(ctx, d, settings.DeploymentScheduled); err != nil {
		s.log.Warn("expire deployment failed", "deploymentID", d.ID, "error", err)
		return
	}
	s.log.Warn("deployment window elapsed before start", "deploymentID", d.ID)
}
