package editor

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sitepress/api/internal/client"
	"sitepress/api/internal/clock"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
)

type fakeDeploymentStore struct {
	cancelFn func(context.Context, string, bool) (settings.Deployment, error)
}

func (f *fakeDeploymentStore) ListDeployments(context.Context) ([]settings.Deployment, error) {
	return []settings.Deployment{}, nil
}

func (f *fakeDeploymentStore) ScheduleDeployment(context.Context, client.ScheduleRequest) (settings.Deployment, error) {
	return settings.Deployment{}, nil
}

func (f *fakeDeploymentStore) CancelDeployment(ctx context.Context, id string, applyFallback bool) (settings.Deployment, error) {
	return f.cancelFn(ctx, id, applyFallback)
}

func (f *fakeDeploymentStore) OverrideDeployment(context.Context, string, string) (settings.Deployment, error) {
	return settings.Deployment{}, nil
}

func TestCancelLogsFailedLiveReload(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fs := &fakeStore{}
	s := NewSession(fs, "me@example.com", Options{
		Clock:  clock.NewManual(fakeNow),
		Logger: &logger.Logger{SugaredLogger: zap.New(core).Sugar()},
	})
	t.Cleanup(s.Close)
	s.Load(context.Background(), settings.StageLive)

	fs.getSettingsFn = func(context.Context, settings.Stage) (settings.Document, error) {
		return nil, transient()
	}
	deployments := NewDeployments(&fakeDeploymentStore{
		cancelFn: func(_ context.Context, id string, _ bool) (settings.Deployment, error) {
			return settings.Deployment{ID: id, Status: settings.DeploymentCancelled}, nil
		},
	}, s)

	cancelled, err := deployments.Cancel(context.Background(), "dep_1", true)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != settings.DeploymentCancelled {
		t.Fatalf("unexpected deployment %+v", cancelled)
	}
	if s.Ready() {
		t.Fatal("expected failed reload to leave the session not ready")
	}
	if logs.FilterMessage("live reload after deployment change failed").Len() != 1 {
		t.Fatalf("expected reload warning, got %v", logs.All())
	}
}
