package editor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"sitepress/api/internal/client"
	"sitepress/api/internal/settings"
)

type fakeStore struct {
	mu sync.Mutex

	getSettingsFn func(context.Context, settings.Stage) (settings.Document, error)
	putSettingsFn func(context.Context, settings.Stage, settings.Document) (settings.Document, error)
	pullLiveFn    func(context.Context) (settings.Document, error)
	publishFn     func(context.Context, client.PublishRequest) (settings.Document, settings.Version, error)
	getLockFn     func(context.Context) (*settings.Lock, error)
	acquireLockFn func(context.Context, int) (settings.Lock, error)
	releaseLockFn func(context.Context) (bool, error)

	puts          []settings.Document
	acquireCalls  int
	releaseCalls  int
	releaseAsyncs int
}

var fakeNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func (f *fakeStore) GetSettings(ctx context.Context, stage settings.Stage) (settings.Document, error) {
	if f.getSettingsFn != nil {
		return f.getSettingsFn(ctx, stage)
	}
	return settings.Document{}, nil
}

func (f *fakeStore) PutSettings(ctx context.Context, stage settings.Stage, doc settings.Document) (settings.Document, error) {
	f.mu.Lock()
	f.puts = append(f.puts, doc.Clone())
	f.mu.Unlock()
	if f.putSettingsFn != nil {
		return f.putSettingsFn(ctx, stage, doc)
	}
	return settings.Normalize(doc)
}

func (f *fakeStore) PullLive(ctx context.Context) (settings.Document, error) {
	if f.pullLiveFn != nil {
		return f.pullLiveFn(ctx)
	}
	return settings.Document{}, nil
}

func (f *fakeStore) Publish(ctx context.Context, req client.PublishRequest) (settings.Document, settings.Version, error) {
	if f.publishFn != nil {
		return f.publishFn(ctx, req)
	}
	return settings.Document{}, settings.Version{ID: "ver_1", Stage: settings.StageLive}, nil
}

func (f *fakeStore) GetLock(ctx context.Context) (*settings.Lock, error) {
	if f.getLockFn != nil {
		return f.getLockFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, ttlSeconds int) (settings.Lock, error) {
	f.mu.Lock()
	f.acquireCalls++
	f.mu.Unlock()
	if f.acquireLockFn != nil {
		return f.acquireLockFn(ctx, ttlSeconds)
	}
	return settings.Lock{
		HolderEmail: "me@example.com",
		AcquiredAt:  fakeNow,
		ExpiresAt:   fakeNow.Add(time.Duration(ttlSeconds) * time.Second),
	}, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.releaseCalls++
	f.mu.Unlock()
	if f.releaseLockFn != nil {
		return f.releaseLockFn(ctx)
	}
	return true, nil
}

func (f *fakeStore) ReleaseLockAsync() <-chan error {
	f.mu.Lock()
	f.releaseAsyncs++
	f.mu.Unlock()
	done := make(chan error, 1)
	done <- nil
	return done
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func (f *fakeStore) counts() (acquire, release, releaseAsync int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireCalls, f.releaseCalls, f.releaseAsyncs
}

func lockConflict(holder string) error {
	return &client.Error{
		Kind:    client.KindLockConflict,
		Status:  http.StatusLocked,
		Code:    "LOCK_CONFLICT",
		Message: "Draft is locked by " + holder,
		Lock:    &settings.Lock{HolderEmail: holder, AcquiredAt: fakeNow, ExpiresAt: fakeNow.Add(5 * time.Minute)},
	}
}

func transient() error {
	return &client.Error{Kind: client.KindTransient, Message: "network error"}
}
