package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"sitepress/api/internal/clock"
	"sitepress/api/internal/config"
	"sitepress/api/internal/history"
	"sitepress/api/internal/rbac"
	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
)

var testStart = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// fakeStore wraps the in-memory store so tests can replace single calls.
type fakeStore struct {
	*store.MemoryStore
	pingFn        func(context.Context) error
	publishLiveFn func(context.Context, store.PublishInput) (settings.Document, settings.Version, error)
	putSettingsFn func(context.Context, settings.Stage, settings.Document, string) (settings.Document, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: store.NewMemoryStore()}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) PublishLive(ctx context.Context, input store.PublishInput) (settings.Document, settings.Version, error) {
	if f.publishLiveFn != nil {
		return f.publishLiveFn(ctx, input)
	}
	return f.MemoryStore.PublishLive(ctx, input)
}

func (f *fakeStore) PutSettings(ctx context.Context, stage settings.Stage, doc settings.Document, updatedBy string) (settings.Document, error) {
	if f.putSettingsFn != nil {
		return f.putSettingsFn(ctx, stage, doc, updatedBy)
	}
	return f.MemoryStore.PutSettings(ctx, stage, doc, updatedBy)
}

func testConfig() config.Config {
	return config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		LockTTL:       5 * time.Minute,
		LockMaxTTL:    time.Hour,
		EditorEmails:  []string{"ed@example.com", "other@example.com"},
		AdminEmails:   []string{"admin@example.com"},
	}
}

func newTestService(fs *fakeStore, opts ...Option) (*Service, *clock.Manual) {
	clk := clock.NewManual(testStart)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(testConfig(), fs, opts...), clk
}

func editor(email string) Session {
	return Session{Email: email, Role: rbac.RoleEditor}
}

func admin() Session {
	return Session{Email: "admin@example.com", Role: rbac.RoleAdmin}
}

func viewer() Session {
	return Session{Email: "view@example.com", Role: rbac.RoleViewer}
}

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, domainErr.Status, domainErr.Code, domainErr.Message)
	}
	return domainErr
}

func TestLoginAssignsRolesFromAllowlists(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	cases := []struct {
		email string
		want  rbac.Role
	}{
		{email: " Admin@Example.com ", want: rbac.RoleAdmin},
		{email: "ed@example.com", want: rbac.RoleEditor},
		{email: "stranger@example.com", want: rbac.RoleViewer},
	}
	for _, tc := range cases {
		t.Run(tc.email, func(t *testing.T) {
			session, err := svc.Login(context.Background(), tc.email)
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if session.Role != tc.want {
				t.Fatalf("role = %s, want %s", session.Role, tc.want)
			}
			parsed, err := svc.SessionFromToken(context.Background(), session.Token)
			if err != nil || parsed.Email != session.Email || parsed.Role != tc.want {
				t.Fatalf("SessionFromToken() = %+v, %v", parsed, err)
			}
		})
	}

	if _, err := svc.Login(context.Background(), "not-an-email"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoginWithoutAllowlistsGrantsAdmin(t *testing.T) {
	svc := New(config.Config{SessionSecret: "s", SessionTTL: time.Hour}, newFakeStore())
	session, err := svc.Login(context.Background(), "dev@example.com")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.Role != rbac.RoleAdmin {
		t.Fatalf("role = %s, want admin", session.Role)
	}
}

func TestPutDraftRespectsLock(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()
	doc := settings.Document{"hero_title": json.RawMessage(`"Hi"`)}

	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, doc); err != nil {
		t.Fatalf("unlocked PutDraft() error = %v", err)
	}
	if _, err := svc.AcquireLock(ctx, editor("ed@example.com"), 0); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	_, err := svc.PutDraft(ctx, editor("other@example.com"), settings.StageDraft, doc)
	domainErr := requireDomainError(t, err, http.StatusLocked, "LOCK_CONFLICT")
	details, _ := domainErr.Details.(map[string]any)
	if lock, _ := details["lock"].(settings.Lock); lock.HolderEmail != "ed@example.com" {
		t.Fatalf("expected holder in details, got %+v", domainErr.Details)
	}

	saved, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, settings.Document{"hero_title": json.RawMessage(` "Hello" `)})
	if err != nil {
		t.Fatalf("holder PutDraft() error = %v", err)
	}
	if string(saved["hero_title"]) != `"Hello"` {
		t.Fatalf("expected canonical value, got %s", saved["hero_title"])
	}

	_, err = svc.PutDraft(ctx, editor("ed@example.com"), settings.StageLive, doc)
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.PutDraft(ctx, viewer(), settings.StageDraft, doc)
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestLockExclusionAndExpiry(t *testing.T) {
	svc, clk := newTestService(newFakeStore())
	ctx := context.Background()

	lock, err := svc.AcquireLock(ctx, editor("ed@example.com"), 300)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if !lock.ExpiresAt.Equal(testStart.Add(5 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v", lock.ExpiresAt)
	}

	_, err = svc.AcquireLock(ctx, editor("other@example.com"), 300)
	requireDomainError(t, err, http.StatusLocked, "LOCK_CONFLICT")

	released, err := svc.ReleaseLock(ctx, editor("other@example.com"))
	if err != nil || released {
		t.Fatalf("non-holder release = %v, %v", released, err)
	}

	clk.Advance(5*time.Minute + time.Second)
	current, err := svc.GetLock(ctx, editor("other@example.com"))
	if err != nil || current != nil {
		t.Fatalf("expected expired lock to read as absent, got %+v, %v", current, err)
	}
	taken, err := svc.AcquireLock(ctx, editor("other@example.com"), 300)
	if err != nil || taken.HolderEmail != "other@example.com" {
		t.Fatalf("takeover = %+v, %v", taken, err)
	}

	_, err = svc.GetLock(ctx, viewer())
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestLockTTLIsClamped(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	cases := []struct {
		seconds int
		want    time.Duration
	}{
		{seconds: 0, want: 5 * time.Minute},
		{seconds: -4, want: 5 * time.Minute},
		{seconds: 30, want: 30 * time.Second},
		{seconds: 100000, want: time.Hour},
	}
	for _, tc := range cases {
		if got := svc.lockTTL(tc.seconds); got != tc.want {
			t.Fatalf("lockTTL(%d) = %v, want %v", tc.seconds, got, tc.want)
		}
	}
}

func TestPullLiveCopiesLiveIntoDraft(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()
	live := settings.Document{"hero_title": json.RawMessage(`"Live"`)}
	if _, err := fs.MemoryStore.PutSettings(ctx, settings.StageLive, live, "seed"); err != nil {
		t.Fatalf("seed live: %v", err)
	}

	draft, err := svc.PullLive(ctx, editor("ed@example.com"))
	if err != nil {
		t.Fatalf("PullLive() error = %v", err)
	}
	if !draft.Equal(live) {
		t.Fatalf("draft = %v, want %v", draft, live)
	}
}

func TestPublishWritesLiveAndVersion(t *testing.T) {
	fs := newFakeStore()
	journal := history.New(t.TempDir())
	svc, _ := newTestService(fs, WithJournal(journal))
	ctx := context.Background()

	draft := settings.Document{"cta": json.RawMessage(`{"label":"Buy"}`)}
	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, draft); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}

	live, version, err := svc.Publish(ctx, editor("ed@example.com"), PublishInput{Label: "Spring", Note: "launch"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !live.Equal(draft) {
		t.Fatalf("live = %v", live)
	}
	if version.Stage != settings.StageLive || version.Kind != settings.VersionPublish || version.PublishedAt == nil {
		t.Fatalf("unexpected publish version %+v", version)
	}
	if version.Label != "Spring" || version.IsDefault {
		t.Fatalf("unexpected label/default %+v", version)
	}

	entries, err := svc.History(ctx, viewer(), settings.StageLive, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("History() = %+v, %v", entries, err)
	}

	_, _, err = svc.Publish(ctx, editor("ed@example.com"), PublishInput{SetDefault: true})
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, withDefault, err := svc.Publish(ctx, admin(), PublishInput{SetDefault: true})
	if err != nil || !withDefault.IsDefault {
		t.Fatalf("Publish(setDefault) = %+v, %v", withDefault, err)
	}
}

func TestPublishSelectedVersion(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, settings.Document{"v": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}
	snapshot, err := svc.CreateVersion(ctx, editor("ed@example.com"), CreateVersionInput{Label: "One", Stage: settings.StageDraft})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, settings.Document{"v": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}

	live, version, err := svc.Publish(ctx, editor("ed@example.com"), PublishInput{VersionID: snapshot.ID})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if string(live["v"]) != "1" || version.Label != "One" {
		t.Fatalf("published %v as %+v", live, version)
	}

	_, _, err = svc.Publish(ctx, editor("ed@example.com"), PublishInput{VersionID: "ver_missing"})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestPublishFailureLeavesNoJournalEntry(t *testing.T) {
	fs := newFakeStore()
	fs.publishLiveFn = func(context.Context, store.PublishInput) (settings.Document, settings.Version, error) {
		return nil, settings.Version{}, errors.New("tx aborted")
	}
	journal := history.New(t.TempDir())
	svc, _ := newTestService(fs, WithJournal(journal))

	if _, _, err := svc.Publish(context.Background(), editor("ed@example.com"), PublishInput{}); err == nil {
		t.Fatal("expected publish error")
	}
	entries, err := journal.History(settings.StageLive, 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("History() = %+v, %v", entries, err)
	}
}

func TestVersionLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()

	draftVersion, err := svc.CreateVersion(ctx, editor("ed@example.com"), CreateVersionInput{Note: "wip"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if draftVersion.Stage != settings.StageDraft || draftVersion.Kind != settings.VersionManual || draftVersion.Label == "" {
		t.Fatalf("unexpected version %+v", draftVersion)
	}

	_, err = svc.SetDefaultVersion(ctx, admin(), draftVersion.ID)
	requireDomainError(t, err, http.StatusConflict, "CONFLICT")
	_, err = svc.SetDefaultVersion(ctx, editor("ed@example.com"), draftVersion.ID)
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, first, err := svc.Publish(ctx, editor("ed@example.com"), PublishInput{Label: "first"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_, second, err := svc.Publish(ctx, editor("ed@example.com"), PublishInput{Label: "second"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, id := range []string{first.ID, second.ID, first.ID} {
		if _, err := svc.SetDefaultVersion(ctx, admin(), id); err != nil {
			t.Fatalf("SetDefaultVersion(%s) error = %v", id, err)
		}
	}
	versions, err := svc.ListVersions(ctx, viewer(), VersionListInput{})
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	defaults := 0
	for _, v := range versions {
		if v.IsDefault {
			defaults++
			if v.ID != first.ID {
				t.Fatalf("wrong default %s", v.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	if err := svc.DeleteVersion(ctx, admin(), draftVersion.ID); err != nil {
		t.Fatalf("DeleteVersion() error = %v", err)
	}
	err = svc.DeleteVersion(ctx, admin(), draftVersion.ID)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestRestoreVersionOverwritesDraft(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, settings.Document{"a": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}
	snapshot, err := svc.CreateVersion(ctx, editor("ed@example.com"), CreateVersionInput{Label: "a=1"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if _, err := svc.PutDraft(ctx, editor("ed@example.com"), settings.StageDraft, settings.Document{"a": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}

	restored, err := svc.RestoreVersion(ctx, editor("ed@example.com"), snapshot.ID)
	if err != nil {
		t.Fatalf("RestoreVersion() error = %v", err)
	}
	if string(restored["a"]) != "1" {
		t.Fatalf("restored = %v", restored)
	}

	if _, err := svc.AcquireLock(ctx, editor("ed@example.com"), 0); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	_, err = svc.RestoreVersion(ctx, editor("other@example.com"), snapshot.ID)
	requireDomainError(t, err, http.StatusLocked, "LOCK_CONFLICT")

	_, err = svc.RestoreVersion(ctx, editor("ed@example.com"), "ver_missing")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func seedSnapshot(t *testing.T, svc *Service, label, value string) settings.Version {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.PutDraft(ctx, admin(), settings.StageDraft, settings.Document{"banner": json.RawMessage(value)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}
	version, err := svc.CreateVersion(ctx, admin(), CreateVersionInput{Label: label})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	return version
}

func TestScheduleRejectsOverlap(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	ctx := context.Background()
	snapshot := seedSnapshot(t, svc, "sale", `"sale"`)

	t0 := testStart.Add(24 * time.Hour)
	window := func(start, end time.Duration) ScheduleInput {
		e := t0.Add(end)
		return ScheduleInput{SnapshotID: snapshot.ID, StartAt: t0.Add(start), EndAt: &e}
	}

	if _, err := svc.ScheduleDeployment(ctx, admin(), window(0, time.Hour)); err != nil {
		t.Fatalf("D1 error = %v", err)
	}
	_, err := svc.ScheduleDeployment(ctx, admin(), window(30*time.Minute, 90*time.Minute))
	requireDomainError(t, err, http.StatusConflict, "CONFLICT")
	if _, err := svc.ScheduleDeployment(ctx, admin(), window(time.Hour, 2*time.Hour)); err != nil {
		t.Fatalf("D3 error = %v", err)
	}

	_, err = svc.ScheduleDeployment(ctx, admin(), window(3*time.Hour, 3*time.Hour))
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	_, err = svc.ScheduleDeployment(ctx, admin(), ScheduleInput{SnapshotID: "ver_missing", StartAt: t0.Add(10 * time.Hour)})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = svc.ScheduleDeployment(ctx, editor("ed@example.com"), window(5*time.Hour, 6*time.Hour))
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestCancelDeployment(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()
	snapshot := seedSnapshot(t, svc, "sale", `"sale"`)

	d, err := svc.ScheduleDeployment(ctx, admin(), ScheduleInput{SnapshotID: snapshot.ID, StartAt: testStart.Add(time.Hour)})
	if err != nil {
		t.Fatalf("ScheduleDeployment() error = %v", err)
	}

	_, err = svc.CancelDeployment(ctx, admin(), d.ID, true)
	requireDomainError(t, err, http.StatusConflict, "CONFLICT")

	if _, err := svc.PutDraft(ctx, admin(), settings.StageDraft, settings.Document{"banner": json.RawMessage(`"normal"`)}); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}
	if _, _, err := svc.Publish(ctx, admin(), PublishInput{Label: "normal", SetDefault: true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := fs.MemoryStore.PutSettings(ctx, settings.StageLive, settings.Document{"banner": json.RawMessage(`"drifted"`)}, "test"); err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}

	cancelled, err := svc.CancelDeployment(ctx, admin(), d.ID, true)
	if err != nil {
		t.Fatalf("CancelDeployment() error = %v", err)
	}
	if cancelled.Status != settings.DeploymentCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected deployment %+v", cancelled)
	}
	live, err := svc.GetSettings(ctx, viewer(), settings.StageLive)
	if err != nil || string(live["banner"]) != `"normal"` {
		t.Fatalf("expected default snapshot to be live, got %v, %v", live, err)
	}

	_, err = svc.CancelDeployment(ctx, admin(), d.ID, false)
	requireDomainError(t, err, http.StatusConflict, "CONFLICT")
	_, err = svc.CancelDeployment(ctx, admin(), "dep_missing", false)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCancelDeploymentPublishFailureIsRetryable(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(fs)
	ctx := context.Background()
	normal := seedSnapshot(t, svc, "normal", `"normal"`)
	sale := seedSnapshot(t, svc, "sale", `"sale"`)

	d, err := svc.ScheduleDeployment(ctx, admin(), ScheduleInput{
		SnapshotID:         sale.ID,
		StartAt:            testStart.Add(time.Hour),
		FallbackSnapshotID: &normal.ID,
	})
	if err != nil {
		t.Fatalf("ScheduleDeployment() error = %v", err)
	}

	fs.publishLiveFn = func(context.Context, store.PublishInput) (settings.Document, settings.Version, error) {
		return nil, settings.Version{}, errors.New("db down")
	}
	if _, err := svc.CancelDeployment(ctx, admin(), d.ID, true); err == nil {
		t.Fatal("expected cancel error")
	}
	stored, err := fs.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if stored.Status != settings.DeploymentScheduled || stored.CancelledAt != nil {
		t.Fatalf("failed cancel changed deployment: %+v", stored)
	}

	fs.publishLiveFn = nil
	cancelled, err := svc.CancelDeployment(ctx, admin(), d.ID, true)
	if err != nil {
		t.Fatalf("retry CancelDeployment() error = %v", err)
	}
	if cancelled.Status != settings.DeploymentCancelled {
		t.Fatalf("unexpected deployment %+v", cancelled)
	}
	live, err := svc.GetSettings(ctx, viewer(), settings.StageLive)
	if err != nil || string(live["banner"]) != `"normal"` {
		t.Fatalf("expected fallback live, got %v, %v", live, err)
	}
}

func TestOverrideDeployment(t *testing.T) {
	fs := newFakeStore()
	svc, clk := newTestService(fs)
	ctx := context.Background()
	snapshot := seedSnapshot(t, svc, "sale", `"sale"`)

	d, err := svc.ScheduleDeployment(ctx, admin(), ScheduleInput{SnapshotID: snapshot.ID, StartAt: testStart.Add(time.Minute)})
	if err != nil {
		t.Fatalf("ScheduleDeployment() error = %v", err)
	}
	_, err = svc.OverrideDeployment(ctx, admin(), d.ID, "stop")
	requireDomainError(t, err, http.StatusConflict, "CONFLICT")

	clk.Advance(2 * time.Minute)
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	_, err = svc.OverrideDeployment(ctx, admin(), d.ID, "   ")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	before, err := svc.GetSettings(ctx, viewer(), settings.StageLive)
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	overridden, err := svc.OverrideDeployment(ctx, admin(), d.ID, "pricing error")
	if err != nil {
		t.Fatalf("OverrideDeployment() error = %v", err)
	}
	if overridden.Status != settings.DeploymentCompleted || overridden.OverrideReason == nil || *overridden.OverrideReason != "pricing error" {
		t.Fatalf("unexpected deployment %+v", overridden)
	}
	after, err := svc.GetSettings(ctx, viewer(), settings.StageLive)
	if err != nil || !after.Equal(before) {
		t.Fatalf("override must not publish: before=%v after=%v err=%v", before, after, err)
	}
}
