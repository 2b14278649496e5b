package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sitepress/api/internal/app"
	"sitepress/api/internal/client"
	"sitepress/api/internal/config"
	"sitepress/api/internal/editor"
	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"SITECTL_URL", "SITECTL_TOKEN", "SITECTL_EMAIL", "SITECTL_OUTPUT", "SITECTL_TIMEOUT"} {
		t.Setenv(key, "")
	}
	svc := app.New(config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		LockTTL:       5 * time.Minute,
		LockMaxTTL:    time.Hour,
		EditorEmails:  []string{"ed@example.com", "other@example.com"},
		AdminEmails:   []string{"admin@example.com"},
	}, store.NewMemoryStore())
	server := httptest.NewServer(app.NewHTTPServer(svc, "*", nil).Handler())
	t.Cleanup(server.Close)
	return server.URL
}

func executeRootCommand(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--server", serverURL}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestLoginPrintsToken(t *testing.T) {
	url := newTestServer(t)

	stdout, err := executeRootCommand(t, url, "login", "ed@example.com", "-o", "json")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	var identity client.Identity
	if err := json.Unmarshal([]byte(stdout), &identity); err != nil {
		t.Fatalf("decode login output %q: %v", stdout, err)
	}
	if identity.Token == "" || identity.Email != "ed@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	stdout, err = executeRootCommand(t, url, "--token", identity.Token, "lock", "status")
	if err != nil {
		t.Fatalf("lock status with token failed: %v", err)
	}
	if !strings.Contains(stdout, "state: unlocked") {
		t.Fatalf("unexpected lock status: %q", stdout)
	}
}

func TestCommandWithoutCredentialsFails(t *testing.T) {
	url := newTestServer(t)

	_, err := executeRootCommand(t, url, "settings", "get")
	if err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("expected not signed in error, got %v", err)
	}
}

func TestSettingsSetThenGetDraft(t *testing.T) {
	url := newTestServer(t)

	if _, err := executeRootCommand(t, url, "--email", "ed@example.com", "settings", "set", "hero_title", `"Hi"`); err != nil {
		t.Fatalf("settings set failed: %v", err)
	}
	stdout, err := executeRootCommand(t, url, "--email", "ed@example.com", "settings", "get", "hero_title", "--stage", "draft")
	if err != nil {
		t.Fatalf("settings get failed: %v", err)
	}
	if strings.TrimSpace(stdout) != `"Hi"` {
		t.Fatalf("expected \"Hi\", got %q", stdout)
	}

	// set released the lock, so another editor can save right away.
	if _, err := executeRootCommand(t, url, "--email", "other@example.com", "settings", "set", "footer", `{"year":2026}`); err != nil {
		t.Fatalf("second editor set failed: %v", err)
	}
	if _, err := executeRootCommand(t, url, "--email", "other@example.com", "settings", "unset", "hero_title"); err != nil {
		t.Fatalf("settings unset failed: %v", err)
	}
	stdout, err = executeRootCommand(t, url, "--email", "ed@example.com", "-o", "json", "settings", "get", "--stage", "draft")
	if err != nil {
		t.Fatalf("settings get failed: %v", err)
	}
	var draft settings.Document
	if err := json.Unmarshal([]byte(stdout), &draft); err != nil {
		t.Fatalf("decode draft %q: %v", stdout, err)
	}
	if _, ok := draft["hero_title"]; ok || string(draft["footer"]) != `{"year":2026}` {
		t.Fatalf("unexpected draft: %v", draft)
	}
}

func TestSettingsSetRejectsInvalidJSON(t *testing.T) {
	url := newTestServer(t)

	_, err := executeRootCommand(t, url, "--email", "ed@example.com", "settings", "set", "hero_title", "Hi")
	if err == nil || !strings.Contains(err.Error(), "not JSON") {
		t.Fatalf("expected JSON error, got %v", err)
	}
}

func TestSettingsSetWhileLockedByOther(t *testing.T) {
	url := newTestServer(t)

	if _, err := executeRootCommand(t, url, "--email", "ed@example.com", "lock", "acquire"); err != nil {
		t.Fatalf("lock acquire failed: %v", err)
	}
	_, err := executeRootCommand(t, url, "--email", "other@example.com", "settings", "set", "hero_title", `"Mine"`)
	if !errors.Is(err, client.ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "ed@example.com") {
		t.Fatalf("expected holder in error, got %v", err)
	}
	if code := exitCode(err); code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}

	stdout, err := executeRootCommand(t, url, "--email", "ed@example.com", "lock", "release")
	if err != nil {
		t.Fatalf("lock release failed: %v", err)
	}
	if !strings.Contains(stdout, "released: true") {
		t.Fatalf("unexpected release output: %q", stdout)
	}
}

func TestPublishVersionsAndDeployments(t *testing.T) {
	url := newTestServer(t)
	admin := []string{"--email", "admin@example.com"}
	run := func(args ...string) string {
		t.Helper()
		stdout, err := executeRootCommand(t, url, append(admin, args...)...)
		if err != nil {
			t.Fatalf("%s failed: %v", strings.Join(args, " "), err)
		}
		return stdout
	}

	run("settings", "set", "banner", `"sale"`)
	run("settings", "publish", "--label", "Sale", "--default")

	var versions []settings.Version
	if err := json.Unmarshal([]byte(run("-o", "json", "versions", "list")), &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions) != 1 || !versions[0].IsDefault || versions[0].Kind != settings.VersionPublish {
		t.Fatalf("unexpected versions: %+v", versions)
	}
	id := versions[0].ID

	var d settings.Deployment
	if err := json.Unmarshal([]byte(run("-o", "json", "deployments", "schedule", id, "--start", "+1h", "--end", "+2h")), &d); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	if d.Status != settings.DeploymentScheduled {
		t.Fatalf("unexpected deployment: %+v", d)
	}

	_, err := executeRootCommand(t, url, append(admin, "deployments", "schedule", id, "--start", "+90m", "--end", "+3h")...)
	if !errors.Is(err, client.ErrValidationConflict) || exitCode(err) != 5 {
		t.Fatalf("expected overlap conflict, got %v", err)
	}

	out := run("deployments", "cancel", d.ID)
	if !strings.Contains(out, string(settings.DeploymentCancelled)) {
		t.Fatalf("unexpected cancel output: %q", out)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "+90m", want: now.Add(90 * time.Minute)},
		{in: "2026-11-27T00:00:00+01:00", want: time.Date(2026, 11, 26, 23, 0, 0, 0, time.UTC)},
		{in: "tomorrow", wantErr: true},
		{in: "+soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseWhen(tc.in, now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil || !got.Equal(tc.want) {
				t.Fatalf("parseWhen(%q) = %s, %v; want %s", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{client.ErrLockConflict, 3},
		{fmt.Errorf("save: %w", editor.ErrNotEditable), 3},
		{client.ErrPermissionDenied, 4},
		{client.ErrUnauthorized, 4},
		{client.ErrValidationConflict, 5},
		{client.ErrNotFound, 6},
		{client.ErrTransient, 7},
		{errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
