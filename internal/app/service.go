package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitepress/api/internal/auth"
	"sitepress/api/internal/clock"
	"sitepress/api/internal/config"
	"sitepress/api/internal/history"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/rbac"
	"sitepress/api/internal/search"
	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
	"sitepress/api/internal/util"
)

// SchedulerActor is recorded as the author of publishes made by the
// deployment scheduler.
const SchedulerActor = "scheduler@sitepress.local"

type Session struct {
	Token     string
	Email     string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

type PublishInput struct {
	VersionID  string `json:"versionId"`
	Label      string `json:"label"`
	Note       string `json:"note"`
	SetDefault bool   `json:"setDefault"`
}

type CreateVersionInput struct {
	Label string         `json:"label"`
	Note  string         `json:"note"`
	Stage settings.Stage `json:"stage"`
}

type ScheduleInput struct {
	SnapshotID         string     `json:"snapshotId"`
	StartAt            time.Time  `json:"startAt"`
	EndAt              *time.Time `json:"endAt"`
	FallbackSnapshotID *string    `json:"fallbackSnapshotId"`
}

type VersionListInput struct {
	Limit int
	Stage settings.Stage
	Query string
}

// DataStore is implemented by store.PostgresStore and store.MemoryStore.
type DataStore interface {
	Ping(context.Context) error
	GetSettings(context.Context, settings.Stage) (settings.Document, error)
	PutSettings(context.Context, settings.Stage, settings.Document, string) (settings.Document, error)
	CopyStage(context.Context, settings.Stage, settings.Stage, string) (settings.Document, error)
	ListVersions(context.Context, store.VersionFilter) ([]settings.Version, error)
	GetVersion(context.Context, string) (settings.Version, settings.Document, error)
	InsertVersion(context.Context, settings.Version, settings.Document) error
	DeleteVersion(context.Context, string) error
	SetDefaultVersion(context.Context, string, time.Time) (settings.Version, error)
	DefaultVersion(context.Context) (*settings.Version, error)
	PublishLive(context.Context, store.PublishInput) (settings.Document, settings.Version, error)
	ListDeployments(context.Context) ([]settings.Deployment, error)
	GetDeployment(context.Context, string) (settings.Deployment, error)
	InsertDeployment(context.Context, settings.Deployment) error
	TransitionDeployment(context.Context, settings.Deployment, settings.DeploymentStatus) error
}

type LockStore interface {
	GetLock(context.Context, time.Time) (*settings.Lock, error)
	AcquireLock(context.Context, string, time.Duration, time.Time) (settings.Lock, error)
	ReleaseLock(context.Context, string) (bool, error)
}

type Option func(*Service)

// WithLockStore keeps the draft lock outside the data store (Redis).
func WithLockStore(locks LockStore) Option {
	return func(s *Service) {
		if locks != nil {
			s.locks = locks
		}
	}
}

func WithJournal(journal *history.Journal) Option {
	return func(s *Service) {
		s.journal = journal
	}
}

func WithSearch(index *search.Service) Option {
	return func(s *Service) {
		s.search = index
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

type Service struct {
	cfg     config.Config
	store   DataStore
	locks   LockStore
	journal *history.Journal
	search  *search.Service
	clock   clock.Clock
	log     *logger.Logger
}

// New builds the service. When data also implements the lock operations and
// no WithLockStore option is given, the draft lock lives in the data store.
func New(cfg config.Config, data DataStore, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		store: data,
		clock: clock.Real{},
		log:   logger.Nop(),
	}
	if locks, ok := data.(LockStore); ok {
		s.locks = locks
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Login issues a session token for email. The role comes from the configured
// allowlists; with no allowlists configured every identity is an admin.
func (s *Service) Login(_ context.Context, email string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return Session{}, validationError("A valid email is required")
	}

	role := s.roleFor(email)
	ttl := s.cfg.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	claims := auth.NewClaims(email, string(role), ttl, s.now())
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, Email: claims.Email, Role: role, JTI: claims.JTI, ExpiresAt: claims.ExpiresAt()}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Email:     claims.Email,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) roleFor(email string) rbac.Role {
	if len(s.cfg.AdminEmails) == 0 && len(s.cfg.EditorEmails) == 0 {
		return rbac.RoleAdmin
	}
	for _, candidate := range s.cfg.AdminEmails {
		if candidate == email {
			return rbac.RoleAdmin
		}
	}
	for _, candidate := range s.cfg.EditorEmails {
		if candidate == email {
			return rbac.RoleEditor
		}
	}
	return rbac.RoleViewer
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden()
	}
	return nil
}

func (s *Service) GetSettings(ctx context.Context, session Session, stage settings.Stage) (settings.Document, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !stage.Valid() {
		return nil, validationError("stage must be live or draft")
	}
	return s.store.GetSettings(ctx, stage)
}

// PutDraft replaces the draft document. Only the draft stage is writable and
// only while no one else holds an active lock.
func (s *Service) PutDraft(ctx context.Context, session Session, stage settings.Stage, doc settings.Document) (settings.Document, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if stage != settings.StageDraft {
		return nil, validationError("only the draft stage can be written")
	}
	if err := doc.Validate(); err != nil {
		return nil, validationError(err.Error())
	}
	if err := s.ensureDraftWritable(ctx, session.Email); err != nil {
		return nil, err
	}
	return s.store.PutSettings(ctx, settings.StageDraft, doc, session.Email)
}

func (s *Service) ensureDraftWritable(ctx context.Context, email string) error {
	lock, err := s.locks.GetLock(ctx, s.now())
	if err != nil {
		return err
	}
	if lock != nil && lock.HolderEmail != email {
		return lockConflictError(*lock)
	}
	return nil
}

func (s *Service) GetLock(ctx context.Context, session Session) (*settings.Lock, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return nil, err
	}
	return s.locks.GetLock(ctx, s.now())
}

func (s *Service) AcquireLock(ctx context.Context, session Session, ttlSeconds int) (settings.Lock, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return settings.Lock{}, err
	}
	lock, err := s.locks.AcquireLock(ctx, session.Email, s.lockTTL(ttlSeconds), s.now())
	if err != nil {
		var held *store.LockHeldError
		if errors.As(err, &held) {
			return settings.Lock{}, lockConflictError(held.Lock)
		}
		return settings.Lock{}, err
	}
	return lock, nil
}

func (s *Service) lockTTL(ttlSeconds int) time.Duration {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 {
		ttl = s.cfg.LockTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if s.cfg.LockMaxTTL > 0 && ttl > s.cfg.LockMaxTTL {
		ttl = s.cfg.LockMaxTTL
	}
	return ttl
}

func (s *Service) ReleaseLock(ctx context.Context, session Session) (bool, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return false, err
	}
	return s.locks.ReleaseLock(ctx, session.Email)
}

// PullLive overwrites the draft with the live document.
func (s *Service) PullLive(ctx context.Context, session Session) (settings.Document, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if err := s.ensureDraftWritable(ctx, session.Email); err != nil {
		return nil, err
	}
	draft, err := s.store.CopyStage(ctx, settings.StageLive, settings.StageDraft, session.Email)
	if err != nil {
		return nil, err
	}
	s.record(settings.StageDraft, draft, session.Email, "Pull live into draft")
	return draft, nil
}

// Publish copies the draft, or the selected version, into live and records a
// publish version in the same store transaction.
func (s *Service) Publish(ctx context.Context, session Session, input PublishInput) (settings.Document, settings.Version, error) {
	if err := s.require(session, rbac.ActionPublish); err != nil {
		return nil, settings.Version{}, err
	}
	if input.SetDefault {
		if err := s.require(session, rbac.ActionAdmin); err != nil {
			return nil, settings.Version{}, err
		}
	}

	var (
		doc    settings.Document
		source string
		err    error
	)
	versionID := strings.TrimSpace(input.VersionID)
	if versionID == "" {
		doc, err = s.store.GetSettings(ctx, settings.StageDraft)
		if err != nil {
			return nil, settings.Version{}, err
		}
		source = "draft"
	} else {
		var selected settings.Version
		selected, doc, err = s.store.GetVersion(ctx, versionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, settings.Version{}, notFoundError("Version not found")
		}
		if err != nil {
			return nil, settings.Version{}, err
		}
		source = "version " + selected.ID
		if strings.TrimSpace(input.Label) == "" {
			input.Label = selected.Label
		}
	}
	return s.publishDocument(ctx, doc, session.Email, input.Label, input.Note, source, input.SetDefault)
}

func (s *Service) publishDocument(ctx context.Context, doc settings.Document, actor, label, note, source string, setDefault bool) (settings.Document, settings.Version, error) {
	now := s.now()
	label = strings.TrimSpace(label)
	if label == "" {
		label = "Publish " + now.Format("2006-01-02 15:04 UTC")
	}
	published := now
	version := settings.Version{
		ID:          util.NewID("ver"),
		Stage:       settings.StageLive,
		Label:       label,
		Note:        strings.TrimSpace(note),
		AuthorEmail: actor,
		CreatedAt:   now,
		UpdatedAt:   now,
		Kind:        settings.VersionPublish,
		PublishedAt: &published,
	}
	live, version, err := s.store.PublishLive(ctx, store.PublishInput{
		Document:   doc,
		Version:    version,
		SetDefault: setDefault,
		UpdatedBy:  actor,
	})
	if err != nil {
		return nil, settings.Version{}, fmt.Errorf("publish %s: %w", source, err)
	}
	s.record(settings.StageLive, live, actor, fmt.Sprintf("Publish %s (%s)", source, version.ID))
	s.search.IndexVersion(version)
	s.log.Info("published settings", "source", source, "versionID", version.ID, "actor", actor)
	return live, version, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, input VersionListInput) ([]settings.Version, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if input.Stage != "" && !input.Stage.Valid() {
		return nil, validationError("stage must be live or draft")
	}
	query := strings.TrimSpace(input.Query)
	if query == "" || s.search == nil {
		return s.store.ListVersions(ctx, store.VersionFilter{Limit: input.Limit, Stage: input.Stage, Query: query})
	}

	resp := s.search.Search(ctx, search.Query{Text: query, Stage: input.Stage, Limit: input.Limit})
	versions := make([]settings.Version, 0, len(resp.Results))
	for _, hit := range resp.Results {
		version, _, err := s.store.GetVersion(ctx, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

func (s *Service) CreateVersion(ctx context.Context, session Session, input CreateVersionInput) (settings.Version, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return settings.Version{}, err
	}
	stage := input.Stage
	if stage == "" {
		stage = settings.StageDraft
	}
	if !stage.Valid() {
		return settings.Version{}, validationError("stage must be live or draft")
	}
	doc, err := s.store.GetSettings(ctx, stage)
	if err != nil {
		return settings.Version{}, err
	}
	now := s.now()
	label := strings.TrimSpace(input.Label)
	if label == "" {
		label = fmt.Sprintf("%s snapshot %s", stage, now.Format("2006-01-02 15:04 UTC"))
	}
	version := settings.Version{
		ID:          util.NewID("ver"),
		Stage:       stage,
		Label:       label,
		Note:        strings.TrimSpace(input.Note),
		AuthorEmail: session.Email,
		CreatedAt:   now,
		UpdatedAt:   now,
		Kind:        settings.VersionManual,
	}
	if err := s.store.InsertVersion(ctx, version, doc); err != nil {
		return settings.Version{}, err
	}
	s.search.IndexVersion(version)
	return version, nil
}

// RestoreVersion overwrites the draft with a version's document.
func (s *Service) RestoreVersion(ctx context.Context, session Session, id string) (settings.Document, error) {
	if err := s.require(session, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if err := s.ensureDraftWritable(ctx, session.Email); err != nil {
		return nil, err
	}
	version, doc, err := s.store.GetVersion(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("Version not found")
	}
	if err != nil {
		return nil, err
	}
	draft, err := s.store.PutSettings(ctx, settings.StageDraft, doc, session.Email)
	if err != nil {
		return nil, err
	}
	s.record(settings.StageDraft, draft, session.Email, fmt.Sprintf("Restore %s (%s)", version.Label, version.ID))
	return draft, nil
}

func (s *Service) SetDefaultVersion(ctx context.Context, session Session, id string) (settings.Version, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return settings.Version{}, err
	}
	version, err := s.store.SetDefaultVersion(ctx, id, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return settings.Version{}, notFoundError("Version not found")
	case errors.Is(err, store.ErrNotPublished):
		return settings.Version{}, conflictError("Only published snapshots can be the default")
	case err != nil:
		return settings.Version{}, err
	}
	return version, nil
}

func (s *Service) DeleteVersion(ctx context.Context, session Session, id string) error {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return err
	}
	err := s.store.DeleteVersion(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError("Version not found")
	case errors.Is(err, store.ErrVersionInUse):
		return conflictError("Version is used by a scheduled or running deployment")
	case err != nil:
		return err
	}
	s.search.DeleteVersion(id)
	return nil
}

func (s *Service) ListDeployments(ctx context.Context, session Session) ([]settings.Deployment, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListDeployments(ctx)
}

func (s *Service) ScheduleDeployment(ctx context.Context, session Session, input ScheduleInput) (settings.Deployment, error) {
	if err := s.require(session, rbac.ActionDeploy); err != nil {
		return settings.Deployment{}, err
	}
	snapshotID := strings.TrimSpace(input.SnapshotID)
	if snapshotID == "" {
		return settings.Deployment{}, validationError("snapshotId is required")
	}
	if input.StartAt.IsZero() {
		return settings.Deployment{}, validationError("startAt is required")
	}
	if input.EndAt != nil && !input.EndAt.After(input.StartAt) {
		return settings.Deployment{}, validationError("endAt must be after startAt")
	}
	if _, _, err := s.store.GetVersion(ctx, snapshotID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return settings.Deployment{}, notFoundError("Snapshot not found")
		}
		return settings.Deployment{}, err
	}
	var fallback *string
	if input.FallbackSnapshotID != nil && strings.TrimSpace(*input.FallbackSnapshotID) != "" {
		id := strings.TrimSpace(*input.FallbackSnapshotID)
		if _, _, err := s.store.GetVersion(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return settings.Deployment{}, notFoundError("Fallback snapshot not found")
			}
			return settings.Deployment{}, err
		}
		fallback = &id
	}

	now := s.now()
	deployment := settings.Deployment{
		ID:                 util.NewID("dep"),
		SnapshotID:         snapshotID,
		FallbackSnapshotID: fallback,
		StartAt:            input.StartAt.UTC(),
		Status:             settings.DeploymentScheduled,
		CreatedBy:          session.Email,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if input.EndAt != nil {
		end := input.EndAt.UTC()
		deployment.EndAt = &end
	}
	if err := s.store.InsertDeployment(ctx, deployment); err != nil {
		if errors.Is(err, store.ErrDeploymentOverlap) {
			return settings.Deployment{}, conflictError("Deployment window overlaps an existing scheduled or running deployment")
		}
		return settings.Deployment{}, err
	}
	return deployment, nil
}

// CancelDeployment stops a scheduled or running deployment. With
// applyFallback it first publishes the fallback snapshot, or the default
// snapshot when the deployment has none, and the deployment is only marked
// cancelled once that publish succeeded.
func (s *Service) CancelDeployment(ctx context.Context, session Session, id string, applyFallback bool) (settings.Deployment, error) {
	if err := s.require(session, rbac.ActionDeploy); err != nil {
		return settings.Deployment{}, err
	}
	deployment, err := s.getDeployment(ctx, id)
	if err != nil {
		return settings.Deployment{}, err
	}
	if deployment.Status.Terminal() {
		return settings.Deployment{}, conflictError(fmt.Sprintf("Deployment is already %s", deployment.Status))
	}

	var target string
	if applyFallback {
		target, err = s.fallbackTarget(ctx, deployment)
		if err != nil {
			return settings.Deployment{}, err
		}
		if target == "" {
			return settings.Deployment{}, conflictError("Deployment has no fallback snapshot and no default snapshot is set")
		}
	}

	if target != "" {
		if err := s.publishSnapshot(ctx, target, session.Email, "fallback for cancelled deployment "+deployment.ID); err != nil {
			return settings.Deployment{}, err
		}
	}

	from := deployment.Status
	now := s.now()
	deployment.Status = settings.DeploymentCancelled
	deployment.CancelledAt = &now
	deployment.UpdatedAt = now
	if err := s.transition(ctx, deployment, from); err != nil {
		return settings.Deployment{}, err
	}
	return deployment, nil
}

// OverrideDeployment ends a running deployment early. It publishes nothing.
func (s *Service) OverrideDeployment(ctx context.Context, session Session, id, reason string) (settings.Deployment, error) {
	if err := s.require(session, rbac.ActionDeploy); err != nil {
		return settings.Deployment{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return settings.Deployment{}, validationError("reason is required")
	}
	deployment, err := s.getDeployment(ctx, id)
	if err != nil {
		return settings.Deployment{}, err
	}
	if deployment.Status != settings.DeploymentRunning {
		return settings.Deployment{}, conflictError("Only running deployments can be overridden")
	}

	now := s.now()
	deployment.Status = settings.DeploymentCompleted
	deployment.OverrideReason = &reason
	deployment.CompletedAt = &now
	deployment.UpdatedAt = now
	if err := s.transition(ctx, deployment, settings.DeploymentRunning); err != nil {
		return settings.Deployment{}, err
	}
	s.log.Info("deployment overridden", "deploymentID", deployment.ID, "actor", session.Email)
	return deployment, nil
}

func (s *Service) History(_ context.Context, session Session, stage settings.Stage, limit int) ([]history.Entry, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !stage.Valid() {
		return nil, validationError("stage must be live or draft")
	}
	if s.journal == nil {
		return []history.Entry{}, nil
	}
	return s.journal.History(stage, limit)
}

func (s *Service) getDeployment(ctx context.Context, id string) (settings.Deployment, error) {
	deployment, err := s.store.GetDeployment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return settings.Deployment{}, notFoundError("Deployment not found")
	}
	return deployment, err
}

func (s *Service) transition(ctx context.Context, deployment settings.Deployment, from settings.DeploymentStatus) error {
	err := s.store.TransitionDeployment(ctx, deployment, from)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError("Deployment not found")
	case errors.Is(err, store.ErrDeploymentStateChanged):
		return conflictError("Deployment status changed, reload and try again")
	}
	return err
}

func (s *Service) fallbackTarget(ctx context.Context, deployment settings.Deployment) (string, error) {
	if deployment.FallbackSnapshotID != nil && *deployment.FallbackSnapshotID != "" {
		return *deployment.FallbackSnapshotID, nil
	}
	def, err := s.store.DefaultVersion(ctx)
	if err != nil {
		return "", err
	}
	if def == nil {
		return "", nil
	}
	return def.ID, nil
}

func (s *Service) publishSnapshot(ctx context.Context, versionID, actor, reason string) error {
	version, doc, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", versionID, err)
	}
	_, _, err = s.publishDocument(ctx, doc, actor, version.Label, reason, "version "+version.ID, false)
	return err
}

func (s *Service) record(stage settings.Stage, doc settings.Document, author, message string) {
	if s.journal == nil {
		return
	}
	if _, _, err := s.journal.Record(stage, doc, author, message); err != nil {
		s.log.Warn("journal record failed", "stage", stage, "error", err)
	}
}
