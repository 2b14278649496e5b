package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sitepress/api/internal/settings"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetSettings(ctx context.Context, stage settings.Stage) (settings.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM settings_stages WHERE stage=$1`, string(stage)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s settings: %w", stage, err)
	}
	return decodeDocument(raw)
}

func (s *PostgresStore) PutSettings(ctx context.Context, stage settings.Stage, doc settings.Document, updatedBy string) (settings.Document, error) {
	return putSettings(ctx, s.db, stage, doc, updatedBy)
}

// CopyStage overwrites the target stage with the source stage's document, or
// with an empty document when the source was never written.
func (s *PostgresStore) CopyStage(ctx context.Context, from, to settings.Stage, updatedBy string) (settings.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO settings_stages (stage, document, updated_by, updated_at)
		VALUES ($2, COALESCE((SELECT document FROM settings_stages WHERE stage=$1), '{}'::jsonb), $3, NOW())
		ON CONFLICT (stage) DO UPDATE SET document=EXCLUDED.document, updated_by=EXCLUDED.updated_by, updated_at=EXCLUDED.updated_at
		RETURNING document
	`, string(from), string(to), updatedBy).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("copy %s settings to %s: %w", from, to, err)
	}
	return decodeDocument(raw)
}

func (s *PostgresStore) ListVersions(ctx context.Context, filter VersionFilter) ([]settings.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM settings_versions WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		query += fmt.Sprintf(" AND stage=$%d", len(args))
	}
	if text := strings.TrimSpace(filter.Query); text != "" {
		args = append(args, "%"+text+"%")
		query += fmt.Sprintf(" AND (label ILIKE $%d OR note ILIKE $%d)", len(args), len(args))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]settings.Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (settings.Version, settings.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+`, document FROM settings_versions WHERE id=$1`, id)
	var raw []byte
	version, err := scanVersion(row, &raw)
	if err != nil {
		return settings.Version{}, nil, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return settings.Version{}, nil, err
	}
	return version, doc, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, version settings.Version, doc settings.Document) error {
	return insertVersion(ctx, s.db, version, doc)
}

func (s *PostgresStore) DeleteVersion(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inUse bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM settings_deployments
			WHERE status IN ('scheduled', 'running') AND (snapshot_id=$1 OR fallback_snapshot_id=$1)
		)
	`, id).Scan(&inUse); err != nil {
		return fmt.Errorf("check version references: %w", err)
	}
	if inUse {
		return ErrVersionInUse
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM settings_versions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete version: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDefaultVersion(ctx context.Context, id string, now time.Time) (settings.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return settings.Version{}, fmt.Errorf("begin set default: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := setDefaultVersion(ctx, tx, id, now)
	if err != nil {
		return settings.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return settings.Version{}, fmt.Errorf("commit set default: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) DefaultVersion(ctx context.Context) (*settings.Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM settings_versions WHERE is_default LIMIT 1`)
	version, err := scanVersion(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// PublishLive writes the live document and records the publish snapshot in
// one transaction.
func (s *PostgresStore) PublishLive(ctx context.Context, input PublishInput) (settings.Document, settings.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, settings.Version{}, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	live, err := putSettings(ctx, tx, settings.StageLive, input.Document, input.UpdatedBy)
	if err != nil {
		return nil, settings.Version{}, err
	}
	if err := insertVersion(ctx, tx, input.Version, live); err != nil {
		return nil, settings.Version{}, err
	}
	version := input.Version
	if input.SetDefault {
		version, err = setDefaultVersion(ctx, tx, version.ID, version.UpdatedAt)
		if err != nil {
			return nil, settings.Version{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, settings.Version{}, fmt.Errorf("commit publish: %w", err)
	}
	return live, version, nil
}

func (s *PostgresStore) ListDeployments(ctx context.Context) ([]settings.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM settings_deployments ORDER BY start_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	items := make([]settings.Deployment, 0)
	for rows.Next() {
		item, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (settings.Deployment, error) {
	return scanDeployment(s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM settings_deployments WHERE id=$1`, id))
}

func (s *PostgresStore) InsertDeployment(ctx context.Context, d settings.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings_deployments (id, snapshot_id, fallback_snapshot_id, start_at, end_at, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.SnapshotID, nullString(d.FallbackSnapshotID), d.StartAt, nullTime(d.EndAt), string(d.Status), d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
			return ErrDeploymentOverlap
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// TransitionDeployment persists d's lifecycle fields only if the stored status
// still equals from.
func (s *PostgresStore) TransitionDeployment(ctx context.Context, d settings.Deployment, from settings.DeploymentStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settings_deployments
		SET status=$3, cancelled_at=$4, override_reason=$5, completed_at=$6, updated_at=$7
		WHERE id=$1 AND status=$2
	`, d.ID, string(from), string(d.Status), nullTime(d.CancelledAt), nullString(d.OverrideReason), nullTime(d.CompletedAt), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	if _, err := s.GetDeployment(ctx, d.ID); err != nil {
		return err
	}
	return ErrDeploymentStateChanged
}

func (s *PostgresStore) GetLock(ctx context.Context, now time.Time) (*settings.Lock, error) {
	var lock settings.Lock
	err := s.db.QueryRowContext(ctx, `SELECT holder_email, acquired_at, expires_at FROM draft_locks WHERE id=1`).
		Scan(&lock.HolderEmail, &lock.AcquiredAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read draft lock: %w", err)
	}
	if !lock.Active(now) {
		return nil, nil
	}
	return &lock, nil
}

// AcquireLock takes the draft lock for email, or extends it when email
// already holds it. An expired row is overwritten, never consulted.
func (s *PostgresStore) AcquireLock(ctx context.Context, email string, ttl time.Duration, now time.Time) (settings.Lock, error) {
	var lock settings.Lock
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO draft_locks (id, holder_email, acquired_at, expires_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			holder_email = EXCLUDED.holder_email,
			acquired_at = CASE
				WHEN draft_locks.holder_email = EXCLUDED.holder_email AND draft_locks.expires_at > $2 THEN draft_locks.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
			expires_at = EXCLUDED.expires_at
		WHERE draft_locks.holder_email = EXCLUDED.holder_email OR draft_locks.expires_at <= $2
		RETURNING holder_email, acquired_at, expires_at
	`, email, now, now.Add(ttl)).Scan(&lock.HolderEmail, &lock.AcquiredAt, &lock.ExpiresAt)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return settings.Lock{}, fmt.Errorf("acquire draft lock: %w", err)
	}
	current, err := s.GetLock(ctx, now)
	if err != nil {
		return settings.Lock{}, err
	}
	if current == nil {
		return settings.Lock{}, fmt.Errorf("acquire draft lock: lock changed concurrently")
	}
	return settings.Lock{}, &LockHeldError{Lock: *current}
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, email string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM draft_locks WHERE id=1 AND holder_email=$1`, email)
	if err != nil {
		return false, fmt.Errorf("release draft lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putSettings(ctx context.Context, db execQuerier, stage settings.Stage, doc settings.Document, updatedBy string) (settings.Document, error) {
	payload, err := doc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	var raw []byte
	err = db.QueryRowContext(ctx, `
		INSERT INTO settings_stages (stage, document, updated_by, updated_at)
		VALUES ($1, $2::jsonb, $3, NOW())
		ON CONFLICT (stage) DO UPDATE SET document=EXCLUDED.document, updated_by=EXCLUDED.updated_by, updated_at=EXCLUDED.updated_at
		RETURNING document
	`, string(stage), string(payload), updatedBy).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("write %s settings: %w", stage, err)
	}
	return decodeDocument(raw)
}

func insertVersion(ctx context.Context, db execQuerier, v settings.Version, doc settings.Document) error {
	payload, err := doc.Canonical()
	if err != nil {
		return fmt.Errorf("encode version document: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO settings_versions (id, stage, label, note, author_email, kind, is_default, document, created_at, updated_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7::jsonb, $8, $9, $10)
	`, v.ID, string(v.Stage), v.Label, v.Note, v.AuthorEmail, string(v.Kind), string(payload), v.CreatedAt, v.UpdatedAt, nullTime(v.PublishedAt))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func setDefaultVersion(ctx context.Context, tx *sql.Tx, id string, now time.Time) (settings.Version, error) {
	version, err := scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM settings_versions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return settings.Version{}, err
	}
	if version.Stage != settings.StageLive {
		return settings.Version{}, ErrNotPublished
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings_versions SET is_default=FALSE, updated_at=$2 WHERE is_default AND id<>$1`, id, now); err != nil {
		return settings.Version{}, fmt.Errorf("clear default version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings_versions SET is_default=TRUE, updated_at=$2 WHERE id=$1`, id, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return settings.Version{}, fmt.Errorf("set default version: concurrent default change: %w", err)
		}
		return settings.Version{}, fmt.Errorf("set default version: %w", err)
	}
	version.IsDefault = true
	version.UpdatedAt = now
	return version, nil
}

const versionColumns = `id, stage, label, note, author_email, kind, is_default, created_at, updated_at, published_at`

const deploymentColumns = `id, snapshot_id, fallback_snapshot_id, start_at, end_at, status, cancelled_at, override_reason, created_by, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner, extra ...any) (settings.Version, error) {
	var (
		item        settings.Version
		stage, kind string
		publishedAt sql.NullTime
	)
	dest := []any{&item.ID, &stage, &item.Label, &item.Note, &item.AuthorEmail, &kind, &item.IsDefault, &item.CreatedAt, &item.UpdatedAt, &publishedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Version{}, ErrNotFound
		}
		return settings.Version{}, fmt.Errorf("scan version: %w", err)
	}
	item.Stage = settings.Stage(stage)
	item.Kind = settings.VersionKind(kind)
	item.PublishedAt = timePtr(publishedAt)
	return item, nil
}

func scanDeployment(row rowScanner) (settings.Deployment, error) {
	var (
		item                            settings.Deployment
		status                          string
		fallback, reason                sql.NullString
		endAt, cancelledAt, completedAt sql.NullTime
	)
	err := row.Scan(&item.ID, &item.SnapshotID, &fallback, &item.StartAt, &endAt, &status, &cancelledAt, &reason, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Deployment{}, ErrNotFound
		}
		return settings.Deployment{}, fmt.Errorf("scan deployment: %w", err)
	}
	item.Status = settings.DeploymentStatus(status)
	item.FallbackSnapshotID = stringPtr(fallback)
	item.OverrideReason = stringPtr(reason)
	item.EndAt = timePtr(endAt)
	item.CancelledAt = timePtr(cancelledAt)
	item.CompletedAt = timePtr(completedAt)
	return item, nil
}

func decodeDocument(raw []byte) (settings.Document, error) {
	doc := settings.Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode settings document: %w", err)
	}
	return doc, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
