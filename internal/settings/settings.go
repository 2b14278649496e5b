// Package settings holds the wire types shared by the settings store and the
// editor core.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageLive  Stage = "live"
	StageDraft Stage = "draft"
)

func ParseStage(raw string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(raw))) {
	case StageLive:
		return StageLive, nil
	case StageDraft:
		return StageDraft, nil
	default:
		return "", fmt.Errorf("unknown stage %q", raw)
	}
}

func (s Stage) Valid() bool {
	return s == StageLive || s == StageDraft
}

// Document is an open-ended settings mapping. Values are raw JSON, so every
// document serializes without a sanitization pass. A nil value inside a patch
// means "remove this key".
type Document map[string]json.RawMessage

// Value marshals v into a document value. It fails for values JSON cannot
// represent (functions, channels, cyclic structures).
func Value(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal settings value: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Canonical returns the compact, key-sorted serialization of the document.
func (d Document) Canonical() ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]json.RawMessage(d))
}

func (d Document) Equal(other Document) bool {
	left, err := d.Canonical()
	if err != nil {
		return false
	}
	right, err := other.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func (d Document) Clone() Document {
	out := make(Document, len(d))
	for key, value := range d {
		if value == nil {
			continue
		}
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}

// Merge applies patch on top of d in place. Nil patch values delete keys.
func (d Document) Merge(patch Document) {
	for key, value := range patch {
		if value == nil {
			delete(d, key)
			continue
		}
		d[key] = append(json.RawMessage(nil), value...)
	}
}

// Validate reports the first key whose value is not well-formed JSON.
func (d Document) Validate() error {
	for key, value := range d {
		if value == nil {
			continue
		}
		if !json.Valid(value) {
			return fmt.Errorf("settings key %q holds invalid JSON", key)
		}
	}
	return nil
}

// Normalize round-trips the document through its canonical form.
func Normalize(d Document) (Document, error) {
	raw, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	out := Document{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode canonical settings: %w", err)
	}
	return out, nil
}

type Lock struct {
	HolderEmail string    `json:"holderEmail"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Active reports whether the lock still excludes other editors at now.
func (l *Lock) Active(now time.Time) bool {
	return l != nil && l.HolderEmail != "" && l.ExpiresAt.After(now)
}

type VersionKind string

const (
	VersionManual  VersionKind = "manual"
	VersionPublish VersionKind = "publish"
	VersionRestore VersionKind = "restore"
)

type Version struct {
	ID          string      `json:"id"`
	Stage       Stage       `json:"stage"`
	Label       string      `json:"label"`
	Note        string      `json:"note"`
	AuthorEmail string      `json:"authorEmail"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Kind        VersionKind `json:"kind"`
	IsDefault   bool        `json:"isDefault"`
	PublishedAt *time.Time  `json:"publishedAt,omitempty"`
}

type DeploymentStatus string

const (
	DeploymentScheduled DeploymentStatus = "scheduled"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentCompleted DeploymentStatus = "completed"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentCancelled
}

type Deployment struct {
	ID                 string           `json:"id"`
	SnapshotID         string           `json:"snapshotId"`
	FallbackSnapshotID *string          `json:"fallbackSnapshotId,omitempty"`
	StartAt            time.Time        `json:"startAt"`
	EndAt              *time.Time       `json:"endAt,omitempty"`
	Status             DeploymentStatus `json:"status"`
	CancelledAt        *time.Time       `json:"cancelledAt,omitempty"`
	OverrideReason     *string          `json:"overrideReason,omitempty"`
	CreatedBy          string           `json:"createdBy"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
}

// Window returns [start, end). An open-ended deployment ends at the zero
// time, which Overlaps treats as +infinity.
func (d Deployment) Window() (time.Time, time.Time) {
	if d.EndAt == nil {
		return d.StartAt, time.Time{}
	}
	return d.StartAt, *d.EndAt
}

// Overlaps reports whether two deployment windows intersect.
func Overlaps(a, b Deployment) bool {
	aStart, aEnd := a.Window()
	bStart, bEnd := b.Window()
	startsBeforeBEnds := bEnd.IsZero() || aStart.Before(bEnd)
	bStartsBeforeAEnds := aEnd.IsZero() || bStart.Before(aEnd)
	return startsBeforeBEnds && bStartsBeforeAEnds
}

// HistoryEntry is one journaled change of a stage.
type HistoryEntry struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
