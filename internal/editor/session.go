package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"sitepress/api/internal/client"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
)

// Session is one editor's working copy of a stage. It keeps the document as
// loaded (initial) next to the local edits (current) and only writes the
// draft while it holds the draft lock.
type Session struct {
	store  Store
	email  string
	opts   Options
	locks  *LockManager
	log    *logger.Logger
	events subscribers
	saves  singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	stage   settings.Stage
	current settings.Document
	initial settings.Document
	ready   bool
	err     error
	loadSeq uint64
	editGen uint64
	closed  bool
}

// PublishSelection picks what Publish copies into live. The zero value
// publishes the current draft.
type PublishSelection struct {
	VersionID  string
	Label      string
	Note       string
	SetDefault bool
}

type saveResult struct {
	doc settings.Document
	gen uint64
}

func NewSession(store Store, email string, opts Options) *Session {
	opts = opts.withDefaults()
	email = strings.ToLower(strings.TrimSpace(email))
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		store:   store,
		email:   email,
		opts:    opts,
		locks:   NewLockManager(store, email, opts),
		log:     opts.Logger.With("component", "settings-session", "email", email),
		baseCtx: baseCtx,
		cancel:  cancel,
		stage:   settings.StageLive,
		current: settings.Document{},
		initial: settings.Document{},
	}
	s.locks.setNotify(func(state LockState, lock *settings.Lock) {
		s.events.emit(Event{Kind: EventLockChanged, Stage: s.Stage(), LockState: state, Lock: lock})
	})
	return s
}

func (s *Session) Email() string {
	return s.email
}

func (s *Session) Lock() *LockManager {
	return s.locks
}

func (s *Session) Stage() settings.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Document returns a copy of the working document.
func (s *Session) Document() settings.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Ready reports whether the last load succeeded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Err is the failure of the last load, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// IsDirty compares the serialized working copy with the last loaded or saved
// document. A document that cannot be serialized counts as dirty.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtyLocked()
}

func (s *Session) dirtyLocked() bool {
	return !s.current.Equal(s.initial)
}

// Subscribe registers fn for every state change. The returned func removes it.
func (s *Session) Subscribe(fn func(Event)) func() {
	return s.events.add(fn)
}

func (s *Session) emit(kind EventKind, err error) {
	s.mu.Lock()
	event := Event{
		Kind:     kind,
		Stage:    s.stage,
		Document: s.current.Clone(),
		Dirty:    s.dirtyLocked(),
		Err:      err,
	}
	s.mu.Unlock()
	event.LockState = s.locks.State()
	event.Lock = s.locks.Lock()
	s.events.emit(event)
}

// Load fetches stage and replaces both copies with it. It never fails: a
// fetch error leaves an empty document and is reported by Ready and Err.
// A load that was cancelled or overtaken by a newer Load is dropped.
func (s *Session) Load(ctx context.Context, stage settings.Stage) settings.Document {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	doc, err := s.store.GetSettings(ctx, stage)

	s.mu.Lock()
	if seq != s.loadSeq || ctx.Err() != nil || s.closed {
		out := s.current.Clone()
		s.mu.Unlock()
		return out
	}
	prev := s.stage
	s.stage = stage
	if err != nil {
		s.current, s.initial = settings.Document{}, settings.Document{}
		s.ready, s.err = false, fmt.Errorf("load %s settings: %w", stage, err)
	} else {
		s.current, s.initial = doc.Clone(), doc.Clone()
		s.ready, s.err = true, nil
	}
	s.editGen++
	out := s.current.Clone()
	loadErr := s.err
	s.mu.Unlock()

	if loadErr != nil {
		s.log.Warn("settings load failed", "stage", stage, "error", err)
	}
	if prev != stage {
		s.emit(EventStageChanged, nil)
	}
	s.emit(EventLoaded, loadErr)
	s.stageEntered(ctx, prev, stage, loadErr == nil)
	return out
}

// stageEntered runs the lock side of a stage switch: entering draft takes
// the lock and starts the heartbeat, leaving draft gives it back. A draft
// that failed to load is not locked.
func (s *Session) stageEntered(ctx context.Context, prev, next settings.Stage, loaded bool) {
	if next == settings.StageDraft {
		if s.opts.ManualLock || !loaded {
			return
		}
		if s.locks.State() != HeldByMe {
			if err := s.locks.Acquire(ctx); err != nil {
				s.log.Info("draft lock not acquired", "error", err)
			}
		}
		s.locks.Start(s.baseCtx)
		return
	}
	if prev == settings.StageDraft {
		s.locks.Stop()
		if err := s.locks.Release(ctx); err != nil {
			s.log.Warn("draft lock release failed", "error", err)
		}
	}
}

// editable requires a loaded draft held by this session.
func (s *Session) editable() bool {
	s.mu.Lock()
	ok := s.stage == settings.StageDraft && s.ready
	s.mu.Unlock()
	return ok && s.locks.State() == HeldByMe
}

// SetField changes one key of the working copy. A nil value removes the key.
// It reports false, and changes nothing, unless the session holds the lock
// on a loaded draft, or when value is not valid JSON.
func (s *Session) SetField(key string, value json.RawMessage) bool {
	if !s.editable() {
		return false
	}
	if value != nil && !json.Valid(value) {
		return false
	}

	s.mu.Lock()
	existing, exists := s.current[key]
	switch {
	case value == nil && !exists:
		s.mu.Unlock()
		return true
	case value != nil && exists && sameJSON(existing, value):
		s.mu.Unlock()
		return true
	case value == nil:
		delete(s.current, key)
	default:
		s.current[key] = append(json.RawMessage(nil), value...)
	}
	s.editGen++
	s.mu.Unlock()

	s.emit(EventChanged, nil)
	return true
}

// Set marshals v and stores it under key.
func (s *Session) Set(key string, v any) bool {
	raw, err := settings.Value(v)
	if err != nil {
		return false
	}
	return s.SetField(key, raw)
}

func (s *Session) Delete(key string) bool {
	return s.SetField(key, nil)
}

// Save merges patch into the working copy and writes it to the draft.
// Concurrent callers share one request; a caller whose edits came after the
// shared request started waits for it and then saves once more.
func (s *Session) Save(ctx context.Context, patch settings.Document) (settings.Document, error) {
	if !s.editable() {
		return nil, ErrNotEditable
	}
	if len(patch) > 0 {
		if err := patch.Validate(); err != nil {
			return nil, fmt.Errorf("save draft: %w", err)
		}
		s.mu.Lock()
		s.current.Merge(patch)
		s.editGen++
		s.mu.Unlock()
		s.emit(EventChanged, nil)
	}

	s.mu.Lock()
	want := s.editGen
	s.mu.Unlock()

	for {
		v, err, _ := s.saves.Do("draft", func() (any, error) {
			return s.push(ctx)
		})
		if err != nil {
			return nil, err
		}
		result := v.(saveResult)
		if result.gen >= want {
			return result.doc.Clone(), nil
		}
	}
}

func (s *Session) push(ctx context.Context) (saveResult, error) {
	if !s.editable() {
		return saveResult{}, ErrNotEditable
	}
	s.mu.Lock()
	doc := s.current.Clone()
	gen := s.editGen
	s.mu.Unlock()

	saved, err := s.store.PutSettings(ctx, settings.StageDraft, doc)
	if err != nil {
		s.locks.observe(err)
		return saveResult{}, fmt.Errorf("save draft: %w", err)
	}

	s.mu.Lock()
	if s.stage == settings.StageDraft {
		s.initial = saved.Clone()
		if s.editGen == gen {
			s.current = saved.Clone()
		}
	}
	s.mu.Unlock()
	s.emit(EventSaved, nil)
	return saveResult{doc: saved, gen: gen}, nil
}

// PullLive copies live into draft on the server, then switches the session
// to the refreshed draft. When the copy fails the stage does not change.
func (s *Session) PullLive(ctx context.Context) error {
	prev := s.Stage()
	acquired := false
	if !s.opts.ManualLock && s.locks.State() != HeldByMe {
		acquired = s.locks.Acquire(ctx) == nil
	}

	if _, err := s.store.PullLive(ctx); err != nil {
		s.locks.observe(err)
		if acquired && prev != settings.StageDraft {
			if releaseErr := s.locks.Release(ctx); releaseErr != nil {
				s.log.Warn("draft lock release failed", "error", releaseErr)
			}
		}
		return fmt.Errorf("pull live: %w", err)
	}

	s.Load(ctx, settings.StageDraft)
	if err := s.Err(); err != nil {
		if acquired {
			s.locks.Stop()
			if releaseErr := s.locks.Release(ctx); releaseErr != nil {
				s.log.Warn("draft lock release failed", "error", releaseErr)
			}
		}
		return err
	}
	return nil
}

// Publish copies the selection into live, then switches the session to the
// refreshed live document. Unsaved edits to the draft are saved first when
// the whole draft is being published.
func (s *Session) Publish(ctx context.Context, sel PublishSelection) error {
	if strings.TrimSpace(sel.VersionID) == "" && s.editable() && s.IsDirty() {
		if _, err := s.Save(ctx, nil); err != nil {
			return err
		}
	}
	_, _, err := s.store.Publish(ctx, client.PublishRequest{
		VersionID:  strings.TrimSpace(sel.VersionID),
		Label:      sel.Label,
		Note:       sel.Note,
		SetDefault: sel.SetDefault,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	s.Load(ctx, settings.StageLive)
	return s.Err()
}

// Reload refetches the current stage and drops unsaved edits.
func (s *Session) Reload(ctx context.Context) error {
	s.Load(ctx, s.Stage())
	return s.Err()
}

// replaceDraft installs a document the server already wrote to the draft.
func (s *Session) replaceDraft(doc settings.Document) {
	s.mu.Lock()
	if s.stage != settings.StageDraft {
		s.mu.Unlock()
		return
	}
	s.current, s.initial = doc.Clone(), doc.Clone()
	s.ready, s.err = true, nil
	s.editGen++
	s.mu.Unlock()
	s.emit(EventLoaded, nil)
}

// Close stops the heartbeat and sends a best-effort lock release.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.locks.Stop()
	s.locks.ReleaseAsync()
	s.cancel()
}

func sameJSON(a, b json.RawMessage) bool {
	var left, right bytes.Buffer
	if json.Compact(&left, a) != nil || json.Compact(&right, b) != nil {
		return false
	}
	return bytes.Equal(left.Bytes(), right.Bytes())
}
