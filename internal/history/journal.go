// Package history journals every settings change into a git repository per
// stage so operators can audit and diff what went live.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"sitepress/api/internal/settings"
)

const (
	documentFile = "settings.json"
	branchName   = "main"
)

var ErrNoHistory = errors.New("no journal entries for stage")

type Entry = settings.HistoryEntry

type Change struct {
	Key    string          `json:"key"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

type Journal struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[settings.Stage]*sync.Mutex
}

func New(baseDir string) *Journal {
	return &Journal{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[settings.Stage]*sync.Mutex),
	}
}

// Record commits doc as the new head of the stage's journal. It returns
// changed=false, and the current head, when doc matches what is already
// recorded.
func (j *Journal) Record(stage settings.Stage, doc settings.Document, author, message string) (Entry, bool, error) {
	lock := j.stageLock(stage)
	lock.Lock()
	defer lock.Unlock()

	repo, err := j.openOrInit(stage)
	if err != nil {
		return Entry{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		previous, err := readDocument(head)
		if err != nil {
			return Entry{}, false, err
		}
		if previous.Equal(doc) {
			return toEntry(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return Entry{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := encodeDocument(doc)
	if err != nil {
		return Entry{}, false, err
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), documentFile), payload, 0o644); err != nil {
		return Entry{}, false, fmt.Errorf("write %s: %w", documentFile, err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return Entry{}, false, fmt.Errorf("git add settings: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: authorEmail(author),
			When:  j.now(),
		},
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("commit settings: %w", err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commit), true, nil
}

// History lists the newest entries first. A stage that was never recorded
// has an empty history.
func (j *Journal) History(stage settings.Stage, limit int) ([]Entry, error) {
	lock := j.stageLock(stage)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(j.repoPath(stage))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoHistory) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, toEntry(commit))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Document returns the settings recorded at hash, which may be abbreviated.
func (j *Journal) Document(stage settings.Stage, hash string) (settings.Document, error) {
	lock := j.stageLock(stage)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(j.repoPath(stage))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDocument(commit)
}

// Diff lists the keys whose values differ between two documents, sorted.
func Diff(from, to settings.Document) []Change {
	keys := make(map[string]struct{}, len(from)+len(to))
	for key := range from {
		keys[key] = struct{}{}
	}
	for key := range to {
		keys[key] = struct{}{}
	}
	changes := make([]Change, 0)
	for key := range keys {
		before, hadBefore := from[key]
		after, hasAfter := to[key]
		if hadBefore && hasAfter && (settings.Document{key: before}).Equal(settings.Document{key: after}) {
			continue
		}
		changes = append(changes, Change{Key: key, Before: before, After: after})
	}
	sort.Slice(changes, func(i, k int) bool {
		return changes[i].Key < changes[k].Key
	})
	return changes
}

func (j *Journal) repoPath(stage settings.Stage) string {
	return filepath.Join(j.baseDir, string(stage))
}

func (j *Journal) stageLock(stage settings.Stage) *sync.Mutex {
	j.lockMu.Lock()
	defer j.lockMu.Unlock()
	lock, ok := j.locks[stage]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	j.locks[stage] = lock
	return lock
}

func (j *Journal) openOrInit(stage settings.Stage) (*git.Repository, error) {
	path := j.repoPath(stage)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commit, nil
}

func encodeDocument(doc settings.Document) ([]byte, error) {
	canonical, err := doc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	var pretty map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &pretty); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	payload, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return append(payload, '\n'), nil
}

func readDocument(commit *object.Commit) (settings.Document, error) {
	file, err := commit.File(documentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", documentFile, err)
	}
	doc := settings.Document{}
	if err := json.Unmarshal([]byte(contents), &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", documentFile, err)
	}
	return doc, nil
}

func toEntry(commit *object.Commit) Entry {
	return Entry{
		Hash:      commit.Hash.String()[:7],
		Message:   strings.TrimSpace(commit.Message),
		Author:    commit.Author.Name,
		CreatedAt: commit.Author.When,
	}
}

func authorEmail(author string) string {
	if strings.Contains(author, "@") {
		return author
	}
	local := make([]rune, 0, len(author))
	for _, r := range author {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			local = append(local, r)
		} else if r == ' ' || r == '-' || r == '_' {
			local = append(local, '.')
		}
	}
	if len(local) == 0 {
		return "system@sitepress.local"
	}
	return string(local) + "@sitepress.local"
}
