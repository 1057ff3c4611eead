// Package history keeps a git repository per document with one commit for
// every committed lifecycle event.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/lifecycle"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "document.json"

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Change is one attribute that differs between two snapshots.
type Change struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Observe snapshots the document after every event. Deleted documents keep
// their history on disk.
func (s *Service) Observe(event lifecycle.Event) error {
	if event.Kind == lifecycle.EventDeleted || event.Document == nil {
		return nil
	}
	message := string(event.Kind)
	if event.From != event.To {
		message = fmt.Sprintf("%s: %s -> %s", event.Kind, event.From, event.To)
	}
	if event.RecipientIndex != nil {
		message += fmt.Sprintf(" (recipient %d)", *event.RecipientIndex)
	}
	author := event.Actor
	if author == "" {
		author = "system"
	}
	_, err := s.Snapshot(*event.Document, author, message)
	return err
}

// Snapshot commits the document's current state, creating the repository on
// first use. A snapshot identical to HEAD is not committed again.
func (s *Service) Snapshot(doc document.Document, author, message string) (Commit, error) {
	lock := s.documentLock(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, fresh, err := s.openOrInit(doc.ID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.repoPath(doc.ID), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.signflow.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, err := repo.Head()
		if err != nil {
			return Commit{}, fmt.Errorf("resolve head: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Commit{}, fmt.Errorf("read head commit: %w", err)
		}
		return toCommit(commitObj), nil
	}
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}

	if fresh {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Commit{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Commit{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits newest first.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// At returns the document as it was at a commit.
func (s *Service) At(documentID, hash string) (document.Document, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return document.Document{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return document.Document{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return document.Document{}, apperr.NotFound("commit", hash)
	}
	return readSnapshot(commitObj)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, apperr.NotFound("history", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, bool, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (document.Document, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return document.Document{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return document.Document{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return document.Document{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document.Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}

// Diff lists the document attributes that changed between two snapshots.
func Diff(from, to document.Document) []Change {
	pairs := []Change{
		{Field: "name", Before: from.Name, After: to.Name},
		{Field: "description", Before: from.Description, After: to.Description},
		{Field: "status", Before: string(from.Status), After: string(to.Status)},
		{Field: "signingOrder", Before: string(from.SigningOrder), After: string(to.SigningOrder)},
		{Field: "fields", Before: strconv.Itoa(len(from.Fields)), After: strconv.Itoa(len(to.Fields))},
		{Field: "progress", Before: strconv.Itoa(from.Progress()), After: strconv.Itoa(to.Progress())},
		{Field: "recipients", Before: recipientSummary(from), After: recipientSummary(to)},
	}
	result := make([]Change, 0)
	for _, item := range pairs {
		if item.Before != item.After {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result
}

func recipientSummary(doc document.Document) string {
	parts := make([]string, 0, len(doc.Recipients))
	for _, r := range doc.Recipients {
		parts = append(parts, r.Email+":"+string(r.Status))
	}
	return strings.Join(parts, ",")
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '@' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, apperr.NotFound("commit", hash)
	}
	return *resolved, nil
}
