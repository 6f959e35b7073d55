// Package archive keeps a git history of every applied change, one repository
// per ontology with one JSON file per element. The durable store stays the
// source of truth; the archive exists for audit and point-in-time inspection.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ontoserve/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the archived form of one element.
type Snapshot struct {
	ID          string         `json:"id"`
	ElementType string         `json:"elementType"`
	Name        string         `json:"name"`
	ProjectID   string         `json:"projectId,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// CommitInfo summarizes one archive commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordApplied commits the post-apply state of a change request's target
// element. Deletes remove the element file; adds and modifies rewrite it.
// The ontology repository is initialized on first use.
func (s *Service) RecordApplied(req store.ChangeRequest, after *store.Element) (CommitInfo, error) {
	lock := s.ontologyLock(req.OntologyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(req.OntologyID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relPath := elementPath(req.TargetElementID)
	absPath := filepath.Join(worktree.Filesystem.Root(), relPath)

	if req.ChangeType == store.ChangeDelete {
		if _, err := os.Stat(absPath); err == nil {
			if _, err := worktree.Remove(relPath); err != nil {
				return CommitInfo{}, fmt.Errorf("stage element removal: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return CommitInfo{}, fmt.Errorf("stat element file: %w", err)
		}
	} else {
		if after == nil {
			return CommitInfo{}, fmt.Errorf("missing element state for %s", req.TargetElementID)
		}
		snap := Snapshot{
			ID:          after.ID,
			ElementType: after.ElementType,
			Name:        after.Name,
			ProjectID:   after.ProjectID,
			Fields:      after.Fields,
		}
		payload, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return CommitInfo{}, fmt.Errorf("marshal element snapshot: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return CommitInfo{}, fmt.Errorf("create elements dir: %w", err)
		}
		if err := os.WriteFile(absPath, append(payload, '\n'), 0o644); err != nil {
			return CommitInfo{}, fmt.Errorf("write element snapshot: %w", err)
		}
		if _, err := worktree.Add(relPath); err != nil {
			return CommitInfo{}, fmt.Errorf("stage element snapshot: %w", err)
		}
	}

	message := fmt.Sprintf("%s %s\n\nrequest=%s actor=%s", req.ChangeType, req.TargetElementID, req.ID, req.RequesterID)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(req.RequesterID),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit applied change: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists archive commits for an ontology, newest first. A zero limit
// returns everything.
func (s *Service) History(ontologyID string, limit int) ([]CommitInfo, error) {
	lock := s.ontologyLock(ontologyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ontologyID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open archive repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return []CommitInfo{}, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ElementAt reads an element snapshot as of a commit. A short hash prefix is
// resolved through the repository.
func (s *Service) ElementAt(ontologyID, elementID, hash string) (Snapshot, error) {
	lock := s.ontologyLock(ontologyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ontologyID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open archive repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(elementPath(elementID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("element %s absent at %s: %w", elementID, hash, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) openOrInit(ontologyID string) (*git.Repository, error) {
	path := s.repoPath(ontologyID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init archive repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	readme := fmt.Sprintf("Applied change archive for ontology %s.\n", ontologyID)
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write archive readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("stage archive readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize archive", &git.CommitOptions{Author: signature("ontoserve")})
	if err != nil {
		return nil, fmt.Errorf("commit archive baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(ontologyID string) string {
	return filepath.Join(s.baseDir, ontologyID)
}

func (s *Service) ontologyLock(ontologyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[ontologyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[ontologyID] = lock
	return lock
}

func elementPath(elementID string) string {
	return filepath.Join("elements", elementID+".json")
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.ontoserve.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
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
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
