package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

const gitStateFile = "config.json"

// GitStoreConfig configures a git-backed state store. The document lives as
// config.json on a branch of the remote; every save commits and pushes.
type GitStoreConfig struct {
	RemoteURL string
	Branch    string
	Username  string
	Password  string
	// BaseDir is the local checkout. Defaults to git-state inside the
	// state directory.
	BaseDir string
}

// GitStore persists the state document through a git remote.
type GitStore struct {
	mu       sync.Mutex
	cfg      GitStoreConfig
	repo     *git.Repository
	worktree *git.Worktree
}

// NewGitStore clones or opens the local checkout and syncs it with the
// remote.
func NewGitStore(cfg GitStoreConfig) (*GitStore, error) {
	if strings.TrimSpace(cfg.RemoteURL) == "" {
		return nil, errors.New("git store: empty remote URL")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	s := &GitStore{cfg: cfg}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GitStore) initialize() error {
	if s.cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("git store: resolve home: %w", err)
		}
		s.cfg.BaseDir = filepath.Join(home, ".kiro-proxy", "git-state")
	}
	if err := os.MkdirAll(s.cfg.BaseDir, 0o700); err != nil {
		return fmt.Errorf("git store: create base dir: %w", err)
	}

	var (
		repo *git.Repository
		err  error
	)
	if _, statErr := os.Stat(filepath.Join(s.cfg.BaseDir, ".git")); statErr == nil {
		repo, err = git.PlainOpen(s.cfg.BaseDir)
		if err != nil {
			return fmt.Errorf("git store: open checkout: %w", err)
		}
	} else {
		repo, err = git.PlainClone(s.cfg.BaseDir, false, &git.CloneOptions{
			URL:           s.cfg.RemoteURL,
			ReferenceName: plumbing.NewBranchReferenceName(s.cfg.Branch),
			SingleBranch:  true,
			Depth:         1,
			Auth:          s.auth(),
		})
		if errors.Is(err, git.NoMatchingRefSpecError{}) || errors.Is(err, plumbing.ErrReferenceNotFound) {
			// Empty remote: start a fresh repository and push on first save.
			repo, err = git.PlainInit(s.cfg.BaseDir, false)
		}
		if err != nil {
			return fmt.Errorf("git store: clone: %w", err)
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	s.repo = repo
	s.worktree = worktree
	return nil
}

func (s *GitStore) Load(_ context.Context) (*config.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pull(); err != nil {
		return nil, fmt.Errorf("git store: pull: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.BaseDir, gitStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultState(), nil
		}
		return nil, fmt.Errorf("git store: read state: %w", err)
	}
	var st config.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("git store: decode state: %w", err)
	}
	return &st, nil
}

func (s *GitStore) Save(_ context.Context, st *config.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("git store: encode state: %w", err)
	}
	raw = append(raw, '\n')
	path := filepath.Join(s.cfg.BaseDir, gitStateFile)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("git store: write state: %w", err)
	}
	if _, err := s.worktree.Add(gitStateFile); err != nil {
		return fmt.Errorf("git store: stage: %w", err)
	}
	if err := s.commit("Update proxy state"); err != nil {
		return fmt.Errorf("git store: commit: %w", err)
	}
	if err := s.push(); err != nil {
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

func (s *GitStore) Describe() string {
	return "git:" + s.cfg.RemoteURL + "#" + s.cfg.Branch
}

func (s *GitStore) pull() error {
	err := s.worktree.Pull(&git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(s.cfg.Branch),
		SingleBranch:  true,
		Auth:          s.auth(),
	})
	if err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) &&
		!errors.Is(err, git.ErrRemoteNotFound) &&
		!errors.Is(err, plumbing.ErrReferenceNotFound) {
		return err
	}
	return nil
}

func (s *GitStore) push() error {
	err := s.repo.Push(&git.PushOptions{
		RemoteName: "origin",
		Auth:       s.auth(),
	})
	if err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) &&
		!errors.Is(err, git.ErrRemoteNotFound) {
		return err
	}
	return nil
}

func (s *GitStore) commit(message string) error {
	status, err := s.worktree.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		return nil
	}
	_, err = s.worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "kiro-proxy",
			Email: "state@kiro-proxy.local",
			When:  time.Now(),
		},
	})
	return err
}

func (s *GitStore) auth() *githttp.BasicAuth {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: s.cfg.Username, Password: s.cfg.Password}
}
