// Package vcs derives deploy version labels from the Git repository the
// client runs in.
package vcs

import (
	"context"
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// DefaultVersion labels deploys made outside a Git repository.
const DefaultVersion = "1.0.0"

// shortHashLen is the number of hex digits in a commit label.
const shortHashLen = 7

var (
	ErrNotAGitRepo = errors.New("not a git repository")
	ErrNoCommits   = errors.New("repository has no commits")
)

// Client reads repository state with go-git.
type Client struct {
	repoPath string
}

// NewClient creates a client for the repository containing path. Parent
// directories are searched for .git.
func NewClient(path string) *Client {
	return &Client{repoPath: path}
}

func (c *Client) open(ctx context.Context) (*gogit.Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	repo, err := gogit.PlainOpenWithOptions(c.repoPath, &gogit.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, ErrNotAGitRepo
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// HeadCommit returns the full hash of HEAD.
func (c *Client) HeadCommit(ctx context.Context) (string, error) {
	repo, err := c.open(ctx)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", ErrNoCommits
	}
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Describe returns a label for HEAD: the name of a tag pointing at it, else
// the abbreviated commit hash. "-dirty" is appended when the worktree has
// uncommitted changes.
func (c *Client) Describe(ctx context.Context) (string, error) {
	repo, err := c.open(ctx)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", ErrNoCommits
	}
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}

	label, err := tagAt(repo, head.Hash())
	if err != nil {
		return "", err
	}
	if label == "" {
		label = head.Hash().String()[:shortHashLen]
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to be dirty.
		if errors.Is(err, gogit.ErrIsBareRepository) {
			return label, nil
		}
		return "", fmt.Errorf("get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}
	if !status.IsClean() {
		label += "-dirty"
	}
	return label, nil
}

// tagAt returns the lexically smallest tag that resolves to hash, or "".
func tagAt(repo *gogit.Repository, hash plumbing.Hash) (string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return "", fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	var found string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		// Annotated tags point at a tag object rather than the commit.
		if tag, err := repo.TagObject(target); err == nil {
			target = tag.Target
		}
		if target == hash {
			name := ref.Name().Short()
			if found == "" || name < found {
				found = name
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk tags: %w", err)
	}
	return found, nil
}

// VersionLabel picks the version sent with a deploy: explicit when set,
// else the Git description of dir, else DefaultVersion.
func VersionLabel(ctx context.Context, dir, explicit string) string {
	if explicit != "" {
		return explicit
	}
	label, err := NewClient(dir).Describe(ctx)
	if err != nil {
		return DefaultVersion
	}
	return label
}
