package repo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrUpToDate is returned by Pull when there was nothing to merge.
var ErrUpToDate = errors.New("already up to date")

// ErrNoSuchBranch is returned by Pull when the remote lacks the branch.
var ErrNoSuchBranch = errors.New("remote branch not found")

// Git is the subset of git operations the provisioner needs.
type Git interface {
	Clone(ctx context.Context, dir, url, branch string) error
	AddRemote(dir, name, url string) error
	Head(dir string) (string, error)
	// Branch is the short name of the checked-out branch, "" when detached.
	Branch(dir string) (string, error)
	Pull(ctx context.Context, dir, remote, branch string) error
}

// GoGit implements Git in-process with go-git.
type GoGit struct {
	Progress io.Writer
}

func (g GoGit) Clone(ctx context.Context, dir, url, branch string) error {
	opts := &git.CloneOptions{URL: url, Progress: g.Progress}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

func (g GoGit) AddRemote(dir, name, url string) error {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	_, err = r.CreateRemote(&gitconfig.RemoteConfig{Name: name, URLs: []string{url}})
	if errors.Is(err, git.ErrRemoteExists) {
		return nil
	}
	return err
}

func (g GoGit) Head(dir string) (string, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	ref, err := r.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (g GoGit) Branch(dir string) (string, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	ref, err := r.Head()
	if err != nil {
		return "", err
	}
	if !ref.Name().IsBranch() {
		return "", nil
	}
	return ref.Name().Short(), nil
}

func (g GoGit) Pull(ctx context.Context, dir, remote, branch string) error {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := r.Worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Progress:      g.Progress,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return ErrUpToDate
	case errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, git.NoMatchingRefSpecError{}):
		return fmt.Errorf("%w: %s/%s", ErrNoSuchBranch, remote, branch)
	}
	return err
}
