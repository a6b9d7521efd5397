// Package gitmirror is the Git Mirror I/O component (C9): it fetches
// objects from and pushes refs to the plain Git mirrors a repository
// announcement lists, and answers the ancestry questions package
// reconcile needs without knowing anything about nostr.
package gitmirror

import (
	"context"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
)

// Repo wraps a local go-git repository — the working copy Git invoked
// the remote helper against.
type Repo struct {
	*git.Repository
	Path string
}

// Open opens the repository at path, either a working-copy directory
// or its `.git` directory (git-remote-nostr passes the working copy
// that contains the GIT_DIR Git sets when invoking a remote helper).
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open repository at %s", path)
	}
	return &Repo{Repository: r, Path: path}, nil
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant, implementing reconcile.AncestorChecker.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	cA, err := r.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, errors.Wrapf(err, "load commit %s", ancestor)
	}
	cD, err := r.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, errors.Wrapf(err, "load commit %s", descendant)
	}
	return cA.IsAncestor(cD)
}

// ResolveLocal resolves a local ref or commit-ish to its commit id,
// implementing reconcile.AncestorChecker.
func (r *Repo) ResolveLocal(ctx context.Context, ref string) (string, error) {
	hash, err := r.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", ref)
	}
	return hash.String(), nil
}

// LocalRefs returns every local branch and tag ref mapped to its
// commit id, the set a push batch is built from.
func (r *Repo) LocalRefs() (map[string]string, error) {
	refs := map[string]string{}
	iter, err := r.References()
	if err != nil {
		return nil, errors.Wrap(err, "list references")
	}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		if !config.RefSpec("+refs/heads/*:refs/heads/*").Match(ref.Name()) &&
			!config.RefSpec("+refs/tags/*:refs/tags/*").Match(ref.Name()) {
			return nil
		}
		refs[name] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk references")
	}
	return refs, nil
}
