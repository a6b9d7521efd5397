package gitmirror

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// CommitObjectByHex is a convenience wrapper over go-git's
// CommitObject that accepts a hex string, the form every other
// package in this module passes commit ids around as.
func (r *Repo) CommitObjectByHex(hex string) (*object.Commit, error) {
	c, err := r.CommitObject(plumbing.NewHash(hex))
	if err != nil {
		return nil, errors.Wrapf(err, "load commit %s", hex)
	}
	return c, nil
}

// MergeBase returns the best common ancestor of a and b, matching the
// single-base case `reconcile`/`patch` need — proposal branches never
// themselves merge multiple bases before being encoded.
func (r *Repo) MergeBase(a, b string) (string, error) {
	ca, err := r.CommitObjectByHex(a)
	if err != nil {
		return "", err
	}
	cb, err := r.CommitObjectByHex(b)
	if err != nil {
		return "", err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", errors.Wrap(err, "compute merge base")
	}
	if len(bases) == 0 {
		return "", nil
	}
	return bases[0].Hash.String(), nil
}

// AheadCommits returns every commit reachable from tip but not from
// base, ordered oldest-first (parent before child) — exactly the
// ordering package patch's GenerateCoverLetterAndPatchEvents expects
// for its `commits` parameter.
func (r *Repo) AheadCommits(base, tip string) ([]*object.Commit, error) {
	tipCommit, err := r.CommitObjectByHex(tip)
	if err != nil {
		return nil, err
	}

	excluded := map[string]bool{}
	if base != "" {
		baseCommit, err := r.CommitObjectByHex(base)
		if err != nil {
			return nil, err
		}
		iter := object.NewCommitPreorderIter(baseCommit, nil, nil)
		if walkErr := iter.ForEach(func(c *object.Commit) error {
			excluded[c.Hash.String()] = true
			return nil
		}); walkErr != nil {
			return nil, errors.Wrap(walkErr, "walk base ancestry")
		}
	}

	var ahead []*object.Commit
	iter := object.NewCommitPreorderIter(tipCommit, nil, nil)
	if err := iter.ForEach(func(c *object.Commit) error {
		if excluded[c.Hash.String()] {
			return nil
		}
		ahead = append(ahead, c)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "walk tip ancestry")
	}

	// NewCommitPreorderIter yields tip-first; reverse to oldest-first.
	for i, j := 0, len(ahead)-1; i < j; i, j = i+1, j-1 {
		ahead[i], ahead[j] = ahead[j], ahead[i]
	}
	return ahead, nil
}

// ParentOf returns commit's first parent, or nil if it is a root
// commit — the `parentOfFirst` GenerateCoverLetterAndPatchEvents needs
// to diff the oldest ahead-commit against.
func ParentOf(c *object.Commit) (*object.Commit, error) {
	if c.NumParents() == 0 {
		return nil, nil
	}
	return c.Parent(0)
}

// MergedProposalTip reports whether commit is a two-parent merge whose
// second parent equals tipCommit — the shape a `git merge
// pr/<slug>` produces and end-to-end scenario 4 detects to emit a
// merge-status event.
func MergedProposalTip(commit *object.Commit, tipCommit string) bool {
	if commit.NumParents() < 2 {
		return false
	}
	return commit.ParentHashes[1].String() == tipCommit
}
