// Package reconcile is the Ref Reconciliation engine (C7): for each
// pushed refspec it decides, against the authoritative nostr state and
// each mirror's observed ref map, whether the push is a fast-forward,
// a force-push, a no-op, a new-branch creation, a delete, or a reject.
package reconcile

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Refspec is Git's `[+]<src>:<dst>` push directive.
type Refspec struct {
	Src   string // empty means delete
	Dst   string
	Force bool
}

// Action is the decided disposition for one refspec against one
// mirror.
type Action int

const (
	ActionReject Action = iota
	ActionPush
	ActionForcePush
	ActionNoop
	ActionCreate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionForcePush:
		return "force-push"
	case ActionNoop:
		return "noop"
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return "reject"
	}
}

// Decision is the outcome for one (refspec, mirror) pair.
type Decision struct {
	Refspec Refspec
	Mirror  string
	Action  Action
	Reason  string // populated when Action == ActionReject
}

// AncestorChecker resolves whether `ancestor` is an ancestor of (or
// equal to) `descendant` in the local commit graph. Implemented by
// gitmirror.Repo; abstracted here so reconcile has no Git dependency
// of its own.
type AncestorChecker interface {
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// ResolveLocal resolves a local ref (e.g. "refs/heads/main") to
	// its current commit id, used to turn a pushed refspec's src ref
	// into the commit id the new nostr state event should carry.
	ResolveLocal(ctx context.Context, ref string) (string, error)
}

// NostrState is the authoritative ref->commit map decoded from the
// current Repo State event (reporef.RepoState.Refs, minus HEAD).
type NostrState map[string]string

// MirrorState is one mirror's advertised ref->commit map from a
// recent `list`.
type MirrorState map[string]string

// Decide implements the push-reconciliation decision table for a
// single refspec against a single mirror.
func Decide(ctx context.Context, ac AncestorChecker, rs Refspec, nostr NostrState, mirror MirrorState) (Decision, error) {
	d := Decision{Refspec: rs}

	srcEmpty := rs.Src == ""
	nostrCommit, nostrHas := nostr[rs.Dst]
	mirrorCommit, mirrorHas := mirror[rs.Dst]

	if srcEmpty {
		if mirrorHas {
			d.Action = ActionDelete
			return d, nil
		}
		d.Action = ActionNoop
		return d, nil
	}

	if !nostrHas && !mirrorHas {
		d.Action = ActionCreate
		return d, nil
	}

	if nostrHas && !mirrorHas {
		d.Action = ActionCreate
		return d, nil
	}

	if !nostrHas && mirrorHas {
		ff, err := ac.IsAncestor(ctx, mirrorCommit, rs.Src)
		if err != nil {
			return d, errors.Wrap(err, "check fast-forward against mirror")
		}
		if ff {
			d.Action = ActionPush
			return d, nil
		}
		d.Action = ActionReject
		d.Reason = rs.Dst + " out of sync with nostr"
		return d, nil
	}

	// Both nostr and mirror have dst.
	if nostrCommit == mirrorCommit {
		srcAncestorOfMirror, err := ac.IsAncestor(ctx, mirrorCommit, rs.Src)
		if err != nil {
			return d, errors.Wrap(err, "check ancestor of mirror")
		}
		switch {
		case srcAncestorOfMirror && rs.Src == mirrorCommit:
			d.Action = ActionNoop
		case srcAncestorOfMirror:
			d.Action = ActionPush
		default:
			d.Action = ActionForcePush
			d.Refspec.Force = true
		}
		return d, nil
	}

	// nostr and mirror disagree.
	srcFFMirror, err := ac.IsAncestor(ctx, mirrorCommit, rs.Src)
	if err != nil {
		return d, errors.Wrap(err, "check fast-forward against mirror")
	}
	if srcFFMirror {
		d.Action = ActionPush
		return d, nil
	}

	srcFFNostr, err := ac.IsAncestor(ctx, nostrCommit, rs.Src)
	if err != nil {
		return d, errors.Wrap(err, "check fast-forward against nostr")
	}
	if srcFFNostr {
		d.Action = ActionForcePush
		d.Refspec.Force = true
		return d, nil
	}

	d.Action = ActionReject
	d.Reason = rs.Dst + " out of sync with nostr"
	return d, nil
}

// DecideForMirrors runs Decide against every named mirror and returns
// one Decision per mirror, each carrying the mirror's URL.
func DecideForMirrors(ctx context.Context, ac AncestorChecker, rs Refspec, nostr NostrState, mirrors map[string]MirrorState) ([]Decision, error) {
	decisions := make([]Decision, 0, len(mirrors))
	for url, state := range mirrors {
		d, err := Decide(ctx, ac, rs, nostr, state)
		if err != nil {
			return nil, errors.Wrapf(err, "mirror %s", url)
		}
		d.Mirror = url
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Accepted reports whether every per-mirror decision for a refspec
// permits the push to be aggregated into a new nostr state (a
// rejection against even one mirror rejects the whole refspec, since
// the nostr state must remain consistent with what mirrors can serve).
func Accepted(decisions []Decision) bool {
	for _, d := range decisions {
		if d.Action == ActionReject {
			return false
		}
	}
	return true
}

// RejectReason returns the first reject reason found among decisions,
// or "" if none rejected.
func RejectReason(decisions []Decision) string {
	for _, d := range decisions {
		if d.Action == ActionReject {
			return d.Reason
		}
	}
	return ""
}

// NewRefFromNostr returns the ref name nostr state should update for an
// accepted refspec, and whether the refspec deletes that ref; the
// pushed commit itself is rs.Src.
func NewRefFromNostr(rs Refspec) (ref string, deleted bool) {
	if rs.Src == "" {
		return rs.Dst, true
	}
	return rs.Dst, false
}

// IsBranchRef reports whether ref names a head branch, as opposed to
// a tag or HEAD — used to decide whether a refspec may instead be a
// proposal branch (`refs/heads/pr/<slug>`) handled by package patch.
func IsBranchRef(ref string) bool {
	return strings.HasPrefix(ref, "refs/heads/")
}

// IsProposalRef reports whether ref is a proposal branch.
func IsProposalRef(ref string) bool {
	return strings.HasPrefix(ref, "refs/heads/pr/")
}
