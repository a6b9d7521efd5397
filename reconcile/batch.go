package reconcile

import "context"

// PushBatch reconciles every refspec in a push batch against the
// current nostr state and every mirror, and builds the new ref map a
// new nostr state event should carry. The new state event is signed
// and published before the corresponding mirror pushes begin, and a
// push batch produces exactly one new state event.
type PushBatch struct {
	Decisions map[Refspec][]Decision // per refspec, per mirror
	NewRefs   map[string]string      // ref -> commit id for the new state event
	Deleted   []string               // refs removed from the new state event
	Rejected  map[string]string      // dst -> reason, for refspecs rejected against any mirror
}

// Reconcile runs Decide for every refspec against every mirror and
// aggregates the accepted refspecs into a ref map ready for
// reporef.Build. Proposal refs (refs/heads/pr/*) are excluded from
// the nostr state update; callers handle them via package patch
// instead, since ref reconciliation only governs ordinary branch/tag
// refs.
func Reconcile(ctx context.Context, ac AncestorChecker, refspecs []Refspec, nostr NostrState, mirrors map[string]MirrorState) (*PushBatch, error) {
	batch := &PushBatch{
		Decisions: map[Refspec][]Decision{},
		NewRefs:   map[string]string{},
		Rejected:  map[string]string{},
	}

	for _, rs := range refspecs {
		if IsProposalRef(rs.Dst) {
			continue
		}

		resolved := rs
		if rs.Src != "" {
			commit, err := ac.ResolveLocal(ctx, rs.Src)
			if err != nil {
				return nil, err
			}
			resolved.Src = commit
		}

		decisions, err := DecideForMirrors(ctx, ac, resolved, nostr, mirrors)
		if err != nil {
			return nil, err
		}
		batch.Decisions[rs] = decisions

		if !Accepted(decisions) {
			batch.Rejected[rs.Dst] = RejectReason(decisions)
			continue
		}

		ref, deleted := NewRefFromNostr(resolved)
		if deleted {
			batch.Deleted = append(batch.Deleted, ref)
		} else {
			batch.NewRefs[ref] = resolved.Src
		}
	}

	return batch, nil
}
