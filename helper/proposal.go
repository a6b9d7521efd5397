package helper

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/gitmirror"
	"github.com/nostr-ngit/ngit/patch"
	"github.com/nostr-ngit/ngit/reconcile"
)

var proposalThreadKinds = []int{
	eventmodel.KindPatch,
	eventmodel.KindStatusOpen,
	eventmodel.KindStatusApplied,
	eventmodel.KindStatusClosed,
	eventmodel.KindStatusDraft,
}

// loadThread fetches every cached event belonging to the thread rooted
// at rootID: the root itself plus every patch/status event tagged
// `root`=rootID.
func (h *Helper) loadThread(ctx context.Context, rootID string) ([]eventmodel.Event, error) {
	root, err := h.Store.Query(ctx, eventmodel.Filter{IDs: []string{rootID}})
	if err != nil {
		return nil, errors.Wrap(err, "query thread root")
	}
	children, err := h.Store.Query(ctx, eventmodel.Filter{
		Kinds: proposalThreadKinds,
		Tags:  map[string][]string{"root": {rootID}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query thread children")
	}
	seen := map[string]bool{}
	var out []eventmodel.Event
	for _, ev := range append(root, children...) {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out, nil
}

func commitSummary(c *object.Commit) string {
	return strings.SplitN(c.Message, "\n", 2)[0]
}

// defaultBranchRef extracts the ref name HEAD currently resolves to
// from the nostr state (falling back to refs/heads/main), used as the
// base a brand-new proposal's commits are diffed against.
func (h *Helper) defaultBranchRef() string {
	if h.state != nil {
		if head, ok := h.state.Refs["HEAD"]; ok && strings.HasPrefix(head, "ref: ") {
			return strings.TrimPrefix(head, "ref: ")
		}
	}
	return "refs/heads/main"
}

// pushProposal handles one `refs/heads/pr/<slug>` refspec: creates a
// brand-new proposal, appends commits to an existing one, or (on a
// force-push) opens a revision.
func (h *Helper) pushProposal(ctx context.Context, rs reconcile.Refspec, errOut io.Writer) error {
	if rs.Src == "" {
		// A delete of a proposal branch only ever removes the local
		// ref; the thread itself remains in the cache as history.
		return nil
	}

	slug := strings.TrimPrefix(rs.Dst, "refs/heads/pr/")
	settings := config.NewRepoSettings(h.Repo.Repository)

	srcCommit, err := h.Repo.ResolveLocal(ctx, rs.Src)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", rs.Src)
	}
	tipCommit, err := h.Repo.CommitObjectByHex(srcCommit)
	if err != nil {
		return err
	}

	existingRoot, err := settings.ThreadRoot(slug)
	if err != nil {
		return err
	}

	now := nowTimestamp()

	switch {
	case existingRoot == "":
		return h.openNewProposal(ctx, slug, srcCommit, tipCommit, settings, now, errOut)
	case rs.Force:
		return h.openRevision(ctx, slug, existingRoot, srcCommit, tipCommit, settings, now, errOut)
	default:
		return h.appendToProposal(ctx, slug, existingRoot, srcCommit, tipCommit, settings, now, errOut)
	}
}

func (h *Helper) openNewProposal(ctx context.Context, slug, srcCommit string, tip *object.Commit, settings *config.RepoSettings, now int64, errOut io.Writer) error {
	base := ""
	if mainTip, err := h.Repo.ResolveLocal(ctx, h.defaultBranchRef()); err == nil {
		if mb, err := h.Repo.MergeBase(mainTip, srcCommit); err == nil {
			base = mb
		}
	}

	commits, err := h.Repo.AheadCommits(base, srcCommit)
	if err != nil || len(commits) == 0 {
		return errors.Wrap(err, "compute ahead commits for new proposal")
	}

	var parentOfFirst *object.Commit
	if base != "" {
		parentOfFirst, _ = h.Repo.CommitObjectByHex(base)
	}

	title := commitSummary(tip)
	events, err := patch.GenerateCoverLetterAndPatchEvents(ctx, h.Signer, h.repoRef, commits, parentOfFirst, title, "", slug, "", now)
	if err != nil {
		return errors.Wrap(err, "generate proposal events")
	}

	if err := h.publishProposalEvents(ctx, events, errOut); err != nil {
		return err
	}
	return settings.SetThreadRoot(slug, events[0].ID)
}

func (h *Helper) appendToProposal(ctx context.Context, slug, rootID, srcCommit string, tip *object.Commit, settings *config.RepoSettings, now int64, errOut io.Writer) error {
	thread, err := h.loadThread(ctx, rootID)
	if err != nil {
		return err
	}
	if len(thread) == 0 {
		return errors.Errorf("pushProposal: no cached thread for root %s", rootID)
	}
	tipEvent, err := patch.ThreadTip(thread)
	if err != nil {
		return errors.Wrap(err, "find proposal thread tip")
	}
	tipPatchCommit := tipEvent.Tags.Find("commit").Value()
	if tipPatchCommit == "" {
		// tip is the cover letter: nothing has a commit tag yet.
		tipPatchCommit = ""
	}

	commits, err := h.Repo.AheadCommits(tipPatchCommit, srcCommit)
	if err != nil || len(commits) == 0 {
		return errors.Wrap(err, "compute newly added proposal commits")
	}

	var parent *object.Commit
	if tipPatchCommit != "" {
		parent, _ = h.Repo.CommitObjectByHex(tipPatchCommit)
	}

	var events []eventmodel.Event
	parentPatchID := tipEvent.ID
	createdAt := now
	for i, c := range commits {
		ev, err := patch.GeneratePatchEvent(ctx, h.Signer, h.repoRef, c, parent, rootID, parentPatchID, 0, 0, createdAt+int64(i))
		if err != nil {
			return errors.Wrapf(err, "encode appended commit %s", c.Hash.String())
		}
		events = append(events, ev)
		parentPatchID = ev.ID
		parent = c
	}

	return h.publishProposalEvents(ctx, events, errOut)
}

func (h *Helper) openRevision(ctx context.Context, slug, originalRootID, srcCommit string, tip *object.Commit, settings *config.RepoSettings, now int64, errOut io.Writer) error {
	base := ""
	if mainTip, err := h.Repo.ResolveLocal(ctx, h.defaultBranchRef()); err == nil {
		if mb, err := h.Repo.MergeBase(mainTip, srcCommit); err == nil {
			base = mb
		}
	}

	commits, err := h.Repo.AheadCommits(base, srcCommit)
	if err != nil || len(commits) == 0 {
		return errors.Wrap(err, "compute ahead commits for revision")
	}

	title := commitSummary(tip)
	revisionRoot, err := patch.GenerateRevisionRoot(ctx, h.Signer, h.repoRef, originalRootID, title, "", slug, len(commits), now)
	if err != nil {
		return errors.Wrap(err, "generate revision root")
	}

	var parentOfFirst *object.Commit
	if base != "" {
		parentOfFirst, _ = h.Repo.CommitObjectByHex(base)
	}

	events := []eventmodel.Event{revisionRoot}
	parent := parentOfFirst
	parentPatchID := revisionRoot.ID
	for i, c := range commits {
		ev, err := patch.GeneratePatchEvent(ctx, h.Signer, h.repoRef, c, parent, revisionRoot.ID, parentPatchID, i+1, len(commits), now+int64(i)+1)
		if err != nil {
			return errors.Wrapf(err, "encode revision commit %s", c.Hash.String())
		}
		events = append(events, ev)
		parentPatchID = ev.ID
		parent = c
	}

	if err := h.publishProposalEvents(ctx, events, errOut); err != nil {
		return err
	}
	// The branch keeps mapping to the same slug; only the backing
	// thread root changes.
	return settings.SetThreadRoot(slug, revisionRoot.ID)
}

func (h *Helper) publishProposalEvents(ctx context.Context, events []eventmodel.Event, errOut io.Writer) error {
	for _, ev := range events {
		if err := h.Store.Put(ctx, ev); err != nil {
			return errors.Wrap(err, "cache proposal event")
		}
	}
	relays := h.repoRef.Relays
	for _, ev := range events {
		results := h.Pool.PublishAll(ctx, relays, ev)
		for url, err := range results {
			if err != nil {
				fmt.Fprintf(errOut, "warning: publish %s to %s: %v\n", ev.ID, url, err)
			}
		}
	}
	return nil
}

// scanForMergedProposals walks the commits newly reachable on an
// ordinary branch push and, for every merge commit whose second parent
// matches a cached proposal's current tip, publishes a merge-status
// event.
func (h *Helper) scanForMergedProposals(ctx context.Context, oldTip, newTip string, errOut io.Writer) {
	if newTip == "" {
		return
	}
	settings := config.NewRepoSettings(h.Repo.Repository)
	roots, err := settings.AllThreadRoots()
	if err != nil || len(roots) == 0 {
		return
	}

	commits, err := h.Repo.AheadCommits(oldTip, newTip)
	if err != nil {
		return
	}

	for _, c := range commits {
		if c.NumParents() < 2 {
			continue
		}
		for branch, rootID := range roots {
			thread, err := h.loadThread(ctx, rootID)
			if err != nil || len(thread) == 0 {
				continue
			}
			tipEvent, err := patch.ThreadTip(thread)
			if err != nil {
				continue
			}
			tipCommitID := tipEvent.Tags.Find("commit").Value()
			if tipCommitID == "" || !gitmirror.MergedProposalTip(c, tipCommitID) {
				continue
			}

			rr, err := patch.GetProposalAndRevisionRootFromPatch(tipEvent)
			if err != nil {
				continue
			}
			status, err := patch.CreateMergeStatus(ctx, h.Signer, h.repoRef,
				rr.ProposalRoot, rr.RevisionRoot, tipEvent.ID, c.Hash.String(),
				[]string{tipEvent.PubKey}, nowTimestamp())
			if err != nil {
				fmt.Fprintf(errOut, "warning: build merge status for %s: %v\n", branch, err)
				continue
			}
			if err := h.Store.Put(ctx, status); err != nil {
				continue
			}
			h.Pool.PublishAll(ctx, h.repoRef.Relays, status)
		}
	}
}

// fetchProposal reconstructs refName's commits from its cached patch
// thread and points the ref at the resulting tip, never shelling out
// to git. It warns rather than fails when no thread is cached, or
// when an individual patch's parent commit isn't available locally.
func (h *Helper) fetchProposal(ctx context.Context, refName string, errOut io.Writer) error {
	slug := strings.TrimPrefix(refName, "refs/heads/pr/")
	settings := config.NewRepoSettings(h.Repo.Repository)

	rootID, err := settings.ThreadRoot(slug)
	if err != nil {
		return err
	}
	if rootID == "" {
		rootID, err = h.findThreadRootBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if rootID == "" {
			fmt.Fprintf(errOut, "warning: no cached proposal thread for %s\n", refName)
			return nil
		}
		if err := settings.SetThreadRoot(slug, rootID); err != nil {
			return err
		}
	}

	thread, err := h.loadThread(ctx, rootID)
	if err != nil {
		return err
	}
	if len(thread) == 0 {
		fmt.Fprintf(errOut, "warning: empty cached thread for %s\n", refName)
		return nil
	}

	tip, err := patch.ThreadTip(thread)
	if err != nil {
		return errors.Wrap(err, "resolve proposal thread tip")
	}

	var lastCommit string
	for _, ev := range patch.OrderAncestorFirst(thread, tip) {
		pc, ok := patchCommitFromEvent(ev)
		if !ok {
			continue
		}
		if parent := ev.Tags.Find("parent-commit").Value(); parent != "" && parent != "initial" {
			if _, err := h.Repo.CommitObjectByHex(parent); err != nil {
				fmt.Fprintf(errOut, "warning: skip patch %s: parent %s not available locally\n", ev.ID, parent)
				continue
			}
			pc.ParentHash = parent
		}

		hash, err := h.Repo.ApplyMailPatch(pc)
		if err != nil {
			fmt.Fprintf(errOut, "warning: apply patch %s: %v\n", ev.ID, err)
			continue
		}
		lastCommit = hash
	}

	if lastCommit == "" {
		fmt.Fprintf(errOut, "warning: no patches applied for %s\n", refName)
		return nil
	}

	ref := plumbing.NewHashReference(plumbing.ReferenceName(refName), plumbing.NewHash(lastCommit))
	return h.Repo.Storer.SetReference(ref)
}

// findThreadRootBySlug recovers a proposal's thread-root id from the
// cover letter's `branch-name` tag when no local git-config record
// exists yet (e.g. a fresh clone fetching someone else's proposal
// branch for the first time).
func (h *Helper) findThreadRootBySlug(ctx context.Context, slug string) (string, error) {
	evs, err := h.Store.Query(ctx, eventmodel.Filter{
		Kinds: []int{eventmodel.KindPatch},
		Tags:  map[string][]string{"branch-name": {slug}},
	})
	if err != nil {
		return "", errors.Wrap(err, "query proposal roots by slug")
	}
	var roots []eventmodel.Event
	for _, ev := range evs {
		if ev.Tags.Find("cover-letter") != nil {
			roots = append(roots, ev)
		}
	}
	if len(roots) == 0 {
		return "", nil
	}
	return eventmodel.Latest(roots).ID, nil
}

// patchCommitFromEvent extracts a gitmirror.PatchCommit from a cached
// patch event's author/committer/description tags and mail-body
// content; ok is false for a cover letter, which carries no commit.
func patchCommitFromEvent(ev eventmodel.Event) (gitmirror.PatchCommit, bool) {
	if ev.Tags.Find("cover-letter") != nil {
		return gitmirror.PatchCommit{}, false
	}
	if ev.Tags.Find("commit").Value() == "" {
		return gitmirror.PatchCommit{}, false
	}

	authorName, authorEmail, authorWhen := identityFromTag(ev.Tags.Find("author"))
	commName, commEmail, commWhen := identityFromTag(ev.Tags.Find("committer"))
	firstLine := ev.Tags.Find("description").Value()

	return gitmirror.PatchCommit{
		AuthorName: authorName, AuthorEmail: authorEmail, AuthorWhen: authorWhen,
		CommitterName: commName, CommitterEmail: commEmail, CommitterWhen: commWhen,
		Message: reconstructMessage(ev.Content, firstLine),
		Body:    ev.Content,
	}, true
}

func identityFromTag(t eventmodel.Tag) (name, email string, when time.Time) {
	if len(t) > 1 {
		name = t[1]
	}
	if len(t) > 2 {
		email = t[2]
	}
	if len(t) > 3 {
		if ts, err := strconv.ParseInt(t[3], 10, 64); err == nil {
			when = time.Unix(ts, 0)
		}
	}
	return
}

// reconstructMessage rebuilds a commit's full message from a patch
// event's mail body: firstLine (the `description` tag) plus whatever
// free-form text sits between the mail headers and the `---` diff
// separator, mirroring mailBody's own layout in package patch.
func reconstructMessage(content, firstLine string) string {
	body := content
	if idx := strings.Index(body, "\n---\n"); idx >= 0 {
		body = body[:idx]
	} else if strings.HasPrefix(body, "---\n") {
		body = ""
	}
	idx := strings.Index(body, "\n\n")
	if idx < 0 {
		return firstLine
	}
	rest := strings.TrimRight(body[idx+2:], "\n")
	if rest == "" {
		return firstLine
	}
	return firstLine + "\n" + rest
}
