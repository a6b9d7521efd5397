// Package patch is the Proposal / Patch Encoder (C6): it converts
// Git commits to and from mail-format patch events, threads them into
// cover-letter-led proposals and revisions, and issues merge-status
// events once a proposal's tip lands on the main branch.
package patch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/reporef"
	"github.com/nostr-ngit/ngit/signer"
)

const mailDateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

// Identity is the author or committer identity required on every
// patch event: name, email, and the timestamp the action happened at.
// Its tag carries name, email and unix seconds; no timezone offset.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

func identityFromSig(sig object.Signature) Identity {
	return Identity{Name: sig.Name, Email: sig.Email, When: sig.When}
}

func (id Identity) tag(tagName string) eventmodel.Tag {
	return eventmodel.Tag{tagName, id.Name, id.Email, strconv.FormatInt(id.When.Unix(), 10)}
}

// mailBody renders the From/Date/Subject header block ngit-cli's
// patch.rs produces, followed by the commit message and a unified
// diff body.
func mailBody(commit *object.Commit, index, total int, diff string) string {
	var b strings.Builder

	subjectPrefix := ""
	if total > 0 {
		subjectPrefix = fmt.Sprintf("[PATCH %d/%d] ", index, total)
	}
	firstLine := strings.SplitN(commit.Message, "\n", 2)[0]

	fmt.Fprintf(&b, "From %s Mon Sep 17 00:00:00 2001\n", commit.Hash.String())
	fmt.Fprintf(&b, "From: %s <%s>\n", commit.Author.Name, commit.Author.Email)
	fmt.Fprintf(&b, "Date: %s\n", commit.Author.When.Format(mailDateLayout))
	fmt.Fprintf(&b, "Subject: %s%s\n\n", subjectPrefix, firstLine)

	if rest := strings.TrimPrefix(commit.Message, firstLine); strings.TrimSpace(rest) != "" {
		b.WriteString(strings.TrimPrefix(rest, "\n"))
		b.WriteString("\n")
	}

	if diff != "" {
		b.WriteString("---\n")
		b.WriteString(diff)
	}
	return b.String()
}

// oneLineSummary is the first line of the commit message, used for
// the required description tag and (absent a cover letter) the branch
// slug's human-readable suffix.
func oneLineSummary(commit *object.Commit) string {
	return strings.SplitN(commit.Message, "\n", 2)[0]
}

// GeneratePatchEvent builds and signs one patch event for commit.
// threadRoot/parentPatch are empty for the very first patch in a
// proposal that has no cover letter. index/total, when > 0, produce a
// "[PATCH n/m]" subject.
func GeneratePatchEvent(
	ctx context.Context,
	sgn signer.Gateway,
	ref *reporef.RepoRef,
	commit *object.Commit,
	parent *object.Commit,
	threadRoot, parentPatch string,
	index, total int,
	createdAt int64,
) (eventmodel.Event, error) {
	diff := ""
	if parent != nil {
		p, err := parent.Patch(commit)
		if err != nil {
			return eventmodel.Event{}, errors.Wrap(err, "compute commit diff")
		}
		diff = p.String()
	}

	tags := eventmodel.Tags{
		{"commit", commit.Hash.String()},
		{"description", oneLineSummary(commit)},
	}
	if parent != nil {
		tags = append(tags, eventmodel.Tag{"parent-commit", parent.Hash.String()})
	} else {
		tags = append(tags, eventmodel.Tag{"commit-pgp-sig", ""}, eventmodel.Tag{"parent-commit", "initial"})
	}
	tags = append(tags, eventmodel.Tag{"r", ref.RootCommit})
	for _, c := range ref.Coordinates() {
		tags = append(tags, c.Tag())
	}
	tags = append(tags, identityFromSig(commit.Author).tag("author"))
	tags = append(tags, identityFromSig(commit.Committer).tag("committer"))
	if threadRoot != "" {
		tags = append(tags, eventmodel.Tag{"root", threadRoot})
	}
	if parentPatch != "" {
		tags = append(tags, eventmodel.Tag{"reply", parentPatch})
	}

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindPatch,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   mailBody(commit, index, total, diff),
	})
}

// GenerateCoverLetterEvent builds the thread-root patch event that
// carries a proposal's title and description but no diff.
func GenerateCoverLetterEvent(
	ctx context.Context,
	sgn signer.Gateway,
	ref *reporef.RepoRef,
	title, description, branchSlugHint string,
	total int,
	createdAt int64,
) (eventmodel.Event, error) {
	tags := eventmodel.Tags{
		{"cover-letter"},
		{"description", description},
		{"r", ref.RootCommit},
	}
	for _, c := range ref.Coordinates() {
		tags = append(tags, c.Tag())
	}
	if branchSlugHint != "" {
		tags = append(tags, eventmodel.Tag{"branch-name", branchSlugHint})
	}

	subject := fmt.Sprintf("[PATCH 0/%d] %s", total, title)
	content := fmt.Sprintf("From: %s\nSubject: %s\n\n%s\n", ref.Coordinates()[0].Author, subject, description)

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindPatch,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	})
}

// GenerateCoverLetterAndPatchEvents builds a full proposal from an
// ordered list of commits, oldest (furthest from tip) first. With a
// single commit and no reply target it returns just that one patch,
// with no cover letter.
func GenerateCoverLetterAndPatchEvents(
	ctx context.Context,
	sgn signer.Gateway,
	ref *reporef.RepoRef,
	commits []*object.Commit, // parent-of-commits[0] is commits[0]'s git parent, outside this slice
	parentOfFirst *object.Commit,
	title, description, branchSlugHint string,
	inReplyTo string,
	createdAt int64,
) ([]eventmodel.Event, error) {
	if len(commits) == 0 {
		return nil, errors.New("patch: no commits to encode")
	}

	needsCoverLetter := len(commits) > 1 || inReplyTo != ""
	var events []eventmodel.Event
	threadRoot := inReplyTo
	parentPatchID := ""

	if needsCoverLetter {
		cl, err := GenerateCoverLetterEvent(ctx, sgn, ref, title, description, branchSlugHint, len(commits), createdAt)
		if err != nil {
			return nil, err
		}
		events = append(events, cl)
		threadRoot = cl.ID
		parentPatchID = cl.ID
		createdAt++
	}

	parent := parentOfFirst
	for i, commit := range commits {
		index := i + 1
		total := len(commits)
		if !needsCoverLetter {
			total = 0
		}
		ev, err := GeneratePatchEvent(ctx, sgn, ref, commit, parent, threadRoot, parentPatchID, index, total, createdAt+int64(i))
		if err != nil {
			return nil, errors.Wrapf(err, "encode commit %s", commit.Hash.String())
		}
		events = append(events, ev)
		parentPatchID = ev.ID
		parent = commit
	}

	return events, nil
}

// revisionSuffix marks a revision's cover-letter/root patch as
// replacing an earlier proposal root, as happens on a force-push.
func revisionSuffix(tags eventmodel.Tags, originalRoot string) eventmodel.Tags {
	return append(tags, eventmodel.Tag{"revision-root"}, eventmodel.Tag{"reply", originalRoot})
}

// GenerateRevisionRoot builds a new thread root replacing an earlier
// proposal, tagged both `revision-root` and `reply` of the original
// root.
func GenerateRevisionRoot(
	ctx context.Context,
	sgn signer.Gateway,
	ref *reporef.RepoRef,
	originalRootID string,
	title, description, branchSlugHint string,
	total int,
	createdAt int64,
) (eventmodel.Event, error) {
	tags := eventmodel.Tags{
		{"cover-letter"},
		{"description", description},
		{"r", ref.RootCommit},
	}
	for _, c := range ref.Coordinates() {
		tags = append(tags, c.Tag())
	}
	if branchSlugHint != "" {
		tags = append(tags, eventmodel.Tag{"branch-name", branchSlugHint})
	}
	tags = revisionSuffix(tags, originalRootID)

	subject := fmt.Sprintf("[PATCH v2 0/%d] %s", total, title)
	content := fmt.Sprintf("Subject: %s\n\n%s\n", subject, description)

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindPatch,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	})
}

// CreateMergeStatus signs a status event announcing that a proposal's
// tip commit has been merged.
// revisionRoot is empty when the merged proposal was never revised.
func CreateMergeStatus(
	ctx context.Context,
	sgn signer.Gateway,
	ref *reporef.RepoRef,
	proposalRootID, revisionRoot, mergedPatchID, mergeCommitID string,
	authorPubkeys []string,
	createdAt int64,
) (eventmodel.Event, error) {
	root := proposalRootID
	if revisionRoot != "" {
		root = revisionRoot
	}

	tags := eventmodel.Tags{
		{"root", root},
		{"mention", mergedPatchID},
		{"merge-commit-id", mergeCommitID},
		{"r", ref.RootCommit},
	}
	for _, c := range ref.Coordinates() {
		tags = append(tags, c.Tag())
	}
	for _, m := range ref.Maintainers {
		tags = append(tags, eventmodel.Tag{"p", m})
	}
	for _, a := range authorPubkeys {
		if !containsStr(ref.Maintainers, a) {
			tags = append(tags, eventmodel.Tag{"p", a})
		}
	}

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindStatusApplied,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "",
	})
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// ProposalAndRevisionRoot is a patch's thread root, or (original root,
// revision root) when the patch is itself a revision root. A child
// patch resolves to its own `root` tag only: inside a revision thread
// that is the revision root, reported as ProposalRoot, and the
// original root is not looked up.
type ProposalAndRevisionRoot struct {
	ProposalRoot string
	RevisionRoot string // empty unless this thread is a revision
}

// GetProposalAndRevisionRootFromPatch walks tags on patch (not the
// full thread) to resolve its root, handling both a plain root patch
// and a revision-root patch whose `reply` points at the original.
func GetProposalAndRevisionRootFromPatch(patch eventmodel.Event) (ProposalAndRevisionRoot, error) {
	isRevisionRoot := patch.Tags.Find("revision-root") != nil

	if root := patch.Tags.Find("root"); root != nil {
		if isRevisionRoot {
			original := patch.Tags.Find("reply").Value()
			return ProposalAndRevisionRoot{ProposalRoot: original, RevisionRoot: patch.ID}, nil
		}
		return ProposalAndRevisionRoot{ProposalRoot: root.Value()}, nil
	}

	// patch carries no `root` tag: it is itself the thread root.
	if isRevisionRoot {
		original := patch.Tags.Find("reply").Value()
		return ProposalAndRevisionRoot{ProposalRoot: original, RevisionRoot: patch.ID}, nil
	}
	return ProposalAndRevisionRoot{ProposalRoot: patch.ID}, nil
}

// ThreadTip returns the patch in thread that is not referenced as
// `reply` by any other patch in thread — the unique tip. Returns an
// error if the reply graph is not a single linear path (more than
// one, or zero, un-referenced patches).
func ThreadTip(thread []eventmodel.Event) (eventmodel.Event, error) {
	referenced := map[string]bool{}
	byID := map[string]eventmodel.Event{}
	for _, ev := range thread {
		byID[ev.ID] = ev
		if reply := ev.Tags.Find("reply"); reply != nil {
			referenced[reply.Value()] = true
		}
	}

	var tips []eventmodel.Event
	for _, ev := range thread {
		if !referenced[ev.ID] {
			tips = append(tips, ev)
		}
	}

	if len(tips) != 1 {
		return eventmodel.Event{}, errors.Errorf("patch: thread has %d tip candidates, expected exactly 1", len(tips))
	}
	return tips[0], nil
}

// OrderAncestorFirst walks the reply chain from tip back to the
// thread root and returns patches ordered oldest (root-adjacent)
// first, the order a proposal fetch needs to reconstruct commits.
func OrderAncestorFirst(thread []eventmodel.Event, tip eventmodel.Event) []eventmodel.Event {
	byID := map[string]eventmodel.Event{}
	for _, ev := range thread {
		byID[ev.ID] = ev
	}

	var chain []eventmodel.Event
	cur := tip
	for {
		chain = append(chain, cur)
		reply := cur.Tags.Find("reply")
		if reply == nil {
			break
		}
		next, ok := byID[reply.Value()]
		if !ok {
			break
		}
		cur = next
	}

	// Reverse in place: chain was built tip-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	// Drop a leading cover letter; it carries no commit.
	if len(chain) > 0 && chain[0].Tags.Find("cover-letter") != nil {
		chain = chain[1:]
	}
	return chain
}
