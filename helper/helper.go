// Package helper is the Remote Helper Protocol (C8): the line-reading
// loop a `git-remote-nostr` process runs against Git's stdio, wiring
// together every other component to answer `capabilities`, `list`,
// batched `fetch`, and batched `push`.
package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/fetchplan"
	"github.com/nostr-ngit/ngit/gitmirror"
	"github.com/nostr-ngit/ngit/nostrurl"
	"github.com/nostr-ngit/ngit/pkgs/logger"
	"github.com/nostr-ngit/ngit/pkgs/queue"
	"github.com/nostr-ngit/ngit/reconcile"
	"github.com/nostr-ngit/ngit/relay"
	"github.com/nostr-ngit/ngit/reporef"
	"github.com/nostr-ngit/ngit/signer"
)

// Helper serves one remote-helper session. Remote is the git remote
// name this helper was invoked as; used to build the
// `refs/remotes/<name>/<dst>` tracking refs Git expects after a
// successful push.
type Helper struct {
	Remote     string
	URL        *nostrurl.PseudoURL
	Repo       *gitmirror.Repo
	Store      eventcache.Store
	Pool       *relay.Pool
	Signer     signer.Gateway
	Policy     *nostrurl.Policy
	Log        logger.Logger

	repoRef   *reporef.RepoRef
	state     *reporef.RepoState
	mirrors   []string
}

// New builds a Helper ready to Serve. callers are expected to have
// already opened the local repository and resolved the pseudo-URL.
func New(remote string, url *nostrurl.PseudoURL, repo *gitmirror.Repo, store eventcache.Store, pool *relay.Pool, sgn signer.Gateway, policy *nostrurl.Policy, log logger.Logger) *Helper {
	return &Helper{Remote: remote, URL: url, Repo: repo, Store: store, Pool: pool, Signer: sgn, Policy: policy, Log: log}
}

// Serve runs the line protocol loop against in/out/errOut until Git
// closes stdin. Each command reads until a blank terminator line; no
// command may return without writing its own terminating blank line.
func (h *Helper) Serve(ctx context.Context, in io.Reader, out io.Writer, errOut io.Writer) error {
	reader := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	for {
		line, err := readLine(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read command line")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "capabilities":
			if err := h.handleCapabilities(w); err != nil {
				return err
			}
		case line == "list" || line == "list for-push":
			if err := h.handleList(ctx, w, errOut); err != nil {
				return err
			}
		case strings.HasPrefix(line, "fetch "):
			if err := h.handleFetchBatch(ctx, reader, w, errOut, line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "push "):
			if err := h.handlePushBatch(ctx, reader, w, errOut, line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "option "):
			fmt.Fprintln(w, "unsupported")
			w.Flush()
		default:
			return errors.Errorf("protocol violation: unexpected line %q", line)
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

func (h *Helper) handleCapabilities(w *bufio.Writer) error {
	fmt.Fprintln(w, "push")
	fmt.Fprintln(w, "fetch")
	fmt.Fprintln(w, "option")
	fmt.Fprintln(w)
	return w.Flush()
}

// refresh runs the fetch planner against the coordinate this helper
// was invoked with and rebuilds the in-memory RepoRef/RepoState views
// from whatever the cache now holds.
func (h *Helper) refresh(ctx context.Context) error {
	planner := fetchplan.New(h.Pool, h.Store)
	seeds := fetchplan.Seeds{
		RepoCoordinates: []eventmodel.Coordinate{h.URL.Coordinate},
		FallbackRelays:  h.URL.Coordinate.Relays,
	}
	if _, err := planner.Run(ctx, seeds); err != nil && errors.Cause(err) != context.DeadlineExceeded {
		h.Log.Warn("fetch planner", "err", err)
	}

	annFilter := eventmodel.Filter{
		Kinds:       []int{eventmodel.KindRepoAnnouncement},
		Identifiers: []string{h.URL.Coordinate.Identifier},
	}
	anns, err := h.Store.Query(ctx, annFilter)
	if err != nil {
		return errors.Wrap(err, "query announcements")
	}
	ref, err := reporef.RepoRefFrom(anns)
	if err != nil {
		return errors.Wrap(err, "build repo ref")
	}
	h.repoRef = ref
	h.mirrors = ref.Mirrors

	stateFilter := eventmodel.Filter{
		Kinds:       []int{eventmodel.KindRepoState},
		Identifiers: []string{h.URL.Coordinate.Identifier},
		Authors:     ref.Maintainers,
	}
	states, err := h.Store.Query(ctx, stateFilter)
	if err != nil {
		return errors.Wrap(err, "query state events")
	}
	state, err := reporef.RepoStateFrom(states)
	if err != nil && len(states) > 0 {
		return errors.Wrap(err, "build repo state")
	}
	h.state = state
	return nil
}

// mirrorStates ls-remotes every mirror this helper knows about and
// returns one reconcile.MirrorState per mirror URL. A mirror that
// can't be reached (down, wrong credentials, unresolvable scheme)
// contributes an empty state rather than failing the whole command —
// the decision table already treats "mirror lacks dst" as a valid
// input, and the reject path still fires if nostr disagrees with a
// mirror that did answer.
func (h *Helper) mirrorStates(ctx context.Context, errOut io.Writer) map[string]reconcile.MirrorState {
	states := map[string]reconcile.MirrorState{}
	for _, mirror := range h.mirrors {
		refs, err := h.Repo.ListRemoteRefs(ctx, h.Policy, mirror, gitmirror.Credentials{})
		if err != nil {
			fmt.Fprintf(errOut, "warning: list remote refs at %s: %v\n", mirror, err)
			states[mirror] = reconcile.MirrorState{}
			continue
		}
		states[mirror] = reconcile.MirrorState(refs)
	}
	return states
}

// reconciledRefs merges the mirror-advertised state into the
// authoritative nostr state for `list` output: nostr remains the
// source of truth for every ref it names (mirrors hold objects, not
// authority), but a ref a mirror advertises that nostr has never
// recorded is still surfaced so a fresh clone sees it.
func reconciledRefs(nostrRefs map[string]string, mirrors map[string]reconcile.MirrorState) map[string]string {
	merged := map[string]string{}
	for ref, oid := range nostrRefs {
		merged[ref] = oid
	}
	for _, mirror := range mirrors {
		for ref, oid := range mirror {
			if _, ok := merged[ref]; !ok {
				merged[ref] = oid
			}
		}
	}
	return merged
}

func (h *Helper) handleList(ctx context.Context, w *bufio.Writer, errOut io.Writer) error {
	if err := h.refresh(ctx); err != nil {
		return err
	}

	nostrRefs := map[string]string{}
	if h.state != nil {
		nostrRefs = h.state.Refs
	}

	mirrors := h.mirrorStates(ctx, errOut)
	refs := reconciledRefs(nostrRefs, mirrors)
	reporef.SynthesizeHead(refs)

	if len(refs) == 0 {
		fmt.Fprintln(w)
		return w.Flush()
	}

	if head, ok := refs["HEAD"]; ok && strings.HasPrefix(head, "ref: ") {
		target := strings.TrimPrefix(head, "ref: ")
		fmt.Fprintf(w, "@%s HEAD\n", target)
	}

	names := make([]string, 0, len(refs))
	for ref := range refs {
		if ref == "HEAD" {
			continue
		}
		names = append(names, ref)
	}
	sort.Strings(names)
	for _, ref := range names {
		fmt.Fprintf(w, "%s %s\n", refs[ref], ref)
	}
	fmt.Fprintln(w)
	return w.Flush()
}

func (h *Helper) handleFetchBatch(ctx context.Context, r *bufio.Reader, w *bufio.Writer, errOut io.Writer, first string) error {
	lines := []string{first}
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		_, refName := fields[1], fields[2]
		if reconcile.IsProposalRef(refName) {
			if err := h.fetchProposal(ctx, refName, errOut); err != nil {
				fmt.Fprintf(errOut, "warning: %v\n", err)
			}
			continue
		}
		if err := h.fetchFromMirrors(ctx, errOut); err != nil {
			fmt.Fprintf(errOut, "warning: %v\n", err)
		}
	}

	fmt.Fprintln(w)
	return w.Flush()
}

func (h *Helper) fetchFromMirrors(ctx context.Context, errOut io.Writer) error {
	var lastErr error
	for _, mirror := range h.mirrors {
		err := h.Repo.FetchFromServer(ctx, h.Policy, mirror,
			[]config.RefSpec{config.RefSpec("+refs/*:refs/*")},
			gitmirror.Credentials{}, gitmirror.NewProgressReporter(errOut, mirror))
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (h *Helper) handlePushBatch(ctx context.Context, r *bufio.Reader, w *bufio.Writer, errOut io.Writer, first string) error {
	lines := []string{first}
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}

	var refspecs []reconcile.Refspec
	for _, line := range lines {
		spec := strings.TrimPrefix(strings.TrimSpace(line), "push ")
		force := strings.HasPrefix(spec, "+")
		spec = strings.TrimPrefix(spec, "+")
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			continue
		}
		refspecs = append(refspecs, reconcile.Refspec{Src: parts[0], Dst: parts[1], Force: force})
	}

	if err := h.refresh(ctx); err != nil {
		return err
	}

	nostr := reconcile.NostrState{}
	if h.state != nil {
		for ref, oid := range h.state.Refs {
			if ref == "HEAD" {
				continue
			}
			nostr[ref] = oid
		}
	}

	mirrorStates := h.mirrorStates(ctx, errOut)

	batch, err := reconcile.Reconcile(ctx, h.Repo, refspecs, nostr, mirrorStates)
	if err != nil {
		return errors.Wrap(err, "reconcile push batch")
	}

	if len(batch.NewRefs) > 0 || len(batch.Deleted) > 0 {
		merged := map[string]string{}
		if h.state != nil {
			for k, v := range h.state.Refs {
				merged[k] = v
			}
		}
		for ref, oid := range batch.NewRefs {
			merged[ref] = oid
		}
		for _, ref := range batch.Deleted {
			delete(merged, ref)
		}

		identifier := h.URL.Coordinate.Identifier
		ev, err := reporef.Build(ctx, identifier, merged, nowTimestamp(), h.Signer)
		if err != nil {
			return errors.Wrap(err, "sign new state event")
		}
		results := h.Pool.PublishAll(ctx, h.repoRef.Relays, ev)
		for url, perr := range results {
			if perr != nil {
				fmt.Fprintf(errOut, "warning: publish to %s: %v\n", url, perr)
			}
		}
	}

	oldDefaultTip := ""
	defaultRef := h.defaultBranchRef()
	if h.state != nil {
		oldDefaultTip = h.state.Refs[defaultRef]
	}

	for _, rs := range refspecs {
		if reconcile.IsProposalRef(rs.Dst) {
			if err := h.pushProposal(ctx, rs, errOut); err != nil {
				fmt.Fprintf(w, "error %s %v\n", rs.Dst, err)
				continue
			}
			fmt.Fprintf(w, "ok %s\n", rs.Dst)
			h.updateTrackingRef(ctx, rs)
			continue
		}
		if reason, rejected := batch.Rejected[rs.Dst]; rejected {
			fmt.Fprintf(w, "error %s %s\n", rs.Dst, reason)
			continue
		}
		fmt.Fprintf(w, "ok %s\n", rs.Dst)
		h.updateTrackingRef(ctx, rs)
		h.pushToMirrors(ctx, rs, errOut)
		if rs.Dst == defaultRef {
			h.scanForMergedProposals(ctx, oldDefaultTip, batch.NewRefs[rs.Dst], errOut)
		}
	}

	fmt.Fprintln(w)
	return w.Flush()
}

// updateTrackingRef sets refs/remotes/<remote>/<dst> to the pushed
// commit once the push is acknowledged.
func (h *Helper) updateTrackingRef(ctx context.Context, rs reconcile.Refspec) {
	if rs.Src == "" {
		stripped := strings.TrimPrefix(rs.Dst, "refs/heads/")
		trackingName := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/%s/%s", h.Remote, stripped))
		_ = h.Repo.Storer.RemoveReference(trackingName)
		return
	}
	commit, err := h.Repo.ResolveLocal(ctx, rs.Src)
	if err != nil {
		return
	}
	stripped := strings.TrimPrefix(rs.Dst, "refs/heads/")
	trackingName := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/%s/%s", h.Remote, stripped))
	ref := plumbing.NewHashReference(trackingName, plumbing.NewHash(commit))
	_ = h.Repo.Storer.SetReference(ref)
}

// mirrorTask is one mirror push target; its GetID is the mirror URL
// itself, so a UniqueQueue built from a mirror list silently drops any
// duplicate URL that slipped in from more than one maintainer's
// announcement instead of pushing to it twice.
type mirrorTask struct {
	url string
}

func (t *mirrorTask) GetID() interface{} { return t.url }

func (h *Helper) pushToMirrors(ctx context.Context, rs reconcile.Refspec, errOut io.Writer) {
	spec := rs.Dst + ":" + rs.Dst
	if rs.Force {
		spec = "+" + spec
	}

	q := queue.NewUnique()
	for _, mirror := range h.mirrors {
		q.Append(&mirrorTask{url: mirror})
	}

	for !q.Empty() {
		task := q.Head().(*mirrorTask)
		err := h.Repo.PushToServer(ctx, h.Policy, task.url,
			[]config.RefSpec{config.RefSpec(spec)},
			gitmirror.Credentials{}, gitmirror.NewProgressReporter(errOut, task.url))
		if err != nil {
			fmt.Fprintf(errOut, "warning: push to mirror %s failed: %v\n", task.url, err)
		}
	}
}

func nowTimestamp() int64 {
	return time.Now().Unix()
}
