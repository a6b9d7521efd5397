// Package reporef holds typed views over the two replaceable event
// kinds that describe a repository's identity: the Repo Announcement
// (C5's RepoRef) and the Repo State (C5's RepoState), plus the
// reverse direction for RepoState: signing a new state event from a
// local ref map.
package reporef

import (
	"context"
	"sort"
	"strings"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/signer"
)

// RepoRef is the merged view across every maintainer's announcement
// for one repository identifier, merging maintainers as a lattice
// rather than replacing wholesale.
type RepoRef struct {
	Identifier  string
	Name        string
	RootCommit  string
	Maintainers []string // union across all per-author announcements
	Mirrors     []string
	Relays      []string

	// ByAuthor keeps each maintainer's own announcement event so
	// callers can still build a coordinate per-maintainer.
	ByAuthor map[string]eventmodel.Event
}

// RepoRefFrom computes the union of maintainers across every announcement
// event for the same identifier, taking scalar fields (name, root
// commit, mirrors, relays) from the latest-timestamp event.
func RepoRefFrom(events []eventmodel.Event) (*RepoRef, error) {
	if len(events) == 0 {
		return nil, errors.New("reporef: no announcement events")
	}

	identifier := events[0].Identifier()
	byAuthor := map[string]eventmodel.Event{}
	for _, e := range events {
		if e.Kind != eventmodel.KindRepoAnnouncement {
			return nil, errors.Errorf("reporef: event %s is not a repo announcement", e.ID)
		}
		if e.Identifier() != identifier {
			return nil, errors.New("reporef: mixed identifiers in announcement set")
		}
		if prev, ok := byAuthor[e.PubKey]; !ok || e.CreatedAt > prev.CreatedAt {
			byAuthor[e.PubKey] = e
		}
	}

	latest := eventmodel.Latest(events)

	// Mirror/relay order on the wire is insertion order across
	// announcements, not hash order, so the union is built on ordered
	// sets rather than a bare map. Maintainers are sorted below.
	maintainerSet := linkedhashset.New()
	mirrorSet := linkedhashset.New()
	relaySet := linkedhashset.New()
	for _, e := range events {
		for _, t := range e.Tags.FindAll("maintainers") {
			for _, pk := range t[1:] {
				maintainerSet.Add(pk)
			}
		}
		for _, t := range e.Tags.FindAll("p") {
			maintainerSet.Add(t.Value())
		}
		for _, t := range e.Tags.FindAll("clone") {
			for _, url := range t[1:] {
				mirrorSet.Add(url)
			}
		}
		for _, t := range e.Tags.FindAll("relays") {
			for _, url := range t[1:] {
				relaySet.Add(url)
			}
		}
	}
	// The publishing author of any announcement is, definitionally, a
	// maintainer even if absent from an explicit maintainers tag.
	for author := range byAuthor {
		maintainerSet.Add(author)
	}

	maintainers := toStrings(maintainerSet.Values())
	sort.Strings(maintainers)
	mirrors := toStrings(mirrorSet.Values())
	relays := toStrings(relaySet.Values())

	ref := &RepoRef{
		Identifier:  identifier,
		Name:        latest.Tags.Find("name").Value(),
		RootCommit:  latest.Tags.Find("r").Value(),
		Maintainers: maintainers,
		Mirrors:     mirrors,
		Relays:      relays,
		ByAuthor:    byAuthor,
	}

	var dup RepoRef
	if err := copier.Copy(&dup, ref); err != nil {
		return nil, errors.Wrap(err, "deep-copy merged announcement view")
	}
	return &dup, nil
}

func toStrings(values []interface{}) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.(string)
	}
	return out
}

// IsMaintainer reports whether pubkey is in the effective maintainer
// set — a push author must be a listed maintainer to be accepted.
func (r *RepoRef) IsMaintainer(pubkey string) bool {
	for _, m := range r.Maintainers {
		if m == pubkey {
			return true
		}
	}
	return false
}

// Coordinates returns one coordinate per maintainer's own announcement
// event, for use in patch/status event tags.
func (r *RepoRef) Coordinates() []eventmodel.Coordinate {
	coords := make([]eventmodel.Coordinate, 0, len(r.ByAuthor))
	for author := range r.ByAuthor {
		coords = append(coords, eventmodel.Coordinate{
			Kind:       eventmodel.KindRepoAnnouncement,
			Author:     author,
			Identifier: r.Identifier,
		})
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Author < coords[j].Author })
	return coords
}

// RepoState is the decoded ref → commit-id (or symbolic target)
// binding map for one (identifier, author) pair.
type RepoState struct {
	Identifier string
	Author     string
	Refs       map[string]string // "refs/heads/main" -> commit id, "HEAD" -> "ref: refs/heads/main"
	peeled     map[string]string // "refs/tags/X" -> peeled commit id, consistency aid only
	Event      eventmodel.Event
}

const refPrefix = "ref: "

func looksLikeRefBinding(name string) bool {
	return strings.HasPrefix(name, "refs/heads/") ||
		strings.HasPrefix(name, "refs/tags/") ||
		name == "HEAD"
}

// RepoStateFrom picks the latest-(created_at,id) state event for one
// author and decodes its ref bindings, filtering out dereferenced-tag
// entries and synthesizing HEAD when absent.
func RepoStateFrom(events []eventmodel.Event) (*RepoState, error) {
	if len(events) == 0 {
		return nil, errors.New("reporef: no state events")
	}
	latest := eventmodel.Latest(events)
	if latest.Kind != eventmodel.KindRepoState {
		return nil, errors.Errorf("reporef: event %s is not a repo state", latest.ID)
	}

	refs := map[string]string{}
	peeled := map[string]string{}
	for _, t := range latest.Tags {
		name := t.Name()
		if !looksLikeRefBinding(strings.TrimSuffix(name, "^{}")) {
			continue
		}
		value := t.Value()
		if strings.HasSuffix(name, "^{}") {
			peeled[strings.TrimSuffix(name, "^{}")] = value
			continue
		}
		refs[name] = value
	}

	synthesizeHead(refs)

	return &RepoState{
		Identifier: latest.Identifier(),
		Author:     latest.PubKey,
		Refs:       refs,
		peeled:     peeled,
		Event:      *latest,
	}, nil
}

// Peeled exposes the dereferenced-tag consistency aid; the helper's
// `list` output never includes these entries.
func (s *RepoState) Peeled(ref string) (string, bool) {
	v, ok := s.peeled[ref]
	return v, ok
}

// SynthesizeHead fills in refs["HEAD"] from refs/heads/master or
// refs/heads/main (in that order) when refs has neither a HEAD entry
// already; used both when building a state event and when a `list`
// response has no state event yet to source HEAD from.
func SynthesizeHead(refs map[string]string) {
	synthesizeHead(refs)
}

func synthesizeHead(refs map[string]string) {
	if _, ok := refs["HEAD"]; ok {
		return
	}
	if _, ok := refs["refs/heads/master"]; ok {
		refs["HEAD"] = refPrefix + "refs/heads/master"
		return
	}
	if _, ok := refs["refs/heads/main"]; ok {
		refs["HEAD"] = refPrefix + "refs/heads/main"
		return
	}
	var first string
	for name := range refs {
		if strings.HasPrefix(name, "refs/heads/") && (first == "" || name < first) {
			first = name
		}
	}
	if first != "" {
		refs["HEAD"] = refPrefix + first
	}
}

// BuildAnnouncement signs a fresh repo announcement event, the one a
// maintainer publishes to put a repository on the network for the
// first time or to update its mirror/relay/maintainer lists (used
// by `ngit init` and `ngit relay add`).
func BuildAnnouncement(
	ctx context.Context,
	identifier, name, rootCommit string,
	mirrors, relays, maintainers []string,
	createdAt int64,
	sgn signer.Gateway,
) (eventmodel.Event, error) {
	tags := eventmodel.Tags{{"d", identifier}}
	if name != "" {
		tags = append(tags, eventmodel.Tag{"name", name})
	}
	if rootCommit != "" {
		tags = append(tags, eventmodel.Tag{"r", rootCommit})
	}
	if len(mirrors) > 0 {
		tags = append(tags, append(eventmodel.Tag{"clone"}, mirrors...))
	}
	if len(relays) > 0 {
		tags = append(tags, append(eventmodel.Tag{"relays"}, relays...))
	}
	if len(maintainers) > 0 {
		tags = append(tags, append(eventmodel.Tag{"maintainers"}, maintainers...))
	}

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindRepoAnnouncement,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "",
	})
}

// Build signs a new state event from a ref map, inserting HEAD when
// missing, reversing RepoStateFrom.
func Build(ctx context.Context, identifier string, refs map[string]string, createdAt int64, sgn signer.Gateway) (eventmodel.Event, error) {
	merged := make(map[string]string, len(refs))
	for k, v := range refs {
		merged[k] = v
	}
	synthesizeHead(merged)

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := eventmodel.Tags{{"d", identifier}}
	for _, name := range names {
		tags = append(tags, eventmodel.Tag{name, merged[name]})
	}

	return sgn.Sign(ctx, signer.Builder{
		Kind:      eventmodel.KindRepoState,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "",
	})
}
