// Package fetchplan is the Fetch Planner (C4): given a set of repo
// coordinates and optional user pubkeys, it runs a fixed-point relay
// discovery loop, classifying every newly observed event and widening
// the relay/coordinate universe it queries until a round adds nothing
// new.
package fetchplan

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/relay"
)

// Topics published on the planner's internal emitter as each relay
// round classifies events.
const (
	TopicAnnouncement   = "event:announcement"
	TopicState          = "event:state"
	TopicProposalRoot    = "event:proposal-root"
	TopicProposalChild   = "event:proposal-child"
	TopicProfile         = "event:profile"
)

// processedSetCap bounds the "already processed this round" relay and
// coordinate sets so a misbehaving relay advertising unbounded
// maintainer fan-out cannot grow the loop's memory without limit.
const processedSetCap = 4096

// Seeds is the planner's input: the repo coordinates to discover state
// for, plus optional user pubkeys whose profile/relay-list should be
// resolved alongside.
type Seeds struct {
	RepoCoordinates []eventmodel.Coordinate
	UserPubkeys     []string
	FallbackRelays  []string

	// KnownThreadRoots seeds proposal discovery for threads already
	// cached locally, so a re-run picks up new replies without
	// rediscovering the thread root from scratch.
	KnownThreadRoots []string

	// Since, when set, is attached to every built filter so a caller
	// that already has a fresh cache (e.g. `ngit status` without
	// --refresh having run recently) only pulls events newer than its
	// last successful round instead of re-querying full history.
	Since *int64
}

// Report summarizes one Run: fresh counts by category, plus the
// widened universe the caller may want to persist as relay hints.
type Report struct {
	NewAnnouncements int
	NewStates        int
	NewProposalRoots int
	NewProposalChild int
	NewProfiles      int

	RelayUniverse      []string
	Coordinates        []eventmodel.Coordinate
}

// Planner runs the discovery loop against a relay pool, persisting
// every matching event into an eventcache.Store as it arrives.
type Planner struct {
	pool  *relay.Pool
	store eventcache.Store
	em    *emitter.Emitter
}

// New returns a Planner querying through pool and persisting into store.
func New(pool *relay.Pool, store eventcache.Store) *Planner {
	return &Planner{pool: pool, store: store, em: emitter.New(16)}
}

// On subscribes to one of the Topic* classification topics; events
// are delivered as they are classified during Run, before Run
// returns. Callers should subscribe before calling Run.
func (p *Planner) On(topic string) <-chan emitter.Event {
	return p.em.On(topic)
}

type roundState struct {
	relays       *lru.Cache // processed relay URLs this Run
	coordSeen    *lru.Cache // coordinates already in the universe
	universe     []string
	coordinates  []eventmodel.Coordinate
	threadRoots  []string
	userPubkeys  map[string]bool
	since        *int64

	mu sync.Mutex

	report Report
}

func newRoundState(seeds Seeds) (*roundState, error) {
	relaysCache, err := lru.New(processedSetCap)
	if err != nil {
		return nil, err
	}
	coordCache, err := lru.New(processedSetCap)
	if err != nil {
		return nil, err
	}

	rs := &roundState{
		relays:      relaysCache,
		coordSeen:   coordCache,
		universe:    append([]string{}, seeds.FallbackRelays...),
		coordinates: append([]eventmodel.Coordinate{}, seeds.RepoCoordinates...),
		threadRoots: append([]string{}, seeds.KnownThreadRoots...),
		userPubkeys: map[string]bool{},
		since:       seeds.Since,
	}
	for _, pk := range seeds.UserPubkeys {
		rs.userPubkeys[pk] = true
	}
	for _, c := range rs.coordinates {
		rs.coordSeen.Add(c.String(), true)
		rs.universe = funk.UniqString(append(rs.universe, c.Relays...))
	}
	return rs, nil
}

// addRelays widens the universe with newly discovered relay hints,
// reporting whether the universe actually grew.
func (rs *roundState) addRelays(hints []string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	before := len(rs.universe)
	rs.universe = funk.UniqString(append(rs.universe, hints...))
	return len(rs.universe) > before
}

// addCoordinate adds a newly discovered maintainer coordinate to the
// universe, reporting whether it was new.
func (rs *roundState) addCoordinate(c eventmodel.Coordinate) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.coordSeen.Contains(c.String()) {
		return false
	}
	rs.coordSeen.Add(c.String(), true)
	rs.coordinates = append(rs.coordinates, c)
	if grew := funk.UniqString(append(rs.universe, c.Relays...)); len(grew) > len(rs.universe) {
		rs.universe = grew
	}
	return true
}

func (rs *roundState) addThreadRoot(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if funk.ContainsString(rs.threadRoots, id) {
		return false
	}
	rs.threadRoots = append(rs.threadRoots, id)
	return true
}

func (rs *roundState) unprocessedRelays() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, url := range rs.universe {
		if !rs.relays.Contains(url) {
			out = append(out, url)
		}
	}
	return out
}

func (rs *roundState) markProcessed(url string) {
	rs.relays.Add(url, true)
}

// buildFilters constructs the union filter set for the current round:
// announcement/state/patch-or-status filters keyed by the current
// coordinate set, proposal filters keyed by known thread roots, and
// profile filters keyed by user pubkeys.
func (rs *roundState) buildFilters() []eventmodel.Filter {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var filters []eventmodel.Filter

	if len(rs.coordinates) > 0 {
		idents := make([]string, 0, len(rs.coordinates))
		authors := make([]string, 0, len(rs.coordinates))
		for _, c := range rs.coordinates {
			idents = append(idents, c.Identifier)
			authors = append(authors, c.Author)
		}
		idents = funk.UniqString(idents)
		authors = funk.UniqString(authors)

		filters = append(filters, eventmodel.Filter{
			Kinds:       []int{eventmodel.KindRepoAnnouncement},
			Identifiers: idents,
			Authors:     authors,
		})
		filters = append(filters, eventmodel.Filter{
			Kinds:       []int{eventmodel.KindRepoState},
			Identifiers: idents,
			Authors:     authors,
		})

		aTags := make([]string, 0, len(rs.coordinates))
		for _, c := range rs.coordinates {
			aTags = append(aTags, c.String())
		}
		filters = append(filters, eventmodel.Filter{
			Kinds: []int{eventmodel.KindPatch},
			Tags:  map[string][]string{"a": aTags},
		})
	}

	if len(rs.threadRoots) > 0 {
		filters = append(filters, eventmodel.Filter{
			Kinds: []int{eventmodel.KindPatch, eventmodel.KindStatusOpen,
				eventmodel.KindStatusApplied, eventmodel.KindStatusClosed, eventmodel.KindStatusDraft},
			Tags: map[string][]string{"e": rs.threadRoots, "root": rs.threadRoots},
		})
	}

	if len(rs.userPubkeys) > 0 {
		authors := make([]string, 0, len(rs.userPubkeys))
		for pk := range rs.userPubkeys {
			authors = append(authors, pk)
		}
		filters = append(filters, eventmodel.Filter{
			Kinds:   []int{eventmodel.KindProfileMetadata, eventmodel.KindRelayList},
			Authors: authors,
		})
	}

	if rs.since != nil {
		for i := range filters {
			filters[i].Since = rs.since
		}
	}

	return filters
}

// Run executes the fixed-point loop until a round adds no new relay,
// coordinate, or thread root to the universe, or ctx is cancelled.
// Cancellation is observed between rounds and at each per-relay query
// boundary, never inside an in-flight 7s query.
func (p *Planner) Run(ctx context.Context, seeds Seeds) (*Report, error) {
	rs, err := newRoundState(seeds)
	if err != nil {
		return nil, errors.Wrap(err, "init fetch plan state")
	}

	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return p.finalize(rs), ctx.Err()
		default:
		}

		pending := rs.unprocessedRelays()
		if len(pending) == 0 {
			break
		}

		grew := false
		for _, url := range pending {
			select {
			case <-ctx.Done():
				return p.finalize(rs), ctx.Err()
			default:
			}

			events, _ := p.pool.Query(context.WithoutCancel(ctx), []string{url}, rs.buildFilters())
			rs.markProcessed(url)

			for _, evs := range events {
				for _, ev := range evs {
					if err := p.store.Put(ctx, ev); err != nil {
						continue
					}
					if seen[ev.ID] {
						continue
					}
					seen[ev.ID] = true
					if p.classify(rs, ev) {
						grew = true
					}
				}
			}
		}

		if !grew && len(rs.unprocessedRelays()) == 0 {
			break
		}
	}

	return p.finalize(rs), nil
}

// classify dispatches one persisted event to the right emitter topic
// and widens the universe when it introduces a new maintainer
// coordinate or relay hint. Returns whether the universe grew.
func (p *Planner) classify(rs *roundState, ev eventmodel.Event) bool {
	grew := false
	switch ev.Kind {
	case eventmodel.KindRepoAnnouncement:
		p.em.Emit(TopicAnnouncement, ev)
		rs.mu.Lock()
		rs.report.NewAnnouncements++
		rs.mu.Unlock()
		for _, t := range ev.Tags.FindAll("maintainers") {
			for _, pk := range t[1:] {
				c := eventmodel.Coordinate{Kind: eventmodel.KindRepoAnnouncement, Author: pk, Identifier: ev.Identifier()}
				if rs.addCoordinate(c) {
					grew = true
				}
			}
		}
		for _, p2 := range ev.Tags.FindAll("p") {
			c := eventmodel.Coordinate{Kind: eventmodel.KindRepoAnnouncement, Author: p2.Value(), Identifier: ev.Identifier()}
			if rs.addCoordinate(c) {
				grew = true
			}
		}
		for _, t := range ev.Tags.FindAll("relays") {
			if rs.addRelays(t[1:]) {
				grew = true
			}
		}
	case eventmodel.KindRepoState:
		p.em.Emit(TopicState, ev)
		rs.mu.Lock()
		rs.report.NewStates++
		rs.mu.Unlock()
	case eventmodel.KindPatch:
		rootTag := ev.Tags.Find("root")
		replyTag := ev.Tags.Find("reply")
		if rootTag == nil && replyTag == nil {
			p.em.Emit(TopicProposalRoot, ev)
			rs.mu.Lock()
			rs.report.NewProposalRoots++
			rs.mu.Unlock()
			if rs.addThreadRoot(ev.ID) {
				grew = true
			}
		} else {
			p.em.Emit(TopicProposalChild, ev)
			rs.mu.Lock()
			rs.report.NewProposalChild++
			rs.mu.Unlock()
		}
	case eventmodel.KindStatusOpen, eventmodel.KindStatusApplied, eventmodel.KindStatusClosed, eventmodel.KindStatusDraft:
		p.em.Emit(TopicProposalChild, ev)
		rs.mu.Lock()
		rs.report.NewProposalChild++
		rs.mu.Unlock()
	case eventmodel.KindProfileMetadata, eventmodel.KindRelayList:
		p.em.Emit(TopicProfile, ev)
		rs.mu.Lock()
		rs.report.NewProfiles++
		rs.mu.Unlock()
		for _, r := range ev.Tags.FindAll("r") {
			if rs.addRelays([]string{r.Value()}) {
				grew = true
			}
		}
	}
	return grew
}

func (p *Planner) finalize(rs *roundState) *Report {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.report.RelayUniverse = append([]string{}, rs.universe...)
	rs.report.Coordinates = append([]eventmodel.Coordinate{}, rs.coordinates...)
	return &rs.report
}
