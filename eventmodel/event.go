// Package eventmodel defines the signed-event data model shared by every
// other package in this module: the relay-network event envelope, its
// replaceable-event coordinate, and the filter shape used to query both
// the local cache and remote relays.
package eventmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind numbers this bridge cares about; profile/relay-list kinds are
// the standard ones defined by the wider relay-network protocol.
const (
	KindRepoAnnouncement = 30617
	KindRepoState        = 30618
	KindPatch            = 1617
	KindStatusOpen       = 1630
	KindStatusApplied    = 1631
	KindStatusClosed     = 1632
	KindStatusDraft      = 1633
	KindProfileMetadata  = 0
	KindRelayList        = 10002
)

// Tag is an ordered list of strings; the first element names the tag.
type Tag []string

// Name returns the tag's first element, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered list of Tag. Order is significant: patch threading
// tags and ref bindings are read positionally by readers.
type Tags []Tag

// Find returns the first tag whose name matches, or nil.
func (ts Tags) Find(name string) Tag {
	for _, t := range ts {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// FindAll returns every tag whose name matches, in wire order.
func (ts Tags) FindAll(name string) []Tag {
	var out []Tag
	for _, t := range ts {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// Event is a signed, immutable record. Equality between two events is
// defined entirely by ID (content hash); callers must never construct
// one with a stale ID after mutating Tags/Content/CreatedAt.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical `[0, pubkey, created_at, kind, tags,
// content]` JSON array this event's ID is a SHA-256 hash of.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	arr := [6]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	return json.Marshal(arr)
}

// ComputeID returns the lowercase-hex SHA-256 of the canonical
// serialization, without mutating the event.
func (e *Event) ComputeID() (string, error) {
	b, err := e.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CheckID reports whether the event's ID matches its content. The
// Event Cache must call this on every read.
func (e *Event) CheckID() bool {
	id, err := e.ComputeID()
	if err != nil {
		return false
	}
	return id == e.ID
}

// IsReplaceable reports whether Kind addresses a parameterized
// replaceable event (announcements and repo-state both are).
func (e *Event) IsReplaceable() bool {
	return e.Kind == KindRepoAnnouncement || e.Kind == KindRepoState
}

// Identifier returns the value of the "d" tag, the identifier
// component of a replaceable event's coordinate.
func (e *Event) Identifier() string {
	return e.Tags.Find("d").Value()
}

// Coordinate builds this event's own replaceable-event coordinate.
func (e *Event) Coordinate(hints ...string) Coordinate {
	return Coordinate{Kind: e.Kind, Author: e.PubKey, Identifier: e.Identifier(), Relays: hints}
}

// ByCreatedThenID sorts events ascending by creation time, breaking
// ties by lexicographically larger ID wins last, matching the
// tie-break rule for state events with equal timestamps.
func ByCreatedThenID(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// Latest returns the event with the maximal (created_at, id) pair, or
// nil if events is empty.
func Latest(events []Event) *Event {
	if len(events) == 0 {
		return nil
	}
	sorted := make([]Event, len(events))
	copy(sorted, events)
	ByCreatedThenID(sorted)
	return &sorted[len(sorted)-1]
}
