package eventmodel

import "encoding/json"

// Filter selects events by the conjunction of whichever predicates are
// present. The shape matches a NIP-01 REQ filter exactly
// so it can be forwarded to a relay verbatim by package relay.
type Filter struct {
	IDs         []string            `json:"ids,omitempty"`
	Authors     []string            `json:"authors,omitempty"`
	Kinds       []int               `json:"kinds,omitempty"`
	Identifiers []string            `json:"#d,omitempty"`
	Tags        map[string][]string `json:"-"`
	Since       *int64              `json:"since,omitempty"`
	Until       *int64              `json:"until,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// MarshalJSON renders the filter as a NIP-01 REQ filter object, with
// each accepted tag letter as its own "#<letter>" key, so the result
// can be sent to a relay verbatim.
func (f Filter) MarshalJSON() ([]byte, error) {
	type alias Filter
	raw := map[string]interface{}{}
	b, err := json.Marshal(alias(f))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	for letter, values := range f.Tags {
		if len(values) > 0 {
			raw["#"+letter] = values
		}
	}
	return json.Marshal(raw)
}

// TagValues returns the accepted values for a single-letter tag
// (at minimum "a", "e", "p", "r", "t").
func (f Filter) TagValues(letter string) []string {
	if f.Tags == nil {
		return nil
	}
	return f.Tags[letter]
}

// WithTag returns a copy of f with an additional accepted value for
// the given single-letter tag.
func (f Filter) WithTag(letter, value string) Filter {
	out := f
	out.Tags = map[string][]string{}
	for k, v := range f.Tags {
		out.Tags[k] = append([]string{}, v...)
	}
	out.Tags[letter] = append(out.Tags[letter], value)
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Matches reports whether event e satisfies every predicate present on
// the filter; an absent predicate never excludes an event.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Identifiers) > 0 && !contains(f.Identifiers, e.Identifier()) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		matched := false
		for _, tag := range e.Tags.FindAll(letter) {
			if contains(values, tag.Value()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ItemRef is a lightweight (id, created_at) pair used for
// negentropy-style set reconciliation.
type ItemRef struct {
	ID        string
	CreatedAt int64
}
