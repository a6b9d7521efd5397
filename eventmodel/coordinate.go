package eventmodel

import "fmt"

// Coordinate addresses a replaceable event class: (kind, author,
// identifier). Hint relays are advisory and excluded from equality.
type Coordinate struct {
	Kind       int
	Author     string
	Identifier string
	Relays     []string
}

// String renders the "kind:author:identifier" form used as a tag value
// (the "a" tag) and as a map key for coordinate sets.
func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.Author, c.Identifier)
}

// Equivalent reports whether two coordinates address the same
// replaceable event, ignoring hint relays.
func (c Coordinate) Equivalent(other Coordinate) bool {
	return c.Kind == other.Kind && c.Author == other.Author && c.Identifier == other.Identifier
}

// Tag renders this coordinate as an "a" tag, appending any hint relay
// as the tag's third element per convention (at most one hint is kept
// on the wire; callers wanting more attach separate "r" tags).
func (c Coordinate) Tag() Tag {
	tag := Tag{"a", c.String()}
	if len(c.Relays) > 0 {
		tag = append(tag, c.Relays[0])
	}
	return tag
}
