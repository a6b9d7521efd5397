// Package nostrurl is the URL & Protocol Policy component (C10): it
// parses the `nostr://` pseudo-URL Git invokes the remote helper with,
// and remembers, per mirror, which transport scheme (ssh or https)
// last worked.
package nostrurl

import (
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/eventmodel"
)

const Scheme = "nostr://"

// PseudoURL is the decoded form of `nostr://[<user>@]<coordinate>`.
// User, when present, forces mirror URL protocol
// handling toward ssh wherever a rewrite is possible.
type PseudoURL struct {
	User       string
	Coordinate eventmodel.Coordinate
}

// ParsePseudoURL decodes the helper's invocation argument. The
// coordinate portion is a NIP-19 `naddr1...` bech32 string, reused
// rather than inventing a second bech32 format.
func ParsePseudoURL(raw string) (*PseudoURL, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return nil, errors.Errorf("nostrurl: missing %s scheme in %q", Scheme, raw)
	}
	rest := strings.TrimPrefix(raw, Scheme)

	user := ""
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		user, rest = rest[:idx], rest[idx+1:]
	}

	if rest == "" {
		return nil, errors.New("nostrurl: empty coordinate")
	}

	prefix, data, err := nip19.Decode(rest)
	if err != nil {
		return nil, errors.Wrapf(err, "decode nip19 coordinate %q", rest)
	}
	if prefix != "naddr" {
		return nil, errors.Errorf("nostrurl: expected naddr coordinate, got %q", prefix)
	}
	ptr, ok := data.(nip19.EntityPointer)
	if !ok {
		return nil, errors.New("nostrurl: naddr did not decode to an EntityPointer")
	}

	if user != "" && !govalidator.IsAlphanumeric(strings.ReplaceAll(user, "-", "")) {
		return nil, errors.Errorf("nostrurl: invalid user component %q", user)
	}

	return &PseudoURL{
		User: user,
		Coordinate: eventmodel.Coordinate{
			Kind:       ptr.Kind,
			Author:     ptr.PublicKey,
			Identifier: ptr.Identifier,
			Relays:     ptr.Relays,
		},
	}, nil
}

// Encode renders a coordinate back into a `nostr://` pseudo-URL, the
// inverse of ParsePseudoURL (used by `ngit init` to print the remote
// URL a collaborator should add).
func Encode(user string, c eventmodel.Coordinate) (string, error) {
	addr, err := nip19.EncodeEntity(c.Author, c.Kind, c.Identifier, c.Relays)
	if err != nil {
		return "", errors.Wrap(err, "encode naddr coordinate")
	}
	if user != "" {
		return Scheme + user + "@" + addr, nil
	}
	return Scheme + addr, nil
}

// ValidateMirrorURL checks that a mirror/relay URL is well-formed
// before it is dialed.
func ValidateMirrorURL(raw string) error {
	if !govalidator.IsURL(raw) {
		return errors.Errorf("nostrurl: invalid mirror URL %q", raw)
	}
	return nil
}
