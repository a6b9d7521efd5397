package nostrurl_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/nostrurl"
)

func TestNostrURL(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NostrURL Suite")
}

var _ = Describe("ParsePseudoURL/Encode", func() {
	coord := eventmodel.Coordinate{
		Kind:       eventmodel.KindRepoAnnouncement,
		Author:     "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459",
		Identifier: "ngit",
		Relays:     []string{"wss://relay.example"},
	}

	It("round-trips a coordinate without a user component", func() {
		raw, err := nostrurl.Encode("", coord)
		Expect(err).To(BeNil())

		parsed, err := nostrurl.ParsePseudoURL(raw)
		Expect(err).To(BeNil())
		Expect(parsed.User).To(Equal(""))
		Expect(parsed.Coordinate.Author).To(Equal(coord.Author))
		Expect(parsed.Coordinate.Identifier).To(Equal(coord.Identifier))
		Expect(parsed.Coordinate.Kind).To(Equal(coord.Kind))
	})

	It("round-trips with a user component", func() {
		raw, err := nostrurl.Encode("alice", coord)
		Expect(err).To(BeNil())

		parsed, err := nostrurl.ParsePseudoURL(raw)
		Expect(err).To(BeNil())
		Expect(parsed.User).To(Equal("alice"))
		Expect(parsed.Coordinate.Identifier).To(Equal(coord.Identifier))
	})

	It("rejects a URL missing the nostr:// scheme", func() {
		_, err := nostrurl.ParsePseudoURL("https://example.com/repo")
		Expect(err).ToNot(BeNil())
	})

	It("rejects a malformed coordinate", func() {
		_, err := nostrurl.ParsePseudoURL("nostr://not-a-valid-naddr")
		Expect(err).ToNot(BeNil())
	})
})

var _ = Describe("ValidateMirrorURL", func() {
	It("accepts a well-formed https mirror URL", func() {
		Expect(nostrurl.ValidateMirrorURL("https://git.example.com/owner/repo.git")).To(BeNil())
	})

	It("rejects garbage", func() {
		Expect(nostrurl.ValidateMirrorURL("not a url")).ToNot(BeNil())
	})
})
