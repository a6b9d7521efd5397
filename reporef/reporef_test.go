package reporef_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/reporef"
	"github.com/nostr-ngit/ngit/signer"
)

func TestReporef(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reporef Suite")
}

var _ = Describe("RepoState", func() {
	var sgn *signer.InlineSigner

	BeforeEach(func() {
		var err error
		sgn, err = signer.GenerateInlineSigner()
		Expect(err).To(BeNil())
	})

	buildAndDecode := func(refs map[string]string) *reporef.RepoState {
		ev, err := reporef.Build(context.Background(), "repo1", refs, 1700000000, sgn)
		Expect(err).To(BeNil())
		decoded, err := reporef.RepoStateFrom([]eventmodel.Event{ev})
		Expect(err).To(BeNil())
		return decoded
	}

	It("round-trips a ref map that already has HEAD", func() {
		refs := map[string]string{
			"HEAD":             "ref: refs/heads/main",
			"refs/heads/main":  "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"refs/heads/vnext": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		}
		decoded := buildAndDecode(refs)
		Expect(decoded.Refs).To(Equal(refs))
	})

	It("synthesizes HEAD from master when absent", func() {
		refs := map[string]string{"refs/heads/master": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
		decoded := buildAndDecode(refs)
		Expect(decoded.Refs["HEAD"]).To(Equal("ref: refs/heads/master"))
	})

	It("synthesizes HEAD from main when master is absent", func() {
		refs := map[string]string{"refs/heads/main": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
		decoded := buildAndDecode(refs)
		Expect(decoded.Refs["HEAD"]).To(Equal("ref: refs/heads/main"))
	})

	It("filters out dereferenced tag entries", func() {
		ev, err := sgn.Sign(context.Background(), signer.Builder{
			Kind:      eventmodel.KindRepoState,
			CreatedAt: 1700000000,
			Tags: eventmodel.Tags{
				{"d", "repo1"},
				{"refs/tags/v1", "cccccccccccccccccccccccccccccccccccccccc"},
				{"refs/tags/v1^{}", "dddddddddddddddddddddddddddddddddddddddd"},
				{"refs/heads/main", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
			},
		})
		Expect(err).To(BeNil())
		decoded, err := reporef.RepoStateFrom([]eventmodel.Event{ev})
		Expect(err).To(BeNil())
		Expect(decoded.Refs).ToNot(HaveKey("refs/tags/v1^{}"))
		peeled, ok := decoded.Peeled("refs/tags/v1")
		Expect(ok).To(BeTrue())
		Expect(peeled).To(Equal("dddddddddddddddddddddddddddddddddddddddd"))
	})

	It("picks the state event with maximal (created_at, id)", func() {
		older, _ := sgn.Sign(context.Background(), signer.Builder{
			Kind: eventmodel.KindRepoState, CreatedAt: 1, Tags: eventmodel.Tags{{"d", "repo1"}, {"refs/heads/main", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		})
		newer, _ := sgn.Sign(context.Background(), signer.Builder{
			Kind: eventmodel.KindRepoState, CreatedAt: 2, Tags: eventmodel.Tags{{"d", "repo1"}, {"refs/heads/main", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}},
		})
		decoded, err := reporef.RepoStateFrom([]eventmodel.Event{older, newer})
		Expect(err).To(BeNil())
		Expect(decoded.Refs["refs/heads/main"]).To(Equal("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	})
})

var _ = Describe("RepoRef", func() {
	It("unions maintainers across multiple announcements for the same identifier", func() {
		s1, _ := signer.GenerateInlineSigner()
		s2, _ := signer.GenerateInlineSigner()

		a1, err := s1.Sign(context.Background(), signer.Builder{
			Kind: eventmodel.KindRepoAnnouncement, CreatedAt: 1,
			Tags: eventmodel.Tags{{"d", "repo1"}, {"name", "Repo One"}, {"maintainers", s1.PublicKey(), s2.PublicKey()}},
		})
		Expect(err).To(BeNil())
		a2, err := s2.Sign(context.Background(), signer.Builder{
			Kind: eventmodel.KindRepoAnnouncement, CreatedAt: 2,
			Tags: eventmodel.Tags{{"d", "repo1"}, {"name", "Repo One (v2)"}, {"maintainers", s1.PublicKey(), s2.PublicKey()}},
		})
		Expect(err).To(BeNil())

		ref, err := reporef.RepoRefFrom([]eventmodel.Event{a1, a2})
		Expect(err).To(BeNil())
		Expect(ref.Maintainers).To(ConsistOf(s1.PublicKey(), s2.PublicKey()))
		Expect(ref.Name).To(Equal("Repo One (v2)"))
		Expect(ref.IsMaintainer(s1.PublicKey())).To(BeTrue())
	})
})
