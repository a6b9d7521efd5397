package patch_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/patch"
	"github.com/nostr-ngit/ngit/reporef"
	"github.com/nostr-ngit/ngit/signer"
)

func withID(id string) eventmodel.Event {
	return eventmodel.Event{ID: id, Kind: eventmodel.KindPatch}
}

func withReply(id, reply string) eventmodel.Event {
	ev := withID(id)
	ev.Tags = eventmodel.Tags{{"reply", reply}}
	return ev
}

func TestPatch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Patch Suite")
}

func fakeCommit(hash, message string) *object.Commit {
	c := &object.Commit{
		Hash:    plumbing.NewHash(hash),
		Message: message,
	}
	c.Author = object.Signature{Name: "Alice", Email: "alice@example.com", When: time.Unix(1700000000, 0)}
	c.Committer = c.Author
	return c
}

var _ = Describe("Branch slugs", func() {
	It("derives a deterministic pr/<slug> branch name", func() {
		slug := patch.SlugForBranch("abcdef0123456789", "Add widget support")
		Expect(slug).To(Equal("abcdef01-add-widget-support"))
		Expect(patch.BranchNameForSlug(slug)).To(Equal("refs/heads/pr/abcdef01-add-widget-support"))
	})

	It("recovers the same thread-root prefix from the branch name", func() {
		slug := patch.SlugForBranch("abcdef0123456789", "Add widget support")
		ref := patch.BranchNameForSlug(slug)
		Expect(patch.ThreadRootPrefixFromBranch(ref)).To(Equal("abcdef01"))
	})
})

var _ = Describe("ThreadTip and OrderAncestorFirst", func() {
	It("finds the unique patch not referenced as reply by any other", func() {
		root := withID("root")
		mid := withReply("mid", "root")
		tip := withReply("tip", "mid")

		got, err := patch.ThreadTip([]eventmodel.Event{root, mid, tip})
		Expect(err).To(BeNil())
		Expect(got.ID).To(Equal("tip"))
	})

	It("orders a thread ancestor-first from the tip", func() {
		root := withID("root")
		mid := withReply("mid", "root")
		tip := withReply("tip", "mid")
		thread := []eventmodel.Event{root, mid, tip}

		ordered := patch.OrderAncestorFirst(thread, thread[2])
		Expect(ordered).To(HaveLen(3))
		Expect(ordered[0].ID).To(Equal("root"))
		Expect(ordered[2].ID).To(Equal("tip"))
	})
})

var _ = Describe("GeneratePatchEvent", func() {
	It("signs an initial-commit patch with no parent diff", func() {
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).To(BeNil())

		ref := &reporef.RepoRef{
			Identifier: "repo1",
			RootCommit: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			ByAuthor:   map[string]eventmodel.Event{sgn.PublicKey(): withID("ann1")},
		}
		commit := fakeCommit("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "Initial commit\n\nbody text")

		ev, err := patch.GeneratePatchEvent(context.Background(), sgn, ref, commit, nil, "", "", 0, 0, 1700000000)
		Expect(err).To(BeNil())
		Expect(ev.CheckID()).To(BeTrue())
		Expect(ev.Tags.Find("commit").Value()).To(Equal(commit.Hash.String()))
		Expect(ev.Tags.Find("parent-commit").Value()).To(Equal("initial"))
	})
})
