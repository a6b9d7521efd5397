package helper_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	_ "github.com/go-git/go-git/v5/plumbing/transport/file"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/gitmirror"
	"github.com/nostr-ngit/ngit/helper"
	"github.com/nostr-ngit/ngit/nostrurl"
	"github.com/nostr-ngit/ngit/pkgs/logger"
	"github.com/nostr-ngit/ngit/relay"
	"github.com/nostr-ngit/ngit/reporef"
	"github.com/nostr-ngit/ngit/signer"
)

// commitFile writes name/content into dir's worktree and commits it,
// returning the new commit's hex id.
func commitFile(wt *gogit.Worktree, dir, name, content string, when time.Time) string {
	Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)).To(Succeed())
	_, err := wt.Add(name)
	Expect(err).NotTo(HaveOccurred())
	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: when}
	hash, err := wt.Commit("commit "+name, &gogit.CommitOptions{Author: sig, Committer: sig})
	Expect(err).NotTo(HaveOccurred())
	return hash.String()
}

// newRepoWithMain inits a repository, commits one file, and aliases
// refs/heads/main to that commit regardless of whatever branch name
// go-git's own default init gave it.
func newRepoWithMain(dirPrefix, fileName, content string) (dir string, repo *gogit.Repository, wt *gogit.Worktree, hash string) {
	dir, err := os.MkdirTemp("", dirPrefix)
	Expect(err).NotTo(HaveOccurred())
	repo, err = gogit.PlainInit(dir, false)
	Expect(err).NotTo(HaveOccurred())
	wt, err = repo.Worktree()
	Expect(err).NotTo(HaveOccurred())
	hash = commitFile(wt, dir, fileName, content, time.Now())
	Expect(repo.Storer.SetReference(
		plumbing.NewHashReference(plumbing.ReferenceName("refs/heads/main"), plumbing.NewHash(hash)),
	)).To(Succeed())
	return dir, repo, wt, hash
}

func initBareMirror() string {
	dir, err := os.MkdirTemp("", "ngit-mirror-")
	Expect(err).NotTo(HaveOccurred())
	_, err = gogit.PlainInit(dir, true)
	Expect(err).NotTo(HaveOccurred())
	return dir
}

func pushRef(repo *gogit.Repository, mirrorDir, refspec string) {
	remote, err := repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "test-mirror-push",
		URLs: []string{mirrorDir},
	})
	Expect(err).NotTo(HaveOccurred())
	err = remote.PushContext(context.Background(), &gogit.PushOptions{
		RefSpecs: []gitconfig.RefSpec{gitconfig.RefSpec(refspec)},
	})
	Expect(err).NotTo(HaveOccurred())
}

// manualCommit writes a commit object straight into repo's object
// store, the way a `git merge` or `git commit --amend` would produce
// one without going through Worktree.Commit (which only ever builds a
// single-parent commit from the current index).
func manualCommit(repo *gogit.Repository, treeHash plumbing.Hash, parents []plumbing.Hash, message string, when time.Time) plumbing.Hash {
	sig := object.Signature{Name: "tester", Email: "tester@example.com", When: when}
	c := &object.Commit{
		Author: sig, Committer: sig, Message: message,
		TreeHash: treeHash, ParentHashes: parents,
	}
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	Expect(c.Encode(obj)).To(Succeed())
	hash, err := repo.Storer.SetEncodedObject(obj)
	Expect(err).NotTo(HaveOccurred())
	return hash
}

func seedAnnouncement(store eventcache.Store, sgn signer.Gateway, identifier, rootCommit string, mirrors []string) eventmodel.Event {
	ev, err := reporef.BuildAnnouncement(context.Background(), identifier, "", rootCommit, mirrors, nil, nil, 1000, sgn)
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Put(context.Background(), ev)).To(Succeed())
	return ev
}

func seedState(store eventcache.Store, sgn signer.Gateway, identifier string, refs map[string]string) eventmodel.Event {
	ev, err := reporef.Build(context.Background(), identifier, refs, 1100, sgn)
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Put(context.Background(), ev)).To(Succeed())
	return ev
}

func buildHelper(repo *gitmirror.Repo, store eventcache.Store, sgn signer.Gateway, identifier string) *helper.Helper {
	url := &nostrurl.PseudoURL{
		Coordinate: eventmodel.Coordinate{
			Kind:       eventmodel.KindRepoAnnouncement,
			Author:     sgn.PublicKey(),
			Identifier: identifier,
		},
	}
	policy := nostrurl.NewPolicy(repo.Repository)
	return helper.New("origin", url, repo, store, relay.NewPool(), sgn, policy, logger.New(""))
}

var _ = Describe("end-to-end scenarios", func() {
	It("lists a fresh mirror's advertised refs reconciled against an empty nostr state", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		mirrorDir := initBareMirror()
		stagingDir, stagingRepo, wt, hashMain := newRepoWithMain("ngit-staging-", "base.txt", "base\n")
		pushRef(stagingRepo, mirrorDir, "refs/heads/main:refs/heads/main")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/vnext"),
			Create: true,
		})).To(Succeed())
		hashVnext := commitFile(wt, stagingDir, "vnext.txt", "vnext\n", time.Now())
		pushRef(stagingRepo, mirrorDir, "refs/heads/vnext:refs/heads/vnext")

		localDir, err := os.MkdirTemp("", "ngit-fresh-")
		Expect(err).NotTo(HaveOccurred())
		_, err = gogit.PlainInit(localDir, false)
		Expect(err).NotTo(HaveOccurred())
		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "fresh-clone-repo"
		seedAnnouncement(store, sgn, identifier, hashMain, []string{mirrorDir})

		h := buildHelper(localRepo, store, sgn, identifier)

		var out bytes.Buffer
		in := strings.NewReader("list\n\n")
		Expect(h.Serve(ctx, in, &out, &bytes.Buffer{})).To(Succeed())

		expected := fmt.Sprintf("@refs/heads/main HEAD\n%s refs/heads/main\n%s refs/heads/vnext\n\n", hashMain, hashVnext)
		Expect(out.String()).To(Equal(expected))
	})

	It("accepts a push of two new branches with no prior state and relays both to the mirror", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		mirrorDir := initBareMirror()
		localDir, localGit, wt, hashMain := newRepoWithMain("ngit-push2-", "base.txt", "base\n")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/vnext"),
			Create: true,
		})).To(Succeed())
		hashVnext := commitFile(wt, localDir, "vnext.txt", "vnext\n", time.Now())

		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "push-two-branches"
		seedAnnouncement(store, sgn, identifier, hashMain, []string{mirrorDir})

		h := buildHelper(localRepo, store, sgn, identifier)

		var out bytes.Buffer
		in := strings.NewReader("push refs/heads/main:refs/heads/main\npush refs/heads/vnext:refs/heads/vnext\n\n")
		Expect(h.Serve(ctx, in, &out, &bytes.Buffer{})).To(Succeed())
		Expect(out.String()).To(Equal("ok refs/heads/main\nok refs/heads/vnext\n\n"))

		mirrorRepo, err := gogit.PlainOpen(mirrorDir)
		Expect(err).NotTo(HaveOccurred())
		mainRef, err := mirrorRepo.Reference(plumbing.ReferenceName("refs/heads/main"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(mainRef.Hash().String()).To(Equal(hashMain))
		vnextRef, err := mirrorRepo.Reference(plumbing.ReferenceName("refs/heads/vnext"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(vnextRef.Hash().String()).To(Equal(hashVnext))
	})

	It("rejects a push whose local tip is an ancestor of neither the mirror's nor nostr's advertised commit", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		mirrorDir := initBareMirror()
		localDir, localGit, wt, hashRoot := newRepoWithMain("ngit-conflict-", "base.txt", "base\n")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/mirror-side"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashX := commitFile(wt, localDir, "x.txt", "x\n", time.Now())
		pushRef(localGit, mirrorDir, "refs/heads/mirror-side:refs/heads/main")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/nostr-side"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashY := commitFile(wt, localDir, "y.txt", "y\n", time.Now())

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/main"),
		})).To(Succeed())
		hashZ := commitFile(wt, localDir, "z.txt", "z\n", time.Now())

		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "conflict-repo"
		seedAnnouncement(store, sgn, identifier, hashRoot, []string{mirrorDir})
		seedState(store, sgn, identifier, map[string]string{"refs/heads/main": hashY})

		h := buildHelper(localRepo, store, sgn, identifier)

		var out bytes.Buffer
		in := strings.NewReader("push refs/heads/main:refs/heads/main\n\n")
		Expect(h.Serve(ctx, in, &out, &bytes.Buffer{})).To(Succeed())

		Expect(out.String()).To(ContainSubstring("error refs/heads/main"))
		Expect(out.String()).To(ContainSubstring("out of sync with nostr"))
		Expect(out.String()).NotTo(ContainSubstring("ok refs/heads/main"))
		Expect(hashZ).NotTo(BeEmpty())

		mirrorRepo, err := gogit.PlainOpen(mirrorDir)
		Expect(err).NotTo(HaveOccurred())
		mainRef, err := mirrorRepo.Reference(plumbing.ReferenceName("refs/heads/main"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(mainRef.Hash().String()).To(Equal(hashX))
	})

	It("publishes a merge-status event when a pushed merge commit closes a cached proposal", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		mirrorDir := initBareMirror()
		localDir, localGit, wt, hashRoot := newRepoWithMain("ngit-merge-", "base.txt", "base\n")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/pr/feature-x"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashP1 := commitFile(wt, localDir, "feature.txt", "feature\n", time.Now())

		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "proposal-merge"
		seedAnnouncement(store, sgn, identifier, hashRoot, []string{mirrorDir})

		h := buildHelper(localRepo, store, sgn, identifier)

		var out1 bytes.Buffer
		in1 := strings.NewReader("push refs/heads/pr/feature-x:refs/heads/pr/feature-x\n\n")
		Expect(h.Serve(ctx, in1, &out1, &bytes.Buffer{})).To(Succeed())
		Expect(out1.String()).To(Equal("ok refs/heads/pr/feature-x\n\n"))

		patches, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindPatch}})
		Expect(err).NotTo(HaveOccurred())
		Expect(patches).To(HaveLen(1))
		rootPatchID := patches[0].ID
		Expect(patches[0].Tags.Find("commit").Value()).To(Equal(hashP1))

		p1Commit, err := localGit.CommitObject(plumbing.NewHash(hashP1))
		Expect(err).NotTo(HaveOccurred())
		mergeHash := manualCommit(localGit, p1Commit.TreeHash,
			[]plumbing.Hash{plumbing.NewHash(hashRoot), plumbing.NewHash(hashP1)},
			"Merge refs/heads/pr/feature-x", time.Now())
		Expect(localGit.Storer.SetReference(
			plumbing.NewHashReference(plumbing.ReferenceName("refs/heads/main"), mergeHash),
		)).To(Succeed())

		var out2 bytes.Buffer
		in2 := strings.NewReader("push refs/heads/main:refs/heads/main\n\n")
		Expect(h.Serve(ctx, in2, &out2, &bytes.Buffer{})).To(Succeed())
		Expect(out2.String()).To(Equal("ok refs/heads/main\n\n"))

		statuses, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindStatusApplied}})
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Tags.Find("root").Value()).To(Equal(rootPatchID))
		Expect(statuses[0].Tags.Find("mention").Value()).To(Equal(rootPatchID))
		Expect(statuses[0].Tags.Find("merge-commit-id").Value()).To(Equal(mergeHash.String()))
	})

	It("opens a revision when a proposal branch is force-pushed with rewritten history", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		localDir, localGit, wt, hashRoot := newRepoWithMain("ngit-revision-", "base.txt", "base\n")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/pr/feature-y"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashQ1 := commitFile(wt, localDir, "feature.txt", "v1\n", time.Now())

		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "proposal-revision"
		seedAnnouncement(store, sgn, identifier, hashRoot, nil)

		h := buildHelper(localRepo, store, sgn, identifier)

		var out1 bytes.Buffer
		in1 := strings.NewReader("push refs/heads/pr/feature-y:refs/heads/pr/feature-y\n\n")
		Expect(h.Serve(ctx, in1, &out1, &bytes.Buffer{})).To(Succeed())
		Expect(out1.String()).To(Equal("ok refs/heads/pr/feature-y\n\n"))

		patchesBefore, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindPatch}})
		Expect(err).NotTo(HaveOccurred())
		Expect(patchesBefore).To(HaveLen(1))
		originalRootID := patchesBefore[0].ID

		Expect(hashQ1).NotTo(BeEmpty())

		// Simulate `git commit --amend && git push -f`: a fresh commit
		// off the same parent, force-pushed under the same branch name.
		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/scratch"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashQ1Revised := commitFile(wt, localDir, "feature.txt", "v2\n", time.Now())
		Expect(localGit.Storer.SetReference(
			plumbing.NewHashReference(plumbing.ReferenceName("refs/heads/pr/feature-y"), plumbing.NewHash(hashQ1Revised)),
		)).To(Succeed())

		var out2 bytes.Buffer
		in2 := strings.NewReader("push +refs/heads/pr/feature-y:refs/heads/pr/feature-y\n\n")
		Expect(h.Serve(ctx, in2, &out2, &bytes.Buffer{})).To(Succeed())
		Expect(out2.String()).To(Equal("ok refs/heads/pr/feature-y\n\n"))

		patchesAfter, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindPatch}})
		Expect(err).NotTo(HaveOccurred())
		Expect(patchesAfter).To(HaveLen(3))

		var revisionRoot *eventmodel.Event
		for i := range patchesAfter {
			if patchesAfter[i].Tags.Find("revision-root") != nil {
				revisionRoot = &patchesAfter[i]
			}
		}
		Expect(revisionRoot).NotTo(BeNil())
		Expect(revisionRoot.Tags.Find("reply").Value()).To(Equal(originalRootID))

		settings := config.NewRepoSettings(localGit)
		newRoot, err := settings.ThreadRoot("feature-y")
		Expect(err).NotTo(HaveOccurred())
		Expect(newRoot).To(Equal(revisionRoot.ID))
	})

	It("reconstructs a proposal branch's commit from its cached patch thread on fetch", func() {
		ctx := context.Background()
		sgn, err := signer.GenerateInlineSigner()
		Expect(err).NotTo(HaveOccurred())

		localDir, localGit, wt, hashRoot := newRepoWithMain("ngit-fetch-", "notes.txt", "first\n")

		Expect(wt.Checkout(&gogit.CheckoutOptions{
			Branch: plumbing.ReferenceName("refs/heads/pr/feature-z"),
			Hash:   plumbing.NewHash(hashRoot),
			Create: true,
		})).To(Succeed())
		hashP1 := commitFile(wt, localDir, "notes.txt", "first\nsecond\n", time.Now())

		localRepo, err := gitmirror.Open(filepath.Join(localDir, ".git"))
		Expect(err).NotTo(HaveOccurred())

		store, err := eventcache.Open("")
		Expect(err).NotTo(HaveOccurred())
		identifier := "proposal-fetch"
		seedAnnouncement(store, sgn, identifier, hashRoot, nil)

		h := buildHelper(localRepo, store, sgn, identifier)

		var pushOut bytes.Buffer
		pushIn := strings.NewReader("push refs/heads/pr/feature-z:refs/heads/pr/feature-z\n\n")
		Expect(h.Serve(ctx, pushIn, &pushOut, &bytes.Buffer{})).To(Succeed())
		Expect(pushOut.String()).To(Equal("ok refs/heads/pr/feature-z\n\n"))

		var fetchOut bytes.Buffer
		fetchIn := strings.NewReader(fmt.Sprintf("fetch %s refs/heads/pr/feature-z\n\n", hashP1))
		Expect(h.Serve(ctx, fetchIn, &fetchOut, &bytes.Buffer{})).To(Succeed())
		Expect(fetchOut.String()).To(Equal("\n"))

		ref, err := localGit.Reference(plumbing.ReferenceName("refs/heads/pr/feature-z"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.Hash().String()).To(Equal(hashP1))
	})
})
