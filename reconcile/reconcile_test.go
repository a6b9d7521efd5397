package reconcile_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/reconcile"
)

func TestReconcile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconcile Suite")
}

// fakeAncestry is a tiny DAG: a -> b -> c (b descends a, c descends b
// and a). Anything not listed is unrelated.
type fakeAncestry struct {
	descendsFrom map[string]map[string]bool
	local        map[string]string
}

func (f fakeAncestry) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	return f.descendsFrom[descendant][ancestor], nil
}

func (f fakeAncestry) ResolveLocal(ctx context.Context, ref string) (string, error) {
	return f.local[ref], nil
}

func newAncestry() fakeAncestry {
	return fakeAncestry{
		descendsFrom: map[string]map[string]bool{
			"b": {"a": true},
			"c": {"a": true, "b": true},
		},
		local: map[string]string{},
	}
}

var _ = Describe("Decide", func() {
	It("rejects when neither nostr nor mirror state reaches src and they disagree", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "z", Dst: "refs/heads/main"}
		nostr := reconcile.NostrState{"refs/heads/main": "y"}
		mirror := reconcile.MirrorState{"refs/heads/main": "x"}

		d, err := reconcile.Decide(context.Background(), ac, rs, nostr, mirror)
		Expect(err).To(BeNil())
		Expect(d.Action).To(Equal(reconcile.ActionReject))
	})

	It("force-pushes when nostr==mirror but src is not their descendant", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "a", Dst: "refs/heads/main"}
		nostr := reconcile.NostrState{"refs/heads/main": "b"}
		mirror := reconcile.MirrorState{"refs/heads/main": "b"}

		d, err := reconcile.Decide(context.Background(), ac, rs, nostr, mirror)
		Expect(err).To(BeNil())
		Expect(d.Action).To(Equal(reconcile.ActionForcePush))
	})

	It("no-ops when src already equals the up-to-date mirror", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "b", Dst: "refs/heads/main"}
		nostr := reconcile.NostrState{"refs/heads/main": "b"}
		mirror := reconcile.MirrorState{"refs/heads/main": "b"}

		d, err := reconcile.Decide(context.Background(), ac, rs, nostr, mirror)
		Expect(err).To(BeNil())
		Expect(d.Action).To(Equal(reconcile.ActionNoop))
	})

	It("creates a new branch when neither nostr nor mirror has dst", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "a", Dst: "refs/heads/vnext"}
		d, err := reconcile.Decide(context.Background(), ac, rs, reconcile.NostrState{}, reconcile.MirrorState{})
		Expect(err).To(BeNil())
		Expect(d.Action).To(Equal(reconcile.ActionCreate))
	})

	It("push-deletes when src is empty and mirror has dst", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "", Dst: "refs/heads/stale"}
		mirror := reconcile.MirrorState{"refs/heads/stale": "a"}
		d, err := reconcile.Decide(context.Background(), ac, rs, reconcile.NostrState{}, mirror)
		Expect(err).To(BeNil())
		Expect(d.Action).To(Equal(reconcile.ActionDelete))
	})

	It("is a pure function: identical mirror ref maps yield identical decisions", func() {
		ac := newAncestry()
		rs := reconcile.Refspec{Src: "c", Dst: "refs/heads/main"}
		nostr := reconcile.NostrState{"refs/heads/main": "b"}
		m1 := reconcile.MirrorState{"refs/heads/main": "b"}
		m2 := reconcile.MirrorState{"refs/heads/main": "b"}

		d1, _ := reconcile.Decide(context.Background(), ac, rs, nostr, m1)
		d2, _ := reconcile.Decide(context.Background(), ac, rs, nostr, m2)
		Expect(d1.Action).To(Equal(d2.Action))
	})
})
