package eventmodel_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventmodel"
)

var _ = Describe("Event", func() {
	Describe(".ComputeID / .CheckID", func() {
		It("should mark an untouched event as valid", func() {
			ev := &eventmodel.Event{
				PubKey:    "abc",
				CreatedAt: 100,
				Kind:      eventmodel.KindRepoState,
				Tags:      eventmodel.Tags{{"d", "myrepo"}},
				Content:   "",
			}
			id, err := ev.ComputeID()
			Expect(err).To(BeNil())
			ev.ID = id
			Expect(ev.CheckID()).To(BeTrue())
		})

		It("should mark a tampered event as invalid", func() {
			ev := &eventmodel.Event{PubKey: "abc", CreatedAt: 100, Kind: 1}
			id, _ := ev.ComputeID()
			ev.ID = id
			ev.Content = "tampered"
			Expect(ev.CheckID()).To(BeFalse())
		})
	})

	Describe("Latest", func() {
		It("should return the event with the maximal (created_at, id)", func() {
			events := []eventmodel.Event{
				{ID: "b", CreatedAt: 10},
				{ID: "a", CreatedAt: 20},
				{ID: "z", CreatedAt: 20},
			}
			latest := eventmodel.Latest(events)
			Expect(latest.ID).To(Equal("z"))
			Expect(latest.CreatedAt).To(Equal(int64(20)))
		})

		It("should return nil for an empty set", func() {
			Expect(eventmodel.Latest(nil)).To(BeNil())
		})
	})
})

var _ = Describe("Coordinate", func() {
	It("should consider two coordinates equivalent regardless of hint relays", func() {
		a := eventmodel.Coordinate{Kind: 30617, Author: "pk", Identifier: "repo", Relays: []string{"wss://a"}}
		b := eventmodel.Coordinate{Kind: 30617, Author: "pk", Identifier: "repo"}
		Expect(a.Equivalent(b)).To(BeTrue())
	})
})

var _ = Describe("Filter", func() {
	It("should apply every present predicate as a conjunction", func() {
		since := int64(5)
		f := eventmodel.Filter{Kinds: []int{1617}, Since: &since}
		Expect(f.Matches(eventmodel.Event{Kind: 1617, CreatedAt: 10})).To(BeTrue())
		Expect(f.Matches(eventmodel.Event{Kind: 1617, CreatedAt: 1})).To(BeFalse())
		Expect(f.Matches(eventmodel.Event{Kind: 1, CreatedAt: 10})).To(BeFalse())
	})

	It("should match tag predicates against any value on that tag letter", func() {
		f := eventmodel.Filter{}.WithTag("a", "30617:pk:repo")
		ev := eventmodel.Event{Tags: eventmodel.Tags{{"a", "30617:pk:repo"}}}
		Expect(f.Matches(ev)).To(BeTrue())
		Expect(f.Matches(eventmodel.Event{})).To(BeFalse())
	})
})
