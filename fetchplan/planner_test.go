package fetchplan_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/fetchplan"
	"github.com/nostr-ngit/ngit/relay"
)

func TestFetchPlan(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FetchPlan Suite")
}

// stubRelay answers every REQ with the given events followed by EOSE,
// mirroring the relay package's own test double.
func stubRelay(events []eventmodel.Event) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f []json.RawMessage
			if json.Unmarshal(raw, &f) != nil || len(f) == 0 {
				continue
			}
			var typ string
			_ = json.Unmarshal(f[0], &typ)
			if typ != "REQ" {
				continue
			}
			var subID string
			_ = json.Unmarshal(f[1], &subID)
			for _, ev := range events {
				evb, _ := json.Marshal(ev)
				subIDJSON, _ := json.Marshal(subID)
				msg, _ := json.Marshal([]json.RawMessage{json.RawMessage(`"EVENT"`), subIDJSON, evb})
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
			subIDJSON, _ := json.Marshal(subID)
			eose, _ := json.Marshal([]json.RawMessage{json.RawMessage(`"EOSE"`), subIDJSON})
			_ = conn.WriteMessage(websocket.TextMessage, eose)
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + s.URL[len("http"):]
}

var _ = Describe("Planner.Run", func() {
	It("discovers a repo announcement and counts it in the report", func() {
		author := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459"
		ann := eventmodel.Event{
			PubKey:    author,
			CreatedAt: 1700000000,
			Kind:      eventmodel.KindRepoAnnouncement,
			Tags:      eventmodel.Tags{{"d", "ngit"}},
		}
		id, err := ann.ComputeID()
		Expect(err).To(BeNil())
		ann.ID = id
		srv := stubRelay([]eventmodel.Event{ann})
		defer srv.Close()

		dir, err := os.MkdirTemp("", "fetchplan-test")
		Expect(err).To(BeNil())
		defer os.RemoveAll(dir)
		store, err := eventcache.Open(dir)
		Expect(err).To(BeNil())
		defer store.Close()

		pool := relay.NewPool()
		planner := fetchplan.New(pool, store)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		report, err := planner.Run(ctx, fetchplan.Seeds{
			RepoCoordinates: []eventmodel.Coordinate{{
				Kind: eventmodel.KindRepoAnnouncement, Author: author, Identifier: "ngit",
				Relays: []string{wsURL(srv)},
			}},
		})
		Expect(err).To(BeNil())
		Expect(report.NewAnnouncements).To(Equal(1))

		has, err := store.Has(ctx, ann.ID)
		Expect(err).To(BeNil())
		Expect(has).To(BeTrue())
	})

	It("terminates when the universe stops growing", func() {
		dir, err := os.MkdirTemp("", "fetchplan-test-empty")
		Expect(err).To(BeNil())
		defer os.RemoveAll(dir)
		store, err := eventcache.Open(dir)
		Expect(err).To(BeNil())
		defer store.Close()

		pool := relay.NewPool()
		planner := fetchplan.New(pool, store)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		report, err := planner.Run(ctx, fetchplan.Seeds{})
		Expect(err).To(BeNil())
		Expect(report.NewAnnouncements).To(Equal(0))
	})
})
