package eventcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
)

func mustEvent(t *testing.T, kind int, identifier string) eventmodel.Event {
	t.Helper()
	ev := eventmodel.Event{
		PubKey:    "aa",
		CreatedAt: 1,
		Kind:      kind,
		Tags:      eventmodel.Tags{{"d", identifier}},
	}
	id, err := ev.ComputeID()
	require.NoError(t, err)
	ev.ID = id
	ev.Sig = "00"
	return ev
}

func TestDualWriteStoreFansAnnouncementsToBothStores(t *testing.T) {
	perRepo, err := eventcache.Open("")
	require.NoError(t, err)
	global, err := eventcache.Open("")
	require.NoError(t, err)
	store := eventcache.NewDualWriteStore(perRepo, global)

	ev := mustEvent(t, eventmodel.KindRepoAnnouncement, "repo1")
	require.NoError(t, store.Put(context.Background(), ev))

	has, err := store.Global().Has(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, has, "announcement must be mirrored to the global store")
}

func TestDualWriteStoreKeepsPatchesPerRepoOnly(t *testing.T) {
	perRepo, err := eventcache.Open("")
	require.NoError(t, err)
	global, err := eventcache.Open("")
	require.NoError(t, err)
	store := eventcache.NewDualWriteStore(perRepo, global)

	ev := mustEvent(t, eventmodel.KindPatch, "repo1")
	require.NoError(t, store.Put(context.Background(), ev))

	has, err := store.Global().Has(context.Background(), ev.ID)
	require.NoError(t, err)
	require.False(t, has, "patch events must not leak into the global store")
}
