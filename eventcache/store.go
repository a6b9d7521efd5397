// Package eventcache is the durable, append-only store of signed
// events (component C1). It keeps two independent badger-backed
// stores — one per repository working copy, one global to the user —
// and answers filter queries by walking one secondary index, picked in
// a fixed order (ids, then authors, then kinds, then tag values),
// before re-checking the full predicate conjunction.
package eventcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/storage"
	"github.com/nostr-ngit/ngit/storage/common"
	storagetypes "github.com/nostr-ngit/ngit/storage/types"
)

// Store is the interface every other component depends on; it is
// deliberately narrower than the full badger Engine so callers cannot
// reach past the invariants enforced here (id hash-check on read,
// dual-write fan-out on write).
type Store interface {
	Put(ctx context.Context, event eventmodel.Event) error
	Query(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.Event, error)
	Has(ctx context.Context, id string) (bool, error)
	ItemsForFilter(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.ItemRef, error)
	Close() error
}

const (
	prefixEvent  = "evt"
	prefixKind   = "idx:kind"
	prefixAuthor = "idx:author"
	prefixTag    = "idx:tag"
)

// badgerStore is a single namespace (per-repo or global) backed by one
// badger.DB, opened through the storage.Badger engine.
type badgerStore struct {
	mu     sync.Mutex
	engine *storage.Badger
}

// Open initializes a badger store rooted at dir. An empty dir yields
// an in-memory store, matching storage.Badger.Init's own convention —
// used by tests that never need the store to outlive the process.
func Open(dir string) (Store, error) {
	engine := storage.NewBadger()
	if err := engine.Init(dir); err != nil {
		return nil, errors.Wrapf(err, "open event cache at %s", dir)
	}
	return &badgerStore{engine: engine}, nil
}

func evKey(id string) []byte { return []byte(id) }

func be64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func (s *badgerStore) Put(ctx context.Context, event eventmodel.Event) error {
	if !event.CheckID() {
		return errors.New("event cache: refusing to store event with mismatched id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := msgpack.Marshal(&event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	tx := s.engine.NewTx(false, false)
	defer tx.Discard()

	if err := tx.Put(common.NewRecord(evKey(event.ID), val, []byte(prefixEvent))); err != nil {
		return errors.Wrap(err, "write event record")
	}

	kindKey := common.MakeKey([]byte(event.ID), []byte(prefixKind), []byte(fmt.Sprint(event.Kind)), be64(event.CreatedAt))
	if err := tx.Put(&common.Record{Key: kindKey, Value: []byte(event.ID)}); err != nil {
		return errors.Wrap(err, "write kind index")
	}

	authorKey := common.MakeKey([]byte(event.ID), []byte(prefixAuthor), []byte(event.PubKey), be64(event.CreatedAt))
	if err := tx.Put(&common.Record{Key: authorKey, Value: []byte(event.ID)}); err != nil {
		return errors.Wrap(err, "write author index")
	}

	for _, letter := range []string{"a", "d", "e", "p", "r", "t"} {
		for _, tag := range event.Tags.FindAll(letter) {
			tagKey := common.MakeKey([]byte(event.ID), []byte(prefixTag), []byte(letter), []byte(tag.Value()), be64(event.CreatedAt))
			if err := tx.Put(&common.Record{Key: tagKey, Value: []byte(event.ID)}); err != nil {
				return errors.Wrapf(err, "write tag index (%s)", letter)
			}
		}
	}

	return tx.Commit()
}

func (s *badgerStore) getByID(tx storagetypes.Tx, id string) (*eventmodel.Event, error) {
	rec, err := tx.Get(common.MakeKey(evKey(id), []byte(prefixEvent)))
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ev eventmodel.Event
	if err := msgpack.Unmarshal(rec.Value, &ev); err != nil {
		return nil, errors.Wrap(err, "decode cached event")
	}
	if !ev.CheckID() {
		return nil, errors.Errorf("event cache: corrupt record for id %s", id)
	}
	return &ev, nil
}

func (s *badgerStore) Has(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.engine.NewTx(false, false)
	defer tx.Discard()
	ev, err := s.getByID(tx, id)
	return ev != nil, err
}

// candidateIDs picks the cheapest secondary index available on filter
// and returns the set of event ids it names, plus whether a dedicated
// index was used at all (false means "full scan").
func (s *badgerStore) candidateIDs(tx storagetypes.Tx, filter eventmodel.Filter) (map[string]bool, bool) {
	ids := map[string]bool{}

	switch {
	case len(filter.IDs) > 0:
		for _, id := range filter.IDs {
			ids[id] = true
		}
		return ids, true

	case len(filter.Authors) > 0:
		for _, author := range filter.Authors {
			prefix := common.MakePrefix([]byte(prefixAuthor), []byte(author))
			tx.Iterate(prefix, true, func(rec *common.Record) bool {
				ids[string(rec.Value)] = true
				return false
			})
		}
		return ids, true

	case len(filter.Kinds) > 0:
		for _, kind := range filter.Kinds {
			prefix := common.MakePrefix([]byte(prefixKind), []byte(fmt.Sprint(kind)))
			tx.Iterate(prefix, true, func(rec *common.Record) bool {
				ids[string(rec.Value)] = true
				return false
			})
		}
		return ids, true

	default:
		for letter, values := range filter.Tags {
			for _, v := range values {
				prefix := common.MakePrefix([]byte(prefixTag), []byte(letter), []byte(v))
				tx.Iterate(prefix, true, func(rec *common.Record) bool {
					ids[string(rec.Value)] = true
					return false
				})
			}
			if len(ids) > 0 {
				return ids, true
			}
		}
	}

	return nil, false
}

func (s *badgerStore) Query(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.engine.NewTx(false, false)
	defer tx.Discard()

	ids, indexed := s.candidateIDs(tx, filter)

	var out []eventmodel.Event
	collect := func(id string) error {
		ev, err := s.getByID(tx, id)
		if err != nil {
			return err
		}
		if ev != nil && filter.Matches(*ev) {
			out = append(out, *ev)
		}
		return nil
	}

	if indexed {
		for id := range ids {
			if err := collect(id); err != nil {
				return nil, err
			}
		}
	} else {
		var scanErr error
		tx.Iterate([]byte(prefixEvent), true, func(rec *common.Record) bool {
			var ev eventmodel.Event
			if err := msgpack.Unmarshal(rec.Value, &ev); err != nil {
				scanErr = err
				return true
			}
			if filter.Matches(ev) {
				out = append(out, ev)
			}
			return false
		})
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "full scan")
		}
	}

	eventmodel.ByCreatedThenID(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *badgerStore) ItemsForFilter(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.ItemRef, error) {
	events, err := s.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	refs := make([]eventmodel.ItemRef, len(events))
	for i, e := range events {
		refs[i] = eventmodel.ItemRef{ID: e.ID, CreatedAt: e.CreatedAt}
	}
	return refs, nil
}

func (s *badgerStore) Close() error {
	return s.engine.Close()
}
