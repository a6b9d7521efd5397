package eventcache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/nostr-ngit/ngit/eventmodel"
)

// globalNeedsDualWrite reports whether a kind must be mirrored into
// the global store in addition to its natural per-repo home: repo
// announcements and the standard profile/relay-list kinds are the
// only ones discovery needs before a working copy exists.
func globalNeedsDualWrite(kind int) bool {
	switch kind {
	case eventmodel.KindRepoAnnouncement, eventmodel.KindProfileMetadata, eventmodel.KindRelayList:
		return true
	default:
		return false
	}
}

// DualWriteStore fans writes of announcement and profile/relay-list
// events to both the per-repo and the global store, and otherwise
// writes only to the per-repo store. Reads are always answered from
// the per-repo store; callers that need the global store's wider view
// (e.g. `ngit` discovering repos before cloning) hold a reference to
// it directly.
type DualWriteStore struct {
	perRepo Store
	global  Store
}

// NewDualWriteStore wraps an already-open per-repo and global store.
func NewDualWriteStore(perRepo, global Store) *DualWriteStore {
	return &DualWriteStore{perRepo: perRepo, global: global}
}

func (d *DualWriteStore) Put(ctx context.Context, event eventmodel.Event) error {
	if err := d.perRepo.Put(ctx, event); err != nil {
		return errors.Wrap(err, "per-repo store")
	}
	if globalNeedsDualWrite(event.Kind) {
		if err := d.global.Put(ctx, event); err != nil {
			return errors.Wrap(err, "global store")
		}
	}
	return nil
}

func (d *DualWriteStore) Query(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.Event, error) {
	return d.perRepo.Query(ctx, filter)
}

func (d *DualWriteStore) Has(ctx context.Context, id string) (bool, error) {
	return d.perRepo.Has(ctx, id)
}

func (d *DualWriteStore) ItemsForFilter(ctx context.Context, filter eventmodel.Filter) ([]eventmodel.ItemRef, error) {
	return d.perRepo.ItemsForFilter(ctx, filter)
}

func (d *DualWriteStore) Close() error {
	perErr := d.perRepo.Close()
	globErr := d.global.Close()
	if perErr != nil {
		return perErr
	}
	return globErr
}

// Global exposes the global store directly, for callers (the `ngit`
// companion CLI's discovery commands) that must query across every
// repo this machine has ever touched, not just the current one.
func (d *DualWriteStore) Global() Store { return d.global }

const (
	perRepoDirName = "nostr-cache.badger"
	globalDirName  = "ngit/nostr-cache.badger"
)

// PerRepoDir returns `<repo>/.git/nostr-cache.badger` for a repository
// whose `.git` directory is gitDir.
func PerRepoDir(gitDir string) string {
	return filepath.Join(gitDir, perRepoDirName)
}

// GlobalDir returns `<user-config-dir>/ngit/nostr-cache.badger`,
// creating the parent directory if necessary.
func GlobalDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := homedir.Dir()
		if herr != nil {
			return "", errors.Wrap(err, "resolve user config directory")
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, globalDirName)
	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return "", errors.Wrapf(err, "create global cache parent %s", dir)
	}
	return dir, nil
}

// OpenDual opens the per-repo store at gitDir and the global store at
// the user's config directory, and returns both wrapped in a
// DualWriteStore ready for the helper to use.
func OpenDual(gitDir string) (*DualWriteStore, error) {
	perRepo, err := Open(PerRepoDir(gitDir))
	if err != nil {
		return nil, errors.Wrap(err, "open per-repo cache")
	}
	globalDir, err := GlobalDir()
	if err != nil {
		return nil, err
	}
	global, err := Open(globalDir)
	if err != nil {
		return nil, errors.Wrap(err, "open global cache")
	}
	return NewDualWriteStore(perRepo, global), nil
}
