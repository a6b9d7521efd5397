package config

import (
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

const repoSection = "nostr"

// RepoSettings reads and writes the `.git/config` keys ngit attaches
// to a local repository: which thread root backs a `pr/<slug>` branch,
// and when that branch's ref was last synced from a nostr state event.
type RepoSettings struct {
	repo *gogit.Repository
}

// NewRepoSettings wraps repo for per-repo settings access.
func NewRepoSettings(repo *gogit.Repository) *RepoSettings {
	return &RepoSettings{repo: repo}
}

// Coordinate returns the repo announcement identifier and publishing
// author pubkey `ngit init` recorded for this working copy, or empty
// strings if the repo has never been announced from here.
func (s *RepoSettings) Coordinate() (identifier, author string, err error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return "", "", errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("repo")
	return sub.Option("identifier"), sub.Option("author"), nil
}

// SetCoordinate records the repo announcement identifier/author this
// working copy was announced (or cloned) under.
func (s *RepoSettings) SetCoordinate(identifier, author string) error {
	cfg, err := s.repo.Config()
	if err != nil {
		return errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("repo")
	sub.SetOption("identifier", identifier)
	sub.SetOption("author", author)
	return s.repo.Storer.SetConfig(cfg)
}

// Relays returns the relay hints recorded for this repo, in insertion
// order, for `ngit relay list` and for the helper to fall back on
// before a repo announcement has propagated anywhere.
func (s *RepoSettings) Relays() ([]string, error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return nil, errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("repo")
	return sub.Options.GetAll("relay"), nil
}

// AddRelay appends url to the recorded relay hint list, ignoring a
// duplicate.
func (s *RepoSettings) AddRelay(url string) error {
	existing, err := s.Relays()
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r == url {
			return nil
		}
	}
	cfg, err := s.repo.Config()
	if err != nil {
		return errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("repo")
	sub.AddOption("relay", url)
	return s.repo.Storer.SetConfig(cfg)
}

// ThreadRoot returns the cached proposal thread-root event id for
// branch, if one was previously recorded.
func (s *RepoSettings) ThreadRoot(branch string) (string, error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return "", errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("branch." + branch)
	return sub.Option("thread-root"), nil
}

// SetThreadRoot records which proposal thread root backs branch.
func (s *RepoSettings) SetThreadRoot(branch, rootID string) error {
	cfg, err := s.repo.Config()
	if err != nil {
		return errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("branch." + branch)
	sub.SetOption("thread-root", rootID)
	return s.repo.Storer.SetConfig(cfg)
}

// AllThreadRoots returns every recorded branch -> thread-root-id
// mapping, used by the merge-status scan to
// recognize which cached proposal, if any, a newly pushed merge
// commit closes.
func (s *RepoSettings) AllThreadRoots() (map[string]string, error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return nil, errors.Wrap(err, "load git config")
	}
	out := map[string]string{}
	for _, sub := range cfg.Raw.Section(repoSection).Subsections {
		if !strings.HasPrefix(sub.Name, "branch.") {
			continue
		}
		root := sub.Option("thread-root")
		if root == "" {
			continue
		}
		branch := strings.TrimPrefix(sub.Name, "branch.")
		out[branch] = root
	}
	return out, nil
}

// LastUpdate returns the unix timestamp ngit last observed a state
// update for ref, or 0 if never recorded.
func (s *RepoSettings) LastUpdate(ref string) (int64, error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return 0, errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("ref." + ref)
	v := sub.Option("last-update")
	if v == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse last-update for %s", ref)
	}
	return ts, nil
}

// SetLastUpdate stamps ref with the unix timestamp of the state event
// that last touched it.
func (s *RepoSettings) SetLastUpdate(ref string, ts int64) error {
	cfg, err := s.repo.Config()
	if err != nil {
		return errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(repoSection).Subsection("ref." + ref)
	sub.SetOption("last-update", strconv.FormatInt(ts, 10))
	return s.repo.Storer.SetConfig(cfg)
}
