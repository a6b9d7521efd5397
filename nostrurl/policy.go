package nostrurl

import (
	"net/url"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/pkg/errors"

	ngitcache "github.com/nostr-ngit/ngit/pkgs/cache"
)

// Scheme preference order absent any remembered preference: ssh
// first when derivable, then https.
const (
	SchemeSSH   = "ssh"
	SchemeHTTPS = "https"
)

const configSection = "nostr"
const protocolKey = "protocol"

// Policy stores and recalls, per mirror server, which transport
// scheme last worked — so repeated pushes/fetches in one helper
// invocation don't re-attempt a scheme known to fail.
type Policy struct {
	repo     *gogit.Repository
	cache    *ngitcache.Cache
	forceSSH bool
}

// NewPolicy wraps a local repository's `.git/config`. repo may be nil
// for a throwaway Policy (no persistence, cache only — used before a
// working copy exists, e.g. during `list` against a fresh clone
// target).
func NewPolicy(repo *gogit.Repository) *Policy {
	return &Policy{repo: repo, cache: ngitcache.NewCache(64)}
}

// ForceSSH marks every subsequent Order call as preferring ssh ahead
// of any remembered preference, mirroring the pseudo-URL's `<user>@`
// prefix. It does not override a URL-fixed scheme.
func (p *Policy) ForceSSH(force bool) {
	p.forceSSH = force
}

func mirrorKey(rawURL string) string {
	return strings.ReplaceAll(rawURL, ".", "-")
}

// Preferred returns the remembered scheme preference for mirrorURL,
// or "" if none is recorded yet.
func (p *Policy) Preferred(mirrorURL string) string {
	if v := p.cache.Get(mirrorURL); v != nil {
		return v.(string)
	}
	if p.repo == nil {
		return ""
	}
	cfg, err := p.repo.Config()
	if err != nil {
		return ""
	}
	sub := cfg.Raw.Section(configSection).Subsection(mirrorKey(mirrorURL))
	pref := sub.Option(protocolKey)
	if pref != "" {
		p.cache.Add(mirrorURL, pref)
	}
	return pref
}

// Remember persists scheme as the working protocol for mirrorURL.
func (p *Policy) Remember(mirrorURL, scheme string) error {
	p.cache.Add(mirrorURL, scheme)
	if p.repo == nil {
		return nil
	}
	cfg, err := p.repo.Config()
	if err != nil {
		return errors.Wrap(err, "load git config")
	}
	sub := cfg.Raw.Section(configSection).Subsection(mirrorKey(mirrorURL))
	sub.SetOption(protocolKey, scheme)
	return p.repo.Storer.SetConfig(cfg)
}

// Order returns the scheme attempt order for mirrorURL. If the URL
// fixes a scheme explicitly (e.g. the user wrote `https://...`
// themselves in the repo announcement), only that scheme is
// attempted. Otherwise, a pseudo-URL `<user>@` prefix forces ssh
// first; absent that, a remembered preference goes first; absent
// both, the default order is ssh, https.
func (p *Policy) Order(mirrorURL string) []string {
	if fixed := fixedScheme(mirrorURL); fixed != "" {
		return []string{fixed}
	}
	if p.forceSSH {
		return []string{SchemeSSH, SchemeHTTPS}
	}
	if pref := p.Preferred(mirrorURL); pref != "" {
		if pref == SchemeSSH {
			return []string{SchemeSSH, SchemeHTTPS}
		}
		return []string{SchemeHTTPS, SchemeSSH}
	}
	return []string{SchemeSSH, SchemeHTTPS}
}

func fixedScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return ""
	}
	switch u.Scheme {
	case "ssh":
		return SchemeSSH
	case "https", "http":
		return SchemeHTTPS
	case "git":
		return ""
	}
	return ""
}

// Alternate rewrites mirrorURL between its ssh and https forms, used
// for the single automatic retry on authentication failure. Returns
// "" if no rewrite is derivable (e.g. the URL has no host, or is
// already scheme-ambiguous).
func Alternate(mirrorURL string) string {
	if strings.HasPrefix(mirrorURL, "https://") {
		rest := strings.TrimPrefix(mirrorURL, "https://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return ""
		}
		return "ssh://git@" + parts[0] + "/" + parts[1]
	}
	if strings.HasPrefix(mirrorURL, "ssh://git@") {
		rest := strings.TrimPrefix(mirrorURL, "ssh://git@")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return ""
		}
		return "https://" + parts[0] + "/" + parts[1]
	}
	// scp-like "git@host:owner/repo.git"
	if strings.Contains(mirrorURL, "@") && strings.Contains(mirrorURL, ":") && !strings.Contains(mirrorURL, "://") {
		at := strings.Index(mirrorURL, "@")
		colon := strings.Index(mirrorURL, ":")
		if colon > at {
			host := mirrorURL[at+1 : colon]
			path := mirrorURL[colon+1:]
			return "https://" + host + "/" + path
		}
	}
	return ""
}
