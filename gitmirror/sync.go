package gitmirror

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/nostrurl"
)

// Credentials carries the auth a mirror push/fetch may need. Token is
// used as an https basic-auth username when a credential helper
// supplies one; ssh relies on the environment's agent/known_hosts.
type Credentials struct {
	Token string
}

func authFor(scheme string, creds Credentials) transport.AuthMethod {
	if scheme == nostrurl.SchemeHTTPS && creds.Token != "" {
		return &http.BasicAuth{Username: creds.Token, Password: ""}
	}
	return nil
}

// FetchFromServer fetches the named refspecs from mirrorURL into the
// repository, retrying once under the alternate scheme on failure.
// progress may be nil.
func (r *Repo) FetchFromServer(ctx context.Context, policy *nostrurl.Policy, mirrorURL string, refspecs []config.RefSpec, creds Credentials, progress io.Writer) error {
	remoteName := "nostr-mirror-fetch"
	_ = r.DeleteRemote(remoteName)

	var lastErr error
	for _, scheme := range policy.Order(mirrorURL) {
		dialURL := rewriteForScheme(mirrorURL, scheme)

		remote, err := r.CreateRemoteAnonymous(&config.RemoteConfig{
			Name: remoteName,
			URLs: []string{dialURL},
		})
		if err != nil {
			return errors.Wrap(err, "create anonymous remote")
		}

		fetchErr := remote.FetchContext(ctx, &git.FetchOptions{
			RefSpecs: refspecs,
			Auth:     authFor(scheme, creds),
			Progress: progress,
			Tags:     git.NoTags,
		})
		if fetchErr == nil || fetchErr == git.NoErrAlreadyUpToDate {
			policy.Remember(mirrorURL, scheme)
			return nil
		}
		lastErr = fetchErr
	}
	return errors.Wrapf(lastErr, "fetch from %s", mirrorURL)
}

// ListRemoteRefs ls-remotes mirrorURL without fetching any objects,
// returning its currently advertised branch/tag refs keyed by full ref
// name. This is what lets a push or a `list` response learn what a
// mirror actually holds before reconciling it against nostr state,
// instead of assuming the mirror already has whatever nostr says.
func (r *Repo) ListRemoteRefs(ctx context.Context, policy *nostrurl.Policy, mirrorURL string, creds Credentials) (map[string]string, error) {
	remoteName := "nostr-mirror-ls"
	_ = r.DeleteRemote(remoteName)

	var lastErr error
	for _, scheme := range policy.Order(mirrorURL) {
		dialURL := rewriteForScheme(mirrorURL, scheme)

		remote, err := r.CreateRemoteAnonymous(&config.RemoteConfig{
			Name: remoteName,
			URLs: []string{dialURL},
		})
		if err != nil {
			return nil, errors.Wrap(err, "create anonymous remote")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		refs, err := remote.List(&git.ListOptions{Auth: authFor(scheme, creds)})
		if err != nil {
			lastErr = err
			continue
		}
		policy.Remember(mirrorURL, scheme)

		out := map[string]string{}
		for _, ref := range refs {
			if ref.Type() != plumbing.HashReference {
				continue
			}
			name := ref.Name()
			if !name.IsBranch() && !name.IsTag() {
				continue
			}
			out[name.String()] = ref.Hash().String()
		}
		return out, nil
	}
	return nil, errors.Wrapf(lastErr, "list remote refs at %s", mirrorURL)
}

// PushToServer pushes refspecs to mirrorURL, retrying once under the
// alternate scheme on an auth-shaped failure.
func (r *Repo) PushToServer(ctx context.Context, policy *nostrurl.Policy, mirrorURL string, refspecs []config.RefSpec, creds Credentials, progress io.Writer) error {
	remoteName := "nostr-mirror-push"
	_ = r.DeleteRemote(remoteName)

	var lastErr error
	for _, scheme := range policy.Order(mirrorURL) {
		dialURL := rewriteForScheme(mirrorURL, scheme)

		remote, err := r.CreateRemoteAnonymous(&config.RemoteConfig{
			Name: remoteName,
			URLs: []string{dialURL},
		})
		if err != nil {
			return errors.Wrap(err, "create anonymous remote")
		}

		var buf bytes.Buffer
		w := progress
		if w == nil {
			w = &buf
		}
		pushErr := remote.PushContext(ctx, &git.PushOptions{
			RefSpecs: refspecs,
			Auth:     authFor(scheme, creds),
			Progress: w,
		})
		if pushErr == nil || pushErr == git.NoErrAlreadyUpToDate {
			policy.Remember(mirrorURL, scheme)
			return nil
		}
		lastErr = pushErr
		authFailed := errors.Is(pushErr, transport.ErrAuthenticationRequired) ||
			errors.Is(pushErr, transport.ErrAuthorizationFailed) ||
			strings.Contains(pushErr.Error(), "unable to authenticate")
		if !authFailed {
			break
		}
	}
	return errors.Wrapf(lastErr, "push to %s", mirrorURL)
}

func rewriteForScheme(mirrorURL, scheme string) string {
	if alt := nostrurl.Alternate(mirrorURL); alt != "" {
		if scheme == nostrurl.SchemeSSH && strings.HasPrefix(alt, "ssh://") {
			return alt
		}
		if scheme == nostrurl.SchemeHTTPS && strings.HasPrefix(alt, "https://") {
			return alt
		}
	}
	return mirrorURL
}
