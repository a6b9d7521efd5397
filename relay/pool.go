// Package relay is the Relay Client (C3): a pool of WebSocket
// connections to relay-network endpoints, each speaking the
// connect/subscribe/publish protocol with its own per-call timeout
// and independent failure domain.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/nostr-ngit/ngit/eventmodel"
)

// Connect and per-query timeouts.
const (
	ConnectTimeout = 3 * time.Second
	QueryTimeout   = 7 * time.Second

	// MaxConcurrentRelays bounds the fan-out the Fetch Planner (and
	// any other caller of Query) may hold open at once: a bounded
	// concurrent queue with a bound of roughly 15.
	MaxConcurrentRelays = 15
)

// Role distinguishes the write-only "blaster" relay category from an
// ordinary read/write relay.
type Role int

const (
	RoleNormal Role = iota
	RoleBlaster
)

// Conn is a single relay connection.
type Conn struct {
	URL  string
	Role Role

	mu sync.Mutex
	ws *websocket.Conn
}

// Pool holds zero or more live Conns, keyed by URL, and is the entry
// point every other component uses to talk to relays.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Conn
	roles map[string]Role
}

// NewPool creates an empty pool. Blaster URLs must be registered with
// SetRole before the first Connect/Query/Publish call that touches
// them, matching how repo announcements tag mirror-relay hints.
func NewPool() *Pool {
	return &Pool{conns: map[string]*Conn{}, roles: map[string]Role{}}
}

// SetRole marks url as a blaster (write-only) or normal relay.
func (p *Pool) SetRole(url string, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[url] = role
}

func (p *Pool) roleOf(url string) Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roles[url]
}

// Connect dials url, enforcing the 3s connect timeout, and registers
// the resulting connection in the pool under url. Re-connecting an
// already-open URL returns the existing connection.
func (p *Pool) Connect(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to relay %s", url)
	}

	c := &Conn{URL: url, Role: p.roleOf(url), ws: ws}
	p.mu.Lock()
	p.conns[url] = c
	p.mu.Unlock()
	return c, nil
}

// Disconnect closes every open connection in the pool.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.conns {
		c.mu.Lock()
		_ = c.ws.Close()
		c.mu.Unlock()
		delete(p.conns, url)
	}
}

// frame is the ["TYPE", ...] envelope every relay message uses.
type frame []json.RawMessage

func decodeType(f frame) string {
	if len(f) == 0 {
		return ""
	}
	return gjson.ParseBytes(f[0]).String()
}

// Publish sends event to url and awaits its OK frame. A rejection by
// the relay is reported as an error naming url and the relay's
// stated reason, never aborting other URLs the caller is publishing
// to concurrently.
func (p *Pool) Publish(ctx context.Context, url string, event eventmodel.Event) error {
	conn, err := p.Connect(ctx, url)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg, err := json.Marshal([]json.RawMessage{json.RawMessage(`"EVENT"`), payload})
	if err != nil {
		return err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.ws.SetWriteDeadline(deadline)
	}
	if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errors.Wrapf(err, "publish to relay %s", url)
	}

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return errors.Wrapf(err, "await OK from relay %s", url)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || len(f) == 0 {
			continue
		}
		if decodeType(f) != "OK" || len(f) < 3 {
			continue
		}
		var id string
		_ = json.Unmarshal(f[1], &id)
		if id != event.ID {
			continue
		}
		var ok bool
		_ = json.Unmarshal(f[2], &ok)
		if !ok {
			reason := ""
			if len(f) > 3 {
				_ = json.Unmarshal(f[3], &reason)
			}
			return backoff.Permanent(errors.Errorf("relay %s rejected %s: %s", url, event.ID, reason))
		}
		return nil
	}
}

// PublishAll publishes event to every url, sequentially per URL (a
// failure aborts only the remaining events to THAT url, never
// affecting others) but concurrently across URLs. Results are
// reported per relay.
func (p *Pool) PublishAll(ctx context.Context, urls []string, event eventmodel.Event) map[string]error {
	results := make(map[string]error, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := p.publishWithRetry(ctx, url, event)
			mu.Lock()
			results[url] = err
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return results
}

// publishWithRetry wraps Publish with the backoff policy used for
// transient relay errors; it never retries a policy rejection (an
// OK:false with a reason), only connect/write failures.
func (p *Pool) publishWithRetry(ctx context.Context, url string, event eventmodel.Event) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(func() error {
		return p.Publish(ctx, url, event)
	}, b)
}

// relayQuery runs one REQ/EOSE round-trip against a single connection
// bounded by QueryTimeout, returning whatever events arrived before
// EOSE or the timeout, whichever comes first.
func (p *Pool) relayQuery(ctx context.Context, url string, filters []eventmodel.Filter) ([]eventmodel.Event, error) {
	conn, err := p.Connect(ctx, url)
	if err != nil {
		return nil, err
	}

	subID := fmt.Sprintf("ngit-%d", time.Now().UnixNano())
	req := make([]json.RawMessage, 0, len(filters)+2)
	req = append(req, json.RawMessage(`"REQ"`))
	subIDJSON, _ := json.Marshal(subID)
	req = append(req, subIDJSON)
	for _, f := range filters {
		fb, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		req = append(req, fb)
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if deadline, ok := queryCtx.Deadline(); ok {
		_ = conn.ws.SetWriteDeadline(deadline)
	}
	if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return nil, errors.Wrapf(err, "send REQ to relay %s", url)
	}
	defer p.sendClose(conn, subID)

	var events []eventmodel.Event
	for {
		if deadline, ok := queryCtx.Deadline(); ok {
			_ = conn.ws.SetReadDeadline(deadline)
		}
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			// Timeout or connection error: return what we have.
			return events, nil
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || len(f) < 2 {
			continue
		}
		switch decodeType(f) {
		case "EVENT":
			if len(f) < 3 {
				continue
			}
			var ev eventmodel.Event
			if err := json.Unmarshal(f[2], &ev); err != nil {
				continue
			}
			events = append(events, ev)
		case "EOSE":
			return events, nil
		case "NOTICE", "CLOSED":
			return events, nil
		}

		select {
		case <-queryCtx.Done():
			return events, nil
		default:
		}
	}
}

func (p *Pool) sendClose(conn *Conn, subID string) {
	subIDJSON, _ := json.Marshal(subID)
	msg, _ := json.Marshal([]json.RawMessage{json.RawMessage(`"CLOSE"`), subIDJSON})
	_ = conn.ws.WriteMessage(websocket.TextMessage, msg)
}

// Query fans out filters to every url concurrently, bounded by
// MaxConcurrentRelays, and returns each relay's own result set keyed
// by URL. A per-relay error never aborts the others; it is recorded
// as a nil slice and the caller may inspect errs for the reason.
func (p *Pool) Query(ctx context.Context, urls []string, filters []eventmodel.Filter) (map[string][]eventmodel.Event, map[string]error) {
	results := make(map[string][]eventmodel.Event, len(urls))
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, MaxConcurrentRelays)

	for _, url := range urls {
		if p.roleOf(url) == RoleBlaster {
			continue // write-only: excluded from queries
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(url string) {
			defer wg.Done()
			defer func() { <-sem }()
			events, err := p.relayQuery(ctx, url, filters)
			mu.Lock()
			results[url] = events
			if err != nil {
				errs[url] = err
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return results, errs
}

// QueryMerged is Query with results deduplicated by event id across
// relays into one consolidated, creation-time-ordered slice.
func (p *Pool) QueryMerged(ctx context.Context, urls []string, filters []eventmodel.Filter) []eventmodel.Event {
	perRelay, _ := p.Query(ctx, urls, filters)
	seen := map[string]bool{}
	var out []eventmodel.Event
	for _, events := range perRelay {
		for _, ev := range events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			out = append(out, ev)
		}
	}
	eventmodel.ByCreatedThenID(out)
	return out
}
