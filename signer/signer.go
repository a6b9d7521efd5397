// Package signer is the Signer Gateway (C2): a uniform sign/public-key
// API over either a locally held secret key or a remote signing
// process, so every other package treats signing as a single
// suspension point regardless of which variant backs it.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/eventmodel"
)

// Builder is an unsigned event awaiting a signature; CreatedAt is left
// to the caller so tests can produce deterministic events.
type Builder struct {
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      eventmodel.Tags
	Content   string
}

func (b Builder) toEvent() eventmodel.Event {
	tags := b.Tags
	if tags == nil {
		tags = eventmodel.Tags{}
	}
	return eventmodel.Event{
		PubKey:    b.PubKey,
		CreatedAt: b.CreatedAt,
		Kind:      b.Kind,
		Tags:      tags,
		Content:   b.Content,
	}
}

// Gateway is what every other component depends on to obtain a signed
// event or the acting identity's public key. A remote signer may
// suspend for seconds; callers must be prepared to await, never poll.
type Gateway interface {
	PublicKey() string
	Sign(ctx context.Context, b Builder) (eventmodel.Event, error)
}

// InlineSigner holds a secp256k1 secret key directly and signs with
// BIP-340 Schnorr, the signature scheme the relay network's event
// format requires.
type InlineSigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewInlineSigner wraps an existing secret key.
func NewInlineSigner(priv *btcec.PrivateKey) *InlineSigner {
	pub := priv.PubKey().SerializeCompressed()[1:] // x-only, per BIP-340
	return &InlineSigner{priv: priv, pubHex: hex.EncodeToString(pub)}
}

// GenerateInlineSigner creates a fresh random secret key. Used by
// `ngit init`'s first-run path and by tests.
func GenerateInlineSigner() (*InlineSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate secp256k1 key")
	}
	return NewInlineSigner(priv), nil
}

// InlineSignerFromHex loads a secret key from its 32-byte hex form, as
// stored (encrypted) in the application config's user records.
func InlineSignerFromHex(secHex string) (*InlineSigner, error) {
	b, err := hex.DecodeString(secHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode secret key hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return NewInlineSigner(priv), nil
}

func (s *InlineSigner) PublicKey() string { return s.pubHex }

// SecretHex returns the raw 32-byte secret key as hex, for callers
// (package keystore) that need to persist it encrypted.
func (s *InlineSigner) SecretHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

func (s *InlineSigner) Sign(ctx context.Context, b Builder) (eventmodel.Event, error) {
	if err := ctx.Err(); err != nil {
		return eventmodel.Event{}, err
	}
	b.PubKey = s.pubHex
	ev := b.toEvent()

	payload, err := ev.Serialize()
	if err != nil {
		return eventmodel.Event{}, errors.Wrap(err, "serialize event for signing")
	}
	hash := sha256.Sum256(payload)

	sig, err := schnorr.Sign(s.priv, hash[:])
	if err != nil {
		return eventmodel.Event{}, errors.Wrap(err, "schnorr sign event")
	}

	ev.ID = hex.EncodeToString(hash[:])
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev, nil
}

// SignRaw signs an arbitrary byte payload with the same BIP-340
// Schnorr scheme Sign uses for events, for callers that need to sign
// something that is not itself a nostr event — `ngit sign` standing in
// for `gpg.program` against a commit or tag's raw payload.
func (s *InlineSigner) SignRaw(payload []byte) ([]byte, error) {
	hash := sha256.Sum256(payload)
	sig, err := schnorr.Sign(s.priv, hash[:])
	if err != nil {
		return nil, errors.Wrap(err, "schnorr sign payload")
	}
	return sig.Serialize(), nil
}

// VerifyRaw checks a BIP-340 Schnorr signature over an arbitrary byte
// payload against pubHex, the `ngit verify` counterpart to SignRaw.
func VerifyRaw(pubHex string, payload, sig []byte) error {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return errors.Wrap(err, "decode pubkey hex")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return errors.Wrap(err, "parse x-only pubkey")
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return errors.Wrap(err, "parse signature")
	}
	hash := sha256.Sum256(payload)
	if !parsed.Verify(hash[:], pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Verify checks a BIP-340 Schnorr signature over ev's canonical
// serialization against ev.PubKey, independent of which Gateway
// variant produced it. The event cache and the relay client do not
// call it; they store and return events as received.
func Verify(ev eventmodel.Event) error {
	payload, err := ev.Serialize()
	if err != nil {
		return errors.Wrap(err, "serialize event for verification")
	}
	hash := sha256.Sum256(payload)

	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return errors.Wrap(err, "decode pubkey hex")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return errors.Wrap(err, "parse x-only pubkey")
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return errors.Wrap(err, "decode signature hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return errors.Wrap(err, "parse signature")
	}

	if !sig.Verify(hash[:], pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

// RemoteRequest/RemoteResponse are the minimal JSON-lines request and
// response the remote signer speaks over a configurable pipe, analogous
// in spirit to NIP-46 bunker signing but transport-agnostic: any
// io.ReadWriter the caller wires up (a subprocess's stdio, a unix
// socket) works.
type RemoteRequest struct {
	Method string  `json:"method"`
	Event  Builder `json:"event,omitempty"`
}

type RemoteResponse struct {
	PubKey string          `json:"pubkey,omitempty"`
	Event  eventmodel.Event `json:"event,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemotePipe is the transport a RemoteSigner needs: one request in,
// one response out, per call. Implementations may block for as long
// as the user takes to approve the request on their signing device.
type RemotePipe interface {
	Call(ctx context.Context, req RemoteRequest) (RemoteResponse, error)
}

// RemoteSigner delegates every operation to an external signing
// process. Construction never touches the network; PublicKey's first
// call does, and caches the result for the gateway's lifetime since a
// remote signer's identity key cannot change mid-session.
type RemoteSigner struct {
	pipe   RemotePipe
	pubHex string
}

func NewRemoteSigner(pipe RemotePipe) *RemoteSigner {
	return &RemoteSigner{pipe: pipe}
}

func (s *RemoteSigner) PublicKey() string {
	if s.pubHex != "" {
		return s.pubHex
	}
	resp, err := s.pipe.Call(context.Background(), RemoteRequest{Method: "get_public_key"})
	if err != nil {
		return ""
	}
	s.pubHex = resp.PubKey
	return s.pubHex
}

func (s *RemoteSigner) Sign(ctx context.Context, b Builder) (eventmodel.Event, error) {
	resp, err := s.pipe.Call(ctx, RemoteRequest{Method: "sign_event", Event: b})
	if err != nil {
		return eventmodel.Event{}, errors.Wrap(err, "remote signer call")
	}
	if resp.Error != "" {
		return eventmodel.Event{}, errors.Errorf("remote signer declined: %s", resp.Error)
	}
	return resp.Event, nil
}
