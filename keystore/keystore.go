// Package keystore creates and manages the user's nostr identity: an
// npub/nsec keypair persisted to disk, the secret key scrambled behind
// a passphrase the same way the wider ngit toolchain protects its
// signing keys.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/nostr-ngit/ngit/signer"
)

const (
	pbkdf2Iterations = 100000
	saltLen          = 16
)

// DefaultPassphrase is used when the caller opts out of passphrase
// protection; the record is then marked Unprotected.
const DefaultPassphrase = "passphrase"

// Record is one user's persisted identity.
type Record struct {
	PublicKey   string `json:"public_key"`
	Unprotected bool   `json:"unprotected"`
	CreatedAt   int64  `json:"created_at"`

	Salt       string `json:"salt"`
	Ciphertext string `json:"ciphertext"`
}

// Keystore stores Records under dir, one JSON file per public key.
type Keystore struct {
	dir string
}

// New returns a Keystore rooted at dir. dir must already exist.
func New(dir string) *Keystore {
	return &Keystore{dir: dir}
}

func (ks *Keystore) path(pubkey string) string {
	return filepath.Join(ks.dir, pubkey+".json")
}

// Exist reports whether a record for pubkey is already stored.
func (ks *Keystore) Exist(pubkey string) (bool, error) {
	_, err := os.Stat(ks.path(pubkey))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Generate creates a brand new identity, encrypts its secret key under
// passphrase (or DefaultPassphrase if empty), and persists it.
func (ks *Keystore) Generate(passphrase string) (*Record, string, error) {
	sgn, err := signer.GenerateInlineSigner()
	if err != nil {
		return nil, "", errors.Wrap(err, "generate key")
	}
	return ks.Import(sgn.SecretHex(), passphrase)
}

// Import encrypts an existing hex-encoded secret key under passphrase
// and persists it, returning the record and the nsec's public key.
func (ks *Keystore) Import(secHex, passphrase string) (*Record, string, error) {
	sgn, err := signer.InlineSignerFromHex(secHex)
	if err != nil {
		return nil, "", errors.Wrap(err, "parse secret key")
	}
	pub := sgn.PublicKey()

	if exist, err := ks.Exist(pub); err != nil {
		return nil, "", err
	} else if exist {
		return nil, "", errors.Errorf("keystore: identity %s already exists", pub)
	}

	unprotected := passphrase == ""
	if unprotected {
		passphrase = DefaultPassphrase
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", errors.Wrap(err, "generate salt")
	}
	key := deriveKey(passphrase, salt)

	ct, err := encrypt([]byte(secHex), key)
	if err != nil {
		return nil, "", errors.Wrap(err, "encrypt secret key")
	}

	rec := &Record{
		PublicKey:   pub,
		Unprotected: unprotected,
		CreatedAt:   time.Now().Unix(),
		Salt:        hex.EncodeToString(salt),
		Ciphertext:  hex.EncodeToString(ct),
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal record")
	}
	if err := ioutil.WriteFile(ks.path(pub), raw, 0600); err != nil {
		return nil, "", errors.Wrap(err, "write keystore record")
	}

	return rec, pub, nil
}

// Unlock decrypts the record for pubkey under passphrase, returning a
// ready-to-use signer.Gateway.
func (ks *Keystore) Unlock(pubkey, passphrase string) (*signer.InlineSigner, error) {
	raw, err := ioutil.ReadFile(ks.path(pubkey))
	if err != nil {
		return nil, errors.Wrap(err, "read keystore record")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode keystore record")
	}

	if passphrase == "" && rec.Unprotected {
		passphrase = DefaultPassphrase
	}

	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	key := deriveKey(passphrase, salt)

	ct, err := hex.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}
	secHex, err := decrypt(ct, key)
	if err != nil {
		return nil, errors.New("keystore: wrong passphrase or corrupted record")
	}

	return signer.InlineSignerFromHex(string(secHex))
}

// List returns every public key with a stored record.
func (ks *Keystore) List() ([]Record, error) {
	entries, err := ioutil.ReadDir(ks.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read keystore directory")
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := ioutil.ReadFile(filepath.Join(ks.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// deriveKey hardens a passphrase into a 32-byte secretbox key via
// PBKDF2-HMAC-SHA256 before symmetric encryption.
func deriveKey(passphrase string, salt []byte) *[32]byte {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
	var key [32]byte
	copy(key[:], derived)
	return &key
}

func encrypt(plain []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

func decrypt(ct []byte, key *[32]byte) ([]byte, error) {
	if len(ct) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ct[:24])
	out, ok := secretbox.Open(nil, ct[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("secretbox: authentication failed")
	}
	return out, nil
}
