// Package config is the application config I/O the remote helper and
// the `ngit` companion CLI share: a JSON file under the user's config
// directory holding known identities and relay lists, plus thin
// helpers over `.git/config` for per-repo thread/branch bookkeeping.
package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const appDirName = "ngit"
const configFileName = "config"

// UserRecord is one identity known to this machine: its public key,
// its encrypted secret key (keystore.Record.Ciphertext, base64/hex as
// stored there — config only ever references it by public key),
// cached profile metadata, and its relay list.
type UserRecord struct {
	PublicKey string `json:"public_key" mapstructure:"public_key"`

	Metadata struct {
		Name      string `json:"name" mapstructure:"name"`
		CreatedAt int64  `json:"created_at" mapstructure:"created_at"`
	} `json:"metadata" mapstructure:"metadata"`

	Relays struct {
		List      []string `json:"list" mapstructure:"list"`
		CreatedAt int64    `json:"created_at" mapstructure:"created_at"`
	} `json:"relays" mapstructure:"relays"`

	LastChecked int64 `json:"last_checked" mapstructure:"last_checked"`
}

// AppConfig is the whole on-disk config document.
type AppConfig struct {
	ActivePublicKey string                `json:"active_public_key" mapstructure:"active_public_key"`
	Users           map[string]UserRecord `json:"users" mapstructure:"users"`
}

// Dir resolves `<user-config-dir>/ngit`, creating it if necessary.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := homedir.Dir()
		if herr != nil {
			return "", errors.Wrap(err, "resolve user config directory")
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrapf(err, "create config directory %s", dir)
	}
	return dir, nil
}

// Load reads the application config, returning an empty AppConfig if
// no file exists yet.
func Load() (*AppConfig, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	cfg := &AppConfig{Users: map[string]UserRecord{}}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read application config")
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode application config")
	}
	if cfg.Users == nil {
		cfg.Users = map[string]UserRecord{}
	}
	return cfg, nil
}

// Save writes the application config as indented JSON.
func Save(cfg *AppConfig) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal application config")
	}
	path := filepath.Join(dir, configFileName+".json")
	if err := ioutil.WriteFile(path, raw, 0600); err != nil {
		return errors.Wrapf(err, "write application config %s", path)
	}
	return nil
}

// UpsertUser inserts or updates a user record and sets it active if
// none was previously active.
func (c *AppConfig) UpsertUser(rec UserRecord) {
	if c.Users == nil {
		c.Users = map[string]UserRecord{}
	}
	c.Users[rec.PublicKey] = rec
	if c.ActivePublicKey == "" {
		c.ActivePublicKey = rec.PublicKey
	}
}

// Active returns the currently active user record, if any.
func (c *AppConfig) Active() (UserRecord, bool) {
	rec, ok := c.Users[c.ActivePublicKey]
	return rec, ok
}

// NewUserRecord builds a freshly-seen user record stamped with the
// current time.
func NewUserRecord(pubkey, name string, relays []string) UserRecord {
	now := time.Now().Unix()
	rec := UserRecord{PublicKey: pubkey, LastChecked: now}
	rec.Metadata.Name = name
	rec.Metadata.CreatedAt = now
	rec.Relays.List = relays
	rec.Relays.CreatedAt = now
	return rec
}
