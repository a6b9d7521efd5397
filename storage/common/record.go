package common

import (
	"bytes"
	"fmt"
)

// ErrRecordNotFound indicates that a record was not found
var ErrRecordNotFound = fmt.Errorf("record not found")

const (
	// KeyPrefixSeparator separates a joined prefix from the key proper
	KeyPrefixSeparator = ";"
	prefixSeparator     = ":"
)

// Record represents a single key/value entry in a storage engine.
// Prefix is joined ahead of Key on disk so that range scans over a
// common prefix (e.g. all events of one kind, or one author) are a
// single badger iterator seek rather than a full-table scan.
type Record struct {
	Key    []byte `json:"key"`
	Value  []byte `json:"value"`
	Prefix []byte `json:"prefix"`
}

// IsEmpty checks whether the record carries neither key nor value
func (r *Record) IsEmpty() bool {
	return len(r.Key) == 0 && len(r.Value) == 0
}

// MakePrefix joins multiple prefix segments into one
func MakePrefix(prefixes ...[]byte) []byte {
	return bytes.Join(prefixes, []byte(prefixSeparator))
}

// SplitPrefix splits a joined prefix back into its individual segments
func SplitPrefix(prefix []byte) [][]byte {
	return bytes.Split(prefix, []byte(prefixSeparator))
}

// MakeKey constructs the on-disk key from a logical key and its prefixes
func MakeKey(key []byte, prefixes ...[]byte) []byte {
	prefix := MakePrefix(prefixes...)
	sep := []byte(KeyPrefixSeparator)
	if len(key) == 0 || len(prefix) == 0 {
		sep = []byte{}
	}
	return append(prefix, append(sep, key...)...)
}

// GetKey returns the on-disk key (prefix + separator + key)
func (r *Record) GetKey() []byte {
	return MakeKey(r.Key, r.Prefix)
}

// Equal reports whether two records carry the same key and value
func (r *Record) Equal(other *Record) bool {
	return bytes.Equal(r.Key, other.Key) && bytes.Equal(r.Value, other.Value)
}

// NewRecord creates a Record, joining prefixes ahead of key on write
func NewRecord(key, value []byte, prefixes ...[]byte) *Record {
	return &Record{Key: key, Value: value, Prefix: MakePrefix(prefixes...)}
}

// NewFromKeyValue reconstructs a Record from an on-disk key/value pair,
// splitting the leading "prefix;" segment back off the key if present.
func NewFromKeyValue(key []byte, value []byte) *Record {
	var k, p []byte

	parts := bytes.SplitN(key, []byte(KeyPrefixSeparator), 2)
	switch len(parts) {
	case 2:
		p, k = parts[0], parts[1]
	case 1:
		k = parts[0]
	default:
		panic("invalid key format: " + string(key))
	}

	return &Record{Key: k, Value: value, Prefix: p}
}
