// Package bech32 provides a thin wrapper around btcutil's bech32
// codec, exposing the ConvertAndEncode/DecodeAndConvert pair the rest
// of the tree uses for human-readable-prefixed addresses: the `npub`
// form of an identity's public key printed by `ngit key`.
package bech32

import (
	"github.com/btcsuite/btcutil/bech32"
)

// ConvertAndEncode converts base256 data to base32 and encodes it as a
// bech32 string with the given human-readable part.
func ConvertAndEncode(hrp string, data []byte) (string, error) {
	converted, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, converted)
}

// DecodeAndConvert decodes a bech32 string and converts its data part
// back to base256, returning the human-readable part alongside it.
func DecodeAndConvert(bech string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(bech)
	if err != nil {
		return "", nil, err
	}
	converted, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, converted, nil
}
