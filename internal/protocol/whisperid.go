package protocol

import (
	"crypto/sha256"
	"encoding/base32"
	"regexp"
)

// WhisperID format: WSP-XXXX-XXXX-XXXX, each group four chars from
// the RFC 4648 base32 alphabet [A-Z2-7], uppercase only.
var whisperIDPattern = regexp.MustCompile(`^WSP-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

var whisperIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidWhisperID reports whether id is a well-formed WhisperID.
func ValidWhisperID(id string) bool {
	return whisperIDPattern.MatchString(id)
}

// DeriveWhisperID computes the deterministic WhisperID for a signing
// public key: the first 12 base32 characters of SHA-256(signPub),
// grouped in fours. Stable across reinstalls on the same mnemonic.
func DeriveWhisperID(signPub []byte) string {
	digest := sha256.Sum256(signPub)
	encoded := whisperIDEncoding.EncodeToString(digest[:])
	return "WSP-" + encoded[0:4] + "-" + encoded[4:8] + "-" + encoded[8:12]
}
