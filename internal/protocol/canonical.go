package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const canonicalPrefix = "v1"

var (
	ErrBadSignatureLength = errors.New("signature must be 64 bytes")
	ErrBadPublicKeyLength = errors.New("signing key must be 32 bytes")
)

// CanonicalBytes builds the exact byte string an envelope signature
// covers. The trailing newline is part of the form.
//
//	v1\n<msgType>\n<messageId>\n<from>\n<to>\n<timestamp>\n<nonceB64>\n<ciphertextB64>\n
func CanonicalBytes(msgType, messageID, from, to string, timestamp int64, nonceB64, ciphertextB64 string) []byte {
	var b strings.Builder
	b.Grow(len(canonicalPrefix) + len(msgType) + len(messageID) + len(from) + len(to) + len(nonceB64) + len(ciphertextB64) + 32)
	b.WriteString(canonicalPrefix)
	b.WriteByte('\n')
	b.WriteString(msgType)
	b.WriteByte('\n')
	b.WriteString(messageID)
	b.WriteByte('\n')
	b.WriteString(from)
	b.WriteByte('\n')
	b.WriteString(to)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonceB64)
	b.WriteByte('\n')
	b.WriteString(ciphertextB64)
	b.WriteByte('\n')
	return []byte(b.String())
}

// SignCanonical hashes the canonical form with SHA-256 and signs the
// digest with Ed25519. Clients use this; the server only verifies.
func SignCanonical(priv ed25519.PrivateKey, canonical []byte) []byte {
	digest := sha256.Sum256(canonical)
	return ed25519.Sign(priv, digest[:])
}

// VerifyCanonical verifies an Ed25519 signature over SHA-256 of the
// canonical form.
func VerifyCanonical(signPub []byte, canonical []byte, sig []byte) error {
	if len(signPub) != ed25519.PublicKeySize {
		return ErrBadPublicKeyLength
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadSignatureLength
	}
	digest := sha256.Sum256(canonical)
	if !ed25519.Verify(ed25519.PublicKey(signPub), digest[:], sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodeBase64Field decodes a standard-base64 wire field and enforces
// an exact length when want > 0.
func DecodeBase64Field(value string, want int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if want > 0 && len(raw) != want {
		return nil, errors.New("unexpected decoded length " + strconv.Itoa(len(raw)))
	}
	return raw, nil
}
