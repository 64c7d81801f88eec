// Package clientcrypto implements the client side of the Whisper2
// crypto contract: mnemonic seed derivation, envelope encryption, and
// canonical signing. The server never runs this code in the request
// path; it exists for the reference client and for interop tests that
// pin the derivation bit-exact.
package clientcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"whisper2/go-server/internal/protocol"
)

// Protocol-level derivation constants. The HKDF salt and info strings
// are fixed by the wire contract, not implementation choices.
const (
	hkdfSalt       = "whisper"
	infoEncryption = "encryption"
	infoSigning    = "signing"
	infoContacts   = "contacts"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

// Keyring holds everything a client derives from its mnemonic.
type Keyring struct {
	WhisperID      string
	SignPrivateKey ed25519.PrivateKey
	SignPublicKey  ed25519.PublicKey
	EncPrivateKey  [32]byte
	EncPublicKey   [32]byte
	ContactsKey    [32]byte
}

// NewMnemonic generates a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveKeyring runs the full derivation:
// mnemonic -> PBKDF2-HMAC-SHA512 (2048 iters, salt "mnemonic"+passphrase)
// -> 64-byte seed -> three HKDF-SHA256 sub-seeds (salt "whisper",
// info "encryption"/"signing"/"contacts"). bip39.NewSeed implements
// the PBKDF2 step with exactly those constants.
func DeriveKeyring(mnemonic, passphrase string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return KeyringFromSeed(seed)
}

// KeyringFromSeed derives the three sub-keys from a 64-byte seed.
func KeyringFromSeed(seed []byte) (*Keyring, error) {
	signingSeed, err := hkdfExpand(seed, infoSigning, 32)
	if err != nil {
		return nil, err
	}
	encryptionSeed, err := hkdfExpand(seed, infoEncryption, 32)
	if err != nil {
		return nil, err
	}
	contactsKey, err := hkdfExpand(seed, infoContacts, 32)
	if err != nil {
		return nil, err
	}

	signPriv := ed25519.NewKeyFromSeed(signingSeed)
	signPub := signPriv.Public().(ed25519.PublicKey)

	k := &Keyring{
		SignPrivateKey: signPriv,
		SignPublicKey:  signPub,
	}
	copy(k.EncPrivateKey[:], encryptionSeed)
	clampX25519(&k.EncPrivateKey)
	pub, err := curve25519.X25519(k.EncPrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.EncPublicKey[:], pub)
	copy(k.ContactsKey[:], contactsKey)
	k.WhisperID = protocol.DeriveWhisperID(signPub)
	return k, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// clampX25519 applies the standard scalar clamping so the HKDF output
// is a valid X25519 private key.
func clampX25519(key *[32]byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}
