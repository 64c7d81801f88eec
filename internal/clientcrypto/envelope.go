package clientcrypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const NonceSize = 24

var (
	ErrDecryptFailed = errors.New("envelope decryption failed")
	ErrShortNonce    = errors.New("nonce must be 24 bytes")
)

// NewNonce draws a fresh 24-byte nonce.
func NewNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// Seal encrypts plaintext for recipientEncPub with the sender's
// X25519 private key (NaCl box: X25519 + XSalsa20-Poly1305). The
// nonce binds sender, recipient, and message.
func Seal(plaintext []byte, nonce [NonceSize]byte, recipientEncPub, senderEncPriv *[32]byte) []byte {
	return box.Seal(nil, plaintext, &nonce, recipientEncPub, senderEncPriv)
}

// Open decrypts a sealed envelope from senderEncPub.
func Open(ciphertext []byte, nonce [NonceSize]byte, senderEncPub, recipientEncPriv *[32]byte) ([]byte, error) {
	plain, ok := box.Open(nil, ciphertext, &nonce, senderEncPub, recipientEncPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// NewFileKey draws the random 32-byte symmetric key used to encrypt
// one attachment's bytes.
func NewFileKey() ([32]byte, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// SealFile encrypts attachment bytes with a per-file symmetric key
// (XSalsa20-Poly1305). The key is then wrapped per-recipient with
// WrapFileKey and shipped in the envelope as fileKeyBox.
func SealFile(plaintext []byte, nonce [NonceSize]byte, fileKey *[32]byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, fileKey)
}

// OpenFile decrypts attachment bytes.
func OpenFile(ciphertext []byte, nonce [NonceSize]byte, fileKey *[32]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, fileKey)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// WrapFileKey seals the file key to one recipient's encryption key.
func WrapFileKey(fileKey *[32]byte, nonce [NonceSize]byte, recipientEncPub, senderEncPriv *[32]byte) []byte {
	return box.Seal(nil, fileKey[:], &nonce, recipientEncPub, senderEncPriv)
}

// UnwrapFileKey recovers a wrapped file key.
func UnwrapFileKey(fileKeyBox []byte, nonce [NonceSize]byte, senderEncPub, recipientEncPriv *[32]byte) ([32]byte, error) {
	var key [32]byte
	raw, ok := box.Open(nil, fileKeyBox, &nonce, senderEncPub, recipientEncPriv)
	if !ok || len(raw) != 32 {
		return key, ErrDecryptFailed
	}
	copy(key[:], raw)
	return key, nil
}

// SealContacts encrypts the contact backup blob with the derived
// contacts key. The server stores the result without ever holding the
// key.
func SealContacts(plaintext []byte, nonce [NonceSize]byte, contactsKey *[32]byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, contactsKey)
}

// OpenContacts decrypts a contact backup blob.
func OpenContacts(ciphertext []byte, nonce [NonceSize]byte, contactsKey *[32]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, contactsKey)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
