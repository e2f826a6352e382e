package processor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/veilbet/veilbet/pre"
)

// Symmetric sealing of state blobs and votes: AES-256-GCM with the nonce
// prepended to the ciphertext and the market ID as associated data, so a
// blob or vote sealed for one market never authenticates under another.

const nonceSize = 12

var errSealTooShort = errors.New("sealed blob too short")

// newOneTimeKey draws a fresh symmetric key. Each key seals exactly one
// blob and is zeroed when the blob is superseded.
func newOneTimeKey() ([]byte, error) {
	key := make([]byte, pre.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("drawing one-time key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("drawing nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, errSealTooShort
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, blob[:nonceSize], blob[nonceSize:], aad)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// zero wipes key material in place. Callers must not use the slice after.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// fingerprint identifies a key for the retired-key ledger without keeping
// the key itself around.
func fingerprint(key []byte) [32]byte {
	return sha256.Sum256(key)
}
