package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SessionKeySize is the length of a per-user session envelope key.
const SessionKeySize = chacha20poly1305.KeySize

// ErrEnvelopeOpen is returned when a wrapped key fails authentication.
var ErrEnvelopeOpen = errors.New("failed to open key envelope")

// NewSessionKey returns a fresh random session envelope key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// WrapKey seals a segment key under a session key with XChaCha20-Poly1305.
// The output is nonce || ciphertext || tag. The key id is bound as
// associated data so a wrapped key cannot be replayed under another id.
func WrapKey(sessionKey, segmentKey []byte, keyID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(segmentKey)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, segmentKey, []byte(keyID)), nil
}

// UnwrapKey opens an envelope produced by WrapKey.
func UnwrapKey(sessionKey, wrapped []byte, keyID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope cipher: %w", err)
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrEnvelopeOpen
	}

	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, ErrEnvelopeOpen
	}
	return plain, nil
}
