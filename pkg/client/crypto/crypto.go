// Package crypto provides the end-to-end encryption used for channels:
// X25519 key exchange with directional session keys, XChaCha20-Poly1305
// message encryption, and persistent identity key storage.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and channel secrets
	KeySize = 32

	// NonceSize is the size of XChaCha20-Poly1305 nonces
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the size of Poly1305 authentication tags
	TagSize = chacha20poly1305.Overhead
)

var (
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
	ErrKeyGenFailed      = errors.New("key generation failed")
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrKeyClosed         = errors.New("key pair has been closed")
)

// KeyPair is an X25519 identity key pair. The private key never leaves
// the struct: callers borrow it through WithPrivate, and Close zeroes it.
type KeyPair struct {
	public  [KeySize]byte
	private [KeySize]byte
	closed  bool
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, private[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenFailed, err)
	}
	return keyPairFromPrivate(private[:])
}

// KeyPairFromPrivate builds a key pair from an existing 32-byte private
// key, deriving the public half.
func KeyPairFromPrivate(private []byte) (*KeyPair, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(private))
	}
	var buf [KeySize]byte
	copy(buf[:], private)
	return keyPairFromPrivate(buf[:])
}

func keyPairFromPrivate(private []byte) (*KeyPair, error) {
	// Standard X25519 clamping.
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenFailed, err)
	}

	kp := &KeyPair{}
	copy(kp.private[:], private)
	copy(kp.public[:], public)
	zero(private)
	return kp, nil
}

// Public returns a copy of the public key.
func (kp *KeyPair) Public() []byte {
	out := make([]byte, KeySize)
	copy(out, kp.public[:])
	return out
}

// WithPrivate calls fn with the private key. The slice is only valid for
// the duration of the call and must not be retained.
func (kp *KeyPair) WithPrivate(fn func(private []byte) error) error {
	if kp.closed {
		return ErrKeyClosed
	}
	return fn(kp.private[:])
}

// Close zeroes the private key. The pair is unusable afterwards.
func (kp *KeyPair) Close() {
	zero(kp.private[:])
	kp.closed = true
}

// SessionKeys are the directional keys derived from a key exchange. Tx
// encrypts traffic to the peer, Rx decrypts traffic from the peer.
type SessionKeys struct {
	Rx [KeySize]byte
	Tx [KeySize]byte
}

// Zero wipes both keys.
func (sk *SessionKeys) Zero() {
	zero(sk.Rx[:])
	zero(sk.Tx[:])
}

// InitiatorSessionKeys derives session keys for the party that started
// the exchange. The transcript hash covers the raw X25519 point followed
// by both public keys, initiator first, so both sides derive the same
// key material; each side's Tx is the other's Rx.
func InitiatorSessionKeys(kp *KeyPair, peerPublic []byte) (*SessionKeys, error) {
	material, err := exchangeMaterial(kp, peerPublic, true)
	if err != nil {
		return nil, err
	}
	sk := &SessionKeys{}
	copy(sk.Rx[:], material[:KeySize])
	copy(sk.Tx[:], material[KeySize:])
	zero(material)
	return sk, nil
}

// ResponderSessionKeys derives session keys for the party that received
// the exchange.
func ResponderSessionKeys(kp *KeyPair, peerPublic []byte) (*SessionKeys, error) {
	material, err := exchangeMaterial(kp, peerPublic, false)
	if err != nil {
		return nil, err
	}
	sk := &SessionKeys{}
	copy(sk.Tx[:], material[:KeySize])
	copy(sk.Rx[:], material[KeySize:])
	zero(material)
	return sk, nil
}

func exchangeMaterial(kp *KeyPair, peerPublic []byte, initiator bool) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKeySize, KeySize)
	}

	var point []byte
	err := kp.WithPrivate(func(private []byte) error {
		var err error
		point, err = curve25519.X25519(private, peerPublic)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("shared point computation: %w", err)
	}
	if subtle.ConstantTimeCompare(point, make([]byte, KeySize)) == 1 {
		return nil, ErrInvalidPublicKey
	}

	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	h.Write(point)
	zero(point)
	if initiator {
		h.Write(kp.public[:])
		h.Write(peerPublic)
	} else {
		h.Write(peerPublic)
		h.Write(kp.public[:])
	}
	return h.Sum(nil), nil
}

// GenerateSecret creates a random 32-byte channel secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenFailed, err)
	}
	return secret, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305.
// Returns: nonce (24 bytes) || ciphertext || tag (16 bytes)
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by Seal.
func Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKeySize, KeySize)
	}
	return chacha20poly1305.NewX(key)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
