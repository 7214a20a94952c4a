// Package cryptoprovider implements the authenticated-box crypto contract
// the connector needs: an X25519-style keypair, per-peer authenticated
// encrypt/decrypt keyed by a caller-supplied nonce, and random nonce
// generation. It is deliberately narrow so it can be swapped for a
// libsodium-compatible backend without touching the connector or client
// state machine.
//
// The real keepassxc-proxy daemon speaks libsodium's crypto_box (X25519 +
// XSalsa20-Poly1305, 24-byte nonce). This package keeps the 24-byte,
// caller-chosen nonce contract the wire protocol requires, but derives the
// symmetric key for each message with HKDF-SHA256 (salted by the full
// nonce, so every nonce value yields an independent key) and seals with
// ChaCha20-Poly1305 over the nonce's first 12 bytes. See DESIGN.md for the
// full rationale; callers never need to know the difference, they only
// see a 24-byte nonce going in and an authenticated ciphertext coming out.
package cryptoprovider

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

const (
	// KeySize is the size of an X25519 public or secret key in bytes.
	KeySize = 32
	// NonceSize is the wire nonce size the protocol requires.
	NonceSize = 24
	// aeadNonceSize is the ChaCha20-Poly1305 nonce size; the leading
	// bytes of the 24-byte wire nonce are used as the AEAD nonce.
	aeadNonceSize = chacha20poly1305.NonceSize

	hkdfInfo = "kpxc-go-box-v1"
)

var (
	// ErrKeyGenerationFailed is returned when keypair generation fails.
	ErrKeyGenerationFailed = errors.New("cryptoprovider: key generation failed")
	// ErrDecrypt is returned for any decryption failure: wrong key, wrong
	// nonce, or a corrupted/forged ciphertext. Crypto failures must fail
	// closed, so no more specific reason is distinguished.
	ErrDecrypt = errors.New("cryptoprovider: decryption failed")
	// ErrInvalidNonceSize is returned when a caller-supplied nonce is not
	// exactly NonceSize bytes.
	ErrInvalidNonceSize = fmt.Errorf("cryptoprovider: nonce must be %d bytes", NonceSize)
	// ErrInvalidPeerKey is returned for a zero or otherwise invalid peer
	// public key (a low-order point on the curve).
	ErrInvalidPeerKey = errors.New("cryptoprovider: invalid peer public key")
)

// KeyPair is an owned (public, secret) X25519 key pair.
type KeyPair struct {
	Public *secretbuf.Buffer
	Secret *secretbuf.Buffer
}

// Provider is the narrow crypto contract the connector depends on.
type Provider interface {
	// CreateKeys generates a fresh ephemeral keypair.
	CreateKeys() (KeyPair, error)
	// GenerateRandomNonce returns a NonceSize-byte random nonce in the
	// requested protection state.
	GenerateRandomNonce(state secretbuf.ProtectionState) (*secretbuf.Buffer, error)
	// Encrypt authenticated-encrypts plain under own's secret key and
	// peerPublic, using nonce. Never returns a partial ciphertext.
	Encrypt(own KeyPair, plain []byte, peerPublic *secretbuf.Buffer, nonce *secretbuf.Buffer) ([]byte, error)
	// Decrypt authenticated-decrypts cipher. MUST fail closed (return
	// ErrDecrypt, never a partially-decrypted buffer) on any tag
	// mismatch, wrong key, or corrupted ciphertext. A nonce of the wrong
	// size or an invalid peer key is rejected before decryption with
	// ErrInvalidNonceSize or ErrInvalidPeerKey.
	Decrypt(own KeyPair, cipher []byte, peerPublic *secretbuf.Buffer, nonce *secretbuf.Buffer) ([]byte, error)
	// DropKeys zeroizes and releases a keypair's secret buffers.
	DropKeys(keys *KeyPair)
}

// X25519Box is the default Provider implementation.
type X25519Box struct{}

// New returns the default crypto provider.
func New() Provider {
	return X25519Box{}
}

// CreateKeys generates a fresh X25519 keypair.
func (X25519Box) CreateKeys() (KeyPair, error) {
	var secret [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	// Clamp per X25519 spec.
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64

	var public [KeySize]byte
	curve25519.ScalarBaseMult(&public, &secret)

	secretBuf, err := secretbuf.FromBytes(secret[:])
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	publicBuf, err := secretbuf.FromBytes(public[:])
	if err != nil {
		secretBuf.Destroy()
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	for i := range secret {
		secret[i] = 0
	}

	return KeyPair{Public: publicBuf, Secret: secretBuf}, nil
}

// GenerateRandomNonce returns a fresh random 24-byte nonce.
func (X25519Box) GenerateRandomNonce(state secretbuf.ProtectionState) (*secretbuf.Buffer, error) {
	buf, err := secretbuf.New(NonceSize, secretbuf.Readable)
	if err != nil {
		return nil, err
	}
	raw, _ := buf.BytesMut()
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("cryptoprovider: generate nonce: %w", err)
	}
	if state != secretbuf.Readable {
		if err := buf.MakeReadonly(); err != nil {
			buf.Destroy()
			return nil, err
		}
		if state == secretbuf.NoAccess {
			if err := buf.MakeNoAccess(); err != nil {
				buf.Destroy()
				return nil, err
			}
		}
	}
	return buf, nil
}

// Encrypt implements Provider.Encrypt.
func (X25519Box) Encrypt(own KeyPair, plain []byte, peerPublic *secretbuf.Buffer, nonce *secretbuf.Buffer) ([]byte, error) {
	aead, nonceBytes, err := deriveAEAD(own, peerPublic, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceBytes[:aeadNonceSize], plain, nil), nil
}

// Decrypt implements Provider.Decrypt.
func (X25519Box) Decrypt(own KeyPair, cipher []byte, peerPublic *secretbuf.Buffer, nonce *secretbuf.Buffer) ([]byte, error) {
	aead, nonceBytes, err := deriveAEAD(own, peerPublic, nonce)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonceBytes[:aeadNonceSize], cipher, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// DropKeys zeroizes and releases both halves of a keypair.
func (X25519Box) DropKeys(keys *KeyPair) {
	if keys == nil {
		return
	}
	if keys.Secret != nil {
		keys.Secret.Destroy()
	}
	if keys.Public != nil {
		keys.Public.Destroy()
	}
}

// deriveAEAD runs the ECDH + HKDF derivation shared by Encrypt and Decrypt.
func deriveAEAD(own KeyPair, peerPublic *secretbuf.Buffer, nonce *secretbuf.Buffer) (cipher.AEAD, []byte, error) {
	nonceBytes, err := nonce.Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: nonce: %w", err)
	}
	if len(nonceBytes) != NonceSize {
		return nil, nil, ErrInvalidNonceSize
	}

	secretBytes, err := own.Secret.Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: own secret key: %w", err)
	}
	peerBytes, err := peerPublic.Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: peer public key: %w", err)
	}
	if len(secretBytes) != KeySize || len(peerBytes) != KeySize {
		return nil, nil, ErrInvalidPeerKey
	}

	var secretArr, peerArr, shared [KeySize]byte
	copy(secretArr[:], secretBytes)
	copy(peerArr[:], peerBytes)

	var zero [KeySize]byte
	if peerArr == zero {
		return nil, nil, ErrInvalidPeerKey
	}
	curve25519.ScalarMult(&shared, &secretArr, &peerArr)
	if shared == zero {
		return nil, nil, ErrInvalidPeerKey
	}
	defer zeroArray(&shared)
	defer zeroArray(&secretArr)

	symmetricKey := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, shared[:], nonceBytes, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, symmetricKey); err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: derive key: %w", err)
	}
	defer zeroBytes(symmetricKey)

	aead, err := chacha20poly1305.New(symmetricKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: create cipher: %w", err)
	}
	return aead, nonceBytes, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroArray(a *[KeySize]byte) {
	for i := range a {
		a[i] = 0
	}
}
