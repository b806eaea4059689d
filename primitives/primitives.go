// Package primitives implements the cryptographic core shared by the
// identity store, the ratchet engine, the media ratchet, and the
// key-transparency log: SHA-256, HMAC-SHA-256, HKDF-SHA-256, X25519,
// an XChaCha20-Poly1305 AEAD, constant-time comparison, and secure
// wiping. Post-quantum primitives (ML-KEM-768, ML-DSA-65) live in
// pq.go alongside these.
//
// Every function here is constant-time with respect to secret inputs
// to the extent the underlying algorithm permits, and every exported
// helper that derives a secret documents the HKDF/HMAC label it uses
// so callers can audit domain separation at a glance.
package primitives

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"

	"github.com/mi-msgr/e2eecore/coreerr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the fixed-width byte strings this package and its callers
// pass around. NonceSize and TagSize describe the AEAD; the X25519
// sizes describe scalars and points.
const (
	NonceSize  = chacha20poly1305.NonceSizeX // 24
	TagSize    = chacha20poly1305.Overhead   // 16
	KeySize    = chacha20poly1305.KeySize    // 32
	X25519Size = curve25519.ScalarSize       // 32
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HMACSHA256 returns HMAC-SHA-256(key, data).
func HMACSHA256(key, data []byte) [32]byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HKDF expands (ikm, salt, info) into n bytes using HKDF-SHA-256. It
// returns an error only if n exceeds HKDF-SHA-256's 255*32-byte
// output limit (never true for the fixed 32/64-byte outputs used by
// this module).
func HKDF(ikm, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf expand failed: %w", err)
	}
	return out, nil
}

// X25519Public derives the public point for a clamped X25519 scalar.
func X25519Public(sk []byte) ([]byte, error) {
	if len(sk) != X25519Size {
		return nil, fmt.Errorf("primitives: invalid x25519 scalar size %d", len(sk))
	}
	return curve25519.X25519(sk, curve25519.Basepoint)
}

// X25519ScalarMult computes the X25519 Diffie-Hellman shared point.
func X25519ScalarMult(sk, pk []byte) ([]byte, error) {
	if len(sk) != X25519Size {
		return nil, fmt.Errorf("primitives: invalid x25519 scalar size %d", len(sk))
	}
	if len(pk) != X25519Size {
		return nil, fmt.Errorf("primitives: invalid x25519 point size %d", len(pk))
	}
	out, err := curve25519.X25519(sk, pk)
	if err != nil {
		return nil, fmt.Errorf("primitives: x25519 scalarmult failed: %w", err)
	}
	return out, nil
}

// GenerateX25519 generates a clamped X25519 keypair, reading entropy
// from rng.
func GenerateX25519(rng io.Reader) (sk, pk []byte, err error) {
	sk = make([]byte, X25519Size)
	if _, err := io.ReadFull(rng, sk); err != nil {
		return nil, nil, fmt.Errorf("primitives: rng failed: %w", err)
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	pk, err = X25519Public(sk)
	if err != nil {
		return nil, nil, err
	}
	return sk, pk, nil
}

// AEADLock encrypts plaintext under key with the given 24-byte nonce
// and associated data, returning ciphertext with the 16-byte tag
// appended. key must be KeySize bytes and nonce must be NonceSize
// bytes.
func AEADLock(key, nonce, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aead init failed: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("primitives: invalid nonce size %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// AEADUnlock decrypts ciphertext (which must include the trailing
// 16-byte tag) under key, nonce, and associated data. A failure is a
// single boolean outcome: no partial plaintext is ever returned.
func AEADUnlock(key, nonce, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aead init failed: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("primitives: invalid nonce size %d", len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, coreerr.ErrAuthFailed
	}
	return pt, nil
}

// RandomBytes fills and returns n fresh random bytes read from rng.
func RandomBytes(rng io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rng, b); err != nil {
		return nil, fmt.Errorf("rng failed: %w", err)
	}
	return b, nil
}

// CTEqual reports whether a and b are equal using a constant-time
// comparison. Unequal lengths are not constant-time (there is no
// secret to protect when lengths already differ structurally) but
// the comparison of equal-length buffers is.
func CTEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureWipe zeroes every byte of b and forces the compiler to keep
// the write alive across the call boundary, so it cannot be proven
// dead and elided.
//
//go:noinline
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
