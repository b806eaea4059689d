package primitives

import (
	"crypto"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Byte sizes of the post-quantum primitives, fixed by the algorithms
// themselves. These take CIRCL's constants and are asserted against
// the fixed byte counts in init() so a dependency bump that changes
// an encoding is caught immediately rather than silently corrupting
// wire formats.
const (
	KEMPublicKeySize  = mlkem768.PublicKeySize
	KEMPrivateKeySize = mlkem768.PrivateKeySize
	KEMCiphertextSize = mlkem768.CiphertextSize
	KEMSharedKeySize  = mlkem768.SharedKeySize

	SigPublicKeySize  = mldsa65.PublicKeySize
	SigPrivateKeySize = mldsa65.PrivateKeySize
	SignatureSize     = mldsa65.SignatureSize
)

func init() {
	assertSize("ml-kem-768 public key", KEMPublicKeySize, 1184)
	assertSize("ml-kem-768 private key", KEMPrivateKeySize, 2400)
	assertSize("ml-kem-768 ciphertext", KEMCiphertextSize, 1088)
	assertSize("ml-kem-768 shared secret", KEMSharedKeySize, 32)
	assertSize("ml-dsa-65 public key", SigPublicKeySize, 1952)
	assertSize("ml-dsa-65 private key", SigPrivateKeySize, 4032)
	assertSize("ml-dsa-65 signature", SignatureSize, 3309)
}

func assertSize(name string, got, want int) {
	if got != want {
		panic(fmt.Sprintf("primitives: %s size mismatch: got %d want %d (circl version skew?)", name, got, want))
	}
}

// KEMKeyPair is an ML-KEM-768 keypair in the packed wire encoding
// used throughout the identity store and ratchet engine.
type KEMKeyPair struct {
	PublicKey  [KEMPublicKeySize]byte
	PrivateKey [KEMPrivateKeySize]byte
}

// MLKEMKeygen generates a fresh ML-KEM-768 keypair, reading entropy
// from rng.
func MLKEMKeygen(rng io.Reader) (*KEMKeyPair, error) {
	pk, sk, err := mlkem768.GenerateKeyPair(rng)
	if err != nil {
		return nil, fmt.Errorf("mlkem keygen failed: %w", err)
	}
	kp := new(KEMKeyPair)
	pk.Pack(kp.PublicKey[:])
	sk.Pack(kp.PrivateKey[:])
	return kp, nil
}

// MLKEMEncaps encapsulates to a packed ML-KEM-768 public key,
// returning the ciphertext and shared secret.
func MLKEMEncaps(pub []byte) (ct [KEMCiphertextSize]byte, ss [KEMSharedKeySize]byte, err error) {
	if len(pub) != KEMPublicKeySize {
		return ct, ss, fmt.Errorf("mlkem encaps failed: invalid public key size %d", len(pub))
	}
	var pk mlkem768.PublicKey
	if err := pk.Unpack(pub); err != nil {
		return ct, ss, fmt.Errorf("mlkem encaps failed: %w", err)
	}
	pk.EncapsulateTo(ct[:], ss[:], nil)
	return ct, ss, nil
}

// MLKEMDecaps decapsulates ct under a packed ML-KEM-768 private key.
func MLKEMDecaps(priv []byte, ct []byte) (ss [KEMSharedKeySize]byte, err error) {
	if len(priv) != KEMPrivateKeySize {
		return ss, fmt.Errorf("mlkem decaps failed: invalid private key size %d", len(priv))
	}
	if len(ct) != KEMCiphertextSize {
		return ss, fmt.Errorf("mlkem decaps failed: invalid ciphertext size %d", len(ct))
	}
	var sk mlkem768.PrivateKey
	if err := sk.Unpack(priv); err != nil {
		return ss, fmt.Errorf("mlkem decaps failed: %w", err)
	}
	sk.DecapsulateTo(ss[:], ct)
	return ss, nil
}

// SigKeyPair is an ML-DSA-65 keypair in packed wire encoding.
type SigKeyPair struct {
	PublicKey  [SigPublicKeySize]byte
	PrivateKey [SigPrivateKeySize]byte
}

// MLDSAKeygen generates a fresh ML-DSA-65 keypair, reading entropy
// from rng.
func MLDSAKeygen(rng io.Reader) (*SigKeyPair, error) {
	pk, sk, err := mldsa65.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("mldsa keygen failed: %w", err)
	}
	kp := new(SigKeyPair)
	pk.Pack(kp.PublicKey[:])
	sk.Pack(kp.PrivateKey[:])
	return kp, nil
}

// MLDSASign produces a detached ML-DSA-65 signature over msg using a
// packed private key.
func MLDSASign(priv []byte, msg []byte) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte
	if len(priv) != SigPrivateKeySize {
		return sig, fmt.Errorf("mldsa sign failed: invalid private key size %d", len(priv))
	}
	var sk mldsa65.PrivateKey
	if err := sk.Unpack(priv); err != nil {
		return sig, fmt.Errorf("mldsa sign failed: %w", err)
	}
	s, err := sk.Sign(rand.Reader, msg, crypto.Hash(0))
	if err != nil {
		return sig, fmt.Errorf("mldsa sign failed: %w", err)
	}
	if len(s) != SignatureSize {
		return sig, fmt.Errorf("mldsa sign failed: unexpected signature size %d", len(s))
	}
	copy(sig[:], s)
	return sig, nil
}

// MLDSAVerify verifies a detached ML-DSA-65 signature over msg using
// a packed public key.
func MLDSAVerify(pub []byte, msg, sig []byte) bool {
	if len(pub) != SigPublicKeySize || len(sig) != SignatureSize {
		return false
	}
	var pk mldsa65.PublicKey
	if err := pk.Unpack(pub); err != nil {
		return false
	}
	return mldsa65.Verify(&pk, msg, sig)
}
