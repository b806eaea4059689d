package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// BundleVersion is the current PublishBundle wire version (spec §6).
const BundleVersion = 5

const bundleSize = 1 + // version
	primitives.SigPublicKeySize +
	primitives.X25519Size + // id_dh_pk
	4 + // spk_id
	primitives.X25519Size + // spk_pk
	primitives.KEMPublicKeySize +
	primitives.SignatureSize

// PeerBundle is the parsed, self-certifying projection of a peer's
// published identity (spec §3).
type PeerBundle struct {
	SigPublicKey [primitives.SigPublicKeySize]byte
	IDDHPublicKey [primitives.X25519Size]byte
	SPKID        uint32
	SPKPublicKey [primitives.X25519Size]byte
	KEMPublicKey [primitives.KEMPublicKeySize]byte
	SPKSignature [primitives.SignatureSize]byte
}

// Fingerprint returns hex(SHA256(id_sig_pk || id_dh_pk)).
func (b *PeerBundle) Fingerprint() string {
	return fingerprintHex(b.SigPublicKey[:], b.IDDHPublicKey[:])
}

// ParsePublishBundle parses and self-verifies a wire PublishBundle.
// Verification binds the SPK and KEM public keys to the signature
// identity via the SPK signature (spec §4.2 step 1).
func ParsePublishBundle(raw []byte) (*PeerBundle, error) {
	if len(raw) != bundleSize {
		return nil, fmt.Errorf("%w: bundle length %d", coreerr.ErrIdentitySizeInvalid, len(raw))
	}
	if raw[0] != BundleVersion {
		return nil, coreerr.ErrIdentityVersionMismatch
	}
	off := 1
	var b PeerBundle
	off = readFixed(raw, off, b.SigPublicKey[:])
	off = readFixed(raw, off, b.IDDHPublicKey[:])
	b.SPKID = binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	off = readFixed(raw, off, b.SPKPublicKey[:])
	off = readFixed(raw, off, b.KEMPublicKey[:])
	off = readFixed(raw, off, b.SPKSignature[:])

	msg := spkSigMessage(b.SPKID, b.IDDHPublicKey[:], b.SPKPublicKey[:], b.KEMPublicKey[:])
	if !primitives.MLDSAVerify(b.SigPublicKey[:], msg, b.SPKSignature[:]) {
		return nil, coreerr.ErrBundleSignatureInvalid
	}
	return &b, nil
}

func readFixed(src []byte, off int, dst []byte) int {
	copy(dst, src[off:off+len(dst)])
	return off + len(dst)
}

func cryptoRandRead(p []byte) (int, error) { return rand.Read(p) }
