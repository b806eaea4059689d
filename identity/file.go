package identity

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// currentFileVersion is the identity file's on-disk version. Readers
// accept versions 1-3 only to detect and reject them (Open Question
// (a): we force re-enrollment rather than silently resynthesizing a
// fresh ML-DSA identity under an old fingerprint); version 4 is the
// only version this store will load or write.
const currentFileVersion = 4

// identityWrapMagic and the entropy labels are the fixed strings
// spec §5/§6 requires for OS-keystore wrapping.
const (
	identityWrapMagic   = "MI_E2EE_IDENTITY_DPAPI1"
	identityEntropyLabel = "MI_E2EE_IDENTITY_ENTROPY_V1"
)

// coreFileSize is the spec §6 bit-exact prefix of the identity file:
// version + both signature halves + the DH secret + the active SPK
// id/secret + the KEM secret and public key. Everything the store
// additionally needs to persist (timestamps, the SPK signature, and
// legacy keysets) is appended after this prefix under the same
// version byte -- the prefix alone is what spec §6 documents as
// "the identity file", and it stays bit-exact across that span.
const coreFileSize = 1 +
	primitives.SigPrivateKeySize +
	primitives.SigPublicKeySize +
	primitives.X25519Size + // id_dh_sk
	4 + // spk_id
	primitives.X25519Size + // spk_sk
	primitives.KEMPrivateKeySize +
	primitives.KEMPublicKeySize

func nowUnixSeconds() int64 { return time.Now().Unix() }

// loadFromBytes parses an identity file, deriving public DH halves
// from secrets and verifying the stored SPK signature against them
// (a mismatch fails with coreerr.ErrBundleSignatureInvalid).
// migrated reports whether the in-memory identity should be rewritten
// because it came from a version older than currentFileVersion --
// always false here, since only version 4 is accepted.
func (s *Store) loadFromBytes(raw []byte) (*LocalIdentity, bool, error) {
	if s.keyStore != nil {
		unwrapped, err := s.tryUnwrap(raw)
		if err != nil {
			return nil, false, err
		}
		raw = unwrapped
	}

	if len(raw) < 1 {
		return nil, false, coreerr.ErrIdentitySizeInvalid
	}
	version := raw[0]
	if version != currentFileVersion {
		if version >= 1 && version <= 3 {
			return nil, false, coreerr.ErrLegacyIdentityUnsupp
		}
		return nil, false, coreerr.ErrIdentityVersionMismatch
	}
	if len(raw) < coreFileSize {
		return nil, false, coreerr.ErrIdentitySizeInvalid
	}

	li := &LocalIdentity{}
	off := 1
	off = readFixed(raw, off, li.SigPrivateKey[:])
	off = readFixed(raw, off, li.SigPublicKey[:])
	off = readFixed(raw, off, li.IDDHPrivateKey[:])
	li.SPKID = binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	off = readFixed(raw, off, li.SPKPrivateKey[:])
	off = readFixed(raw, off, li.KEMPrivateKey[:])
	off = readFixed(raw, off, li.KEMPublicKey[:])

	idPub, err := primitives.X25519Public(li.IDDHPrivateKey[:])
	if err != nil {
		return nil, false, fmt.Errorf("identity: deriving id_dh_pk: %w", err)
	}
	copy(li.IDDHPublicKey[:], idPub)
	spkPub, err := primitives.X25519Public(li.SPKPrivateKey[:])
	if err != nil {
		return nil, false, fmt.Errorf("identity: deriving spk_pk: %w", err)
	}
	copy(li.SPKPublicKey[:], spkPub)

	rest := raw[off:]
	const tailFixed = 8 + 8 + primitives.SignatureSize + 4
	if len(rest) < tailFixed {
		return nil, false, coreerr.ErrIdentitySizeInvalid
	}
	toff := 0
	li.CreatedAt = int64(binary.LittleEndian.Uint64(rest[toff : toff+8]))
	toff += 8
	li.RotatedAt = int64(binary.LittleEndian.Uint64(rest[toff : toff+8]))
	toff += 8
	copy(li.SPKSignature[:], rest[toff:toff+primitives.SignatureSize])
	toff += primitives.SignatureSize
	legacyCount := binary.LittleEndian.Uint32(rest[toff : toff+4])
	toff += 4

	const legacyEntrySize = 4 + 8 + primitives.X25519Size + primitives.KEMPrivateKeySize
	li.LegacyKeys = make([]LegacyKeyset, 0, legacyCount)
	for i := uint32(0); i < legacyCount; i++ {
		if len(rest)-toff < legacyEntrySize {
			return nil, false, coreerr.ErrIdentitySizeInvalid
		}
		var lk LegacyKeyset
		lk.SPKID = binary.LittleEndian.Uint32(rest[toff : toff+4])
		toff += 4
		lk.RetiredAt = int64(binary.LittleEndian.Uint64(rest[toff : toff+8]))
		toff += 8
		copy(lk.SPKSecret[:], rest[toff:toff+primitives.X25519Size])
		toff += primitives.X25519Size
		copy(lk.KEMSecret[:], rest[toff:toff+primitives.KEMPrivateKeySize])
		toff += primitives.KEMPrivateKeySize
		li.LegacyKeys = append(li.LegacyKeys, lk)
	}

	msg := spkSigMessage(li.SPKID, li.IDDHPublicKey[:], li.SPKPublicKey[:], li.KEMPublicKey[:])
	if !primitives.MLDSAVerify(li.SigPublicKey[:], msg, li.SPKSignature[:]) {
		return nil, false, coreerr.ErrBundleSignatureInvalid
	}

	return li, false, nil
}

// serialize encodes the full on-disk representation: the bit-exact
// spec §6 prefix followed by the store's additional bookkeeping
// fields.
func (li *LocalIdentity) serialize() []byte {
	buf := make([]byte, 0, coreFileSize+256)
	buf = append(buf, currentFileVersion)
	buf = append(buf, li.SigPrivateKey[:]...)
	buf = append(buf, li.SigPublicKey[:]...)
	buf = append(buf, li.IDDHPrivateKey[:]...)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], li.SPKID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, li.SPKPrivateKey[:]...)
	buf = append(buf, li.KEMPrivateKey[:]...)
	buf = append(buf, li.KEMPublicKey[:]...)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(li.CreatedAt))
	buf = append(buf, tsBuf[:]...)
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(li.RotatedAt))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, li.SPKSignature[:]...)

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(li.LegacyKeys)))
	buf = append(buf, countBuf[:]...)
	for _, lk := range li.LegacyKeys {
		binary.LittleEndian.PutUint32(idBuf[:], lk.SPKID)
		buf = append(buf, idBuf[:]...)
		binary.LittleEndian.PutUint64(tsBuf[:], uint64(lk.RetiredAt))
		buf = append(buf, tsBuf[:]...)
		buf = append(buf, lk.SPKSecret[:]...)
		buf = append(buf, lk.KEMSecret[:]...)
	}
	return buf
}

// persist atomically writes the identity to stateDir/identity.bin,
// wrapping it with the configured KeyStore when present. File I/O
// happens while the caller already holds whatever lock guards the
// identity (spec §5: atomic-write-then-rename).
func (s *Store) persist() error {
	raw := s.identity.serialize()
	if s.keyStore != nil {
		wrapped, err := s.keyStore.Wrap(identityWrapMagic, identityEntropyLabel, raw)
		if err != nil {
			if s.policy.TPMRequire {
				return fmt.Errorf("identity: mandatory keystore wrap failed: %w", err)
			}
			s.logger.Printf("keystore wrap failed, falling back to plaintext: %v", err)
		} else {
			raw = append([]byte(identityWrapMagic), encodeWrapped(wrapped)...)
		}
	}

	path := filepath.Join(s.stateDir, "identity.bin")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("identity: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identity: renaming temp file: %w", err)
	}
	return nil
}

func encodeWrapped(wrapped []byte) []byte {
	buf := make([]byte, 4+len(wrapped))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(wrapped)))
	copy(buf[4:], wrapped)
	return buf
}

// tryUnwrap detects the DPAPI-equivalent wrap magic at the head of
// raw and unwraps it; if the magic is absent the bytes are assumed
// to already be plaintext (the keystore was enabled after an
// unwrapped identity was written, or a wrap failure fell back to
// plaintext because TPMRequire was off).
func (s *Store) tryUnwrap(raw []byte) ([]byte, error) {
	magic := []byte(identityWrapMagic)
	if len(raw) < len(magic) || string(raw[:len(magic)]) != identityWrapMagic {
		return raw, nil
	}
	rest := raw[len(magic):]
	if len(rest) < 4 {
		return nil, coreerr.ErrIdentitySizeInvalid
	}
	n := binary.LittleEndian.Uint32(rest[:4])
	if uint32(len(rest)-4) < n {
		return nil, coreerr.ErrIdentitySizeInvalid
	}
	wrapped := rest[4 : 4+n]
	plain, err := s.keyStore.Unwrap(identityWrapMagic, identityEntropyLabel, wrapped)
	if err != nil {
		return nil, fmt.Errorf("identity: keystore unwrap failed: %w", err)
	}
	return plain, nil
}
