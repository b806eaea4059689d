// Package identity owns the local long-term identity: the ML-DSA-65
// signature keypair, the X25519 identity keypair, the rotating
// signed prekey (SPK), the ML-KEM-768 prekey, and the legacy keysets
// retained so in-flight prekey messages keep decrypting after
// rotation. It persists that identity to disk, optionally wrapped by
// an OS keystore, following the load-or-create contract of spec §4.2.
package identity

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// Default policy values (spec §3).
const (
	DefaultRotationDays       = 90
	DefaultLegacyRetentionDays = 180
)

// IdentityPolicy controls prekey rotation cadence, legacy retention,
// and (via TPMRequire) whether a keystore wrap failure is fatal.
// TPMEnable is carried but not read by the store: wrapping happens
// whenever a KeyStore is configured.
type IdentityPolicy struct {
	RotationDays       int
	LegacyRetentionDays int
	TPMEnable          bool
	TPMRequire         bool
}

// DefaultIdentityPolicy returns the spec's documented defaults.
func DefaultIdentityPolicy() IdentityPolicy {
	return IdentityPolicy{
		RotationDays:        DefaultRotationDays,
		LegacyRetentionDays: DefaultLegacyRetentionDays,
		TPMEnable:           false,
		TPMRequire:          false,
	}
}

// LegacyKeyset is a retired SPK/KEM pair kept so a PreKey message
// referencing an older spk_id can still be opened.
type LegacyKeyset struct {
	SPKID     uint32
	RetiredAt int64
	SPKSecret [primitives.X25519Size]byte
	KEMSecret [primitives.KEMPrivateKeySize]byte
}

// LocalIdentity is the engine's full local identity, secret and
// public halves together. It is never serialized directly to the
// wire -- PublishBundle is the public projection peers consume.
type LocalIdentity struct {
	SigPublicKey  [primitives.SigPublicKeySize]byte
	SigPrivateKey [primitives.SigPrivateKeySize]byte

	IDDHPublicKey  [primitives.X25519Size]byte
	IDDHPrivateKey [primitives.X25519Size]byte

	SPKID        uint32
	SPKPublicKey  [primitives.X25519Size]byte
	SPKPrivateKey [primitives.X25519Size]byte
	SPKSignature  [primitives.SignatureSize]byte

	KEMPublicKey  [primitives.KEMPublicKeySize]byte
	KEMPrivateKey [primitives.KEMPrivateKeySize]byte

	CreatedAt int64
	RotatedAt int64

	LegacyKeys []LegacyKeyset
}

// Fingerprint returns hex(SHA256(id_sig_pk || id_dh_pk)) for this
// identity, matching the fingerprint a peer computes from the
// published bundle.
func (li *LocalIdentity) Fingerprint() string {
	return fingerprintHex(li.SigPublicKey[:], li.IDDHPublicKey[:])
}

func fingerprintHex(sigPK, dhPK []byte) string {
	h := primitives.SHA256(sigPK, dhPK)
	return fmt.Sprintf("%x", h[:])
}

// spkSigMessage builds the "MISP" message signed over the SPK, per
// spec §4.1.
func spkSigMessage(spkID uint32, idDHPub, spkPub, kemPub []byte) []byte {
	buf := make([]byte, 0, 4+4+len(idDHPub)+len(spkPub)+len(kemPub))
	buf = append(buf, 'M', 'I', 'S', 'P')
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], spkID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, idDHPub...)
	buf = append(buf, spkPub...)
	buf = append(buf, kemPub...)
	return buf
}

// signSPK signs the current SPK/KEM public keys under the identity
// signature key and stores the result in li.SPKSignature.
func (li *LocalIdentity) signSPK() error {
	msg := spkSigMessage(li.SPKID, li.IDDHPublicKey[:], li.SPKPublicKey[:], li.KEMPublicKey[:])
	sig, err := primitives.MLDSASign(li.SigPrivateKey[:], msg)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrMLDSASignFailed, err)
	}
	li.SPKSignature = sig
	return nil
}

// SignDetached exposes ML-DSA-65 signing over an arbitrary message,
// for higher layers such as device pairing transcripts.
func (li *LocalIdentity) SignDetached(msg []byte) ([primitives.SignatureSize]byte, error) {
	sig, err := primitives.MLDSASign(li.SigPrivateKey[:], msg)
	if err != nil {
		return sig, fmt.Errorf("%w: %v", coreerr.ErrMLDSASignFailed, err)
	}
	return sig, nil
}

// VerifyDetached exposes ML-DSA-65 verification as a static helper.
func VerifyDetached(msg, sig, pub []byte) bool {
	return primitives.MLDSAVerify(pub, msg, sig)
}

// FindLegacyKey returns the retained legacy keyset matching spkID, if
// any. It is consulted by the responder handshake whenever an
// incoming PreKey message references a spk_id that is not currently
// active (spec §4.2, Open Question (b)).
func (li *LocalIdentity) FindLegacyKey(spkID uint32) *LegacyKeyset {
	for i := range li.LegacyKeys {
		if li.LegacyKeys[i].SPKID == spkID {
			return &li.LegacyKeys[i]
		}
	}
	return nil
}

// pruneLegacyKeys drops legacy keysets retired more than
// legacyRetentionDays ago. It is called unconditionally on every
// MaybeRotatePrekeys invocation, whether or not rotation happened
// this call (Open Question (b)).
func (li *LocalIdentity) pruneLegacyKeys(now int64, legacyRetentionDays int) {
	retentionSecs := int64(legacyRetentionDays) * 24 * 3600
	kept := li.LegacyKeys[:0]
	for _, lk := range li.LegacyKeys {
		if now-lk.RetiredAt <= retentionSecs {
			kept = append(kept, lk)
		} else {
			primitives.SecureWipe(lk.SPKSecret[:])
			primitives.SecureWipe(lk.KEMSecret[:])
		}
	}
	li.LegacyKeys = kept
}

// Store owns the on-disk identity file: loading, creating, rotating,
// and persisting LocalIdentity, optionally wrapped by a KeyStore.
type Store struct {
	stateDir string
	keyStore KeyStore
	policy   IdentityPolicy
	logger   *log.Logger

	identity *LocalIdentity
}

// Option configures a Store.
type Option func(*Store)

// WithKeyStore sets the OS-keystore collaborator used to wrap the
// identity file on disk. If unset, the identity is written plaintext
// with 0600 permissions.
func WithKeyStore(ks KeyStore) Option {
	return func(s *Store) { s.keyStore = ks }
}

// WithPolicy overrides the default IdentityPolicy.
func WithPolicy(p IdentityPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[identity] ", log.LstdFlags|log.Lmicroseconds)
}

// Init loads the identity from stateDir/identity.bin, creating and
// persisting a fresh one if absent. All parse failures are fatal:
// the caller must not proceed with a corrupted identity.
func Init(stateDir string, opts ...Option) (*Store, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("identity: state_dir empty")
	}
	s := &Store{
		stateDir: stateDir,
		policy:   DefaultIdentityPolicy(),
		logger:   defaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	path := filepath.Join(stateDir, "identity.bin")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, migrated, err := s.loadFromBytes(raw)
		if err != nil {
			return nil, err
		}
		s.identity = id
		if migrated {
			s.logger.Printf("migrating identity file to version %d", currentFileVersion)
			if err := s.persist(); err != nil {
				return nil, err
			}
		}
		return s, nil
	case os.IsNotExist(err):
		id, err := generateIdentity(rngReader{})
		if err != nil {
			return nil, err
		}
		s.identity = id
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, fmt.Errorf("identity: creating state dir: %w", err)
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
		s.logger.Printf("created new identity, fingerprint=%s", id.Fingerprint())
		return s, nil
	default:
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}
}

// Identity returns the currently loaded identity. Callers must not
// mutate the returned value directly; use Store methods instead.
func (s *Store) Identity() *LocalIdentity { return s.identity }

// rngReader adapts crypto/rand as an io.Reader source for key
// generation, matching the Rng collaborator interface of spec §6
// while letting tests substitute a seeded reader.
type rngReader struct{}

func (rngReader) Read(p []byte) (int, error) { return cryptoRandRead(p) }

// BuildPublishBundle serializes the current public identity into the
// wire format peers consume (spec §3, §6).
func (s *Store) BuildPublishBundle() []byte {
	return s.identity.buildPublishBundle()
}

func (li *LocalIdentity) buildPublishBundle() []byte {
	buf := make([]byte, 0, bundleSize)
	buf = append(buf, BundleVersion)
	buf = append(buf, li.SigPublicKey[:]...)
	buf = append(buf, li.IDDHPublicKey[:]...)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], li.SPKID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, li.SPKPublicKey[:]...)
	buf = append(buf, li.KEMPublicKey[:]...)
	buf = append(buf, li.SPKSignature[:]...)
	return buf
}

// MaybeRotatePrekeys rotates the SPK/KEM prekey if the policy's
// rotation interval has elapsed, retains the previous keyset as
// legacy, and unconditionally prunes expired legacy keysets
// regardless of whether rotation happened this call.
func (s *Store) MaybeRotatePrekeys(nowSec int64) (rotated bool, err error) {
	id := s.identity
	defer func() {
		id.pruneLegacyKeys(nowSec, s.policy.LegacyRetentionDays)
	}()

	intervalSecs := int64(s.policy.RotationDays) * 24 * 3600
	if nowSec-id.RotatedAt <= intervalSecs {
		return false, nil
	}

	newSPKSK, newSPKPK, err := primitives.GenerateX25519(rngReader{})
	if err != nil {
		return false, fmt.Errorf("%w: %v", coreerr.ErrRNGFailed, err)
	}
	newKEM, err := primitives.MLKEMKeygen(rngReader{})
	if err != nil {
		return false, fmt.Errorf("identity: mlkem keygen failed: %w", err)
	}

	legacy := LegacyKeyset{
		SPKID:     id.SPKID,
		RetiredAt: nowSec,
	}
	copy(legacy.SPKSecret[:], id.SPKPrivateKey[:])
	copy(legacy.KEMSecret[:], id.KEMPrivateKey[:])
	id.LegacyKeys = append(id.LegacyKeys, legacy)

	id.SPKID++
	copy(id.SPKPrivateKey[:], newSPKSK)
	copy(id.SPKPublicKey[:], newSPKPK)
	id.KEMPublicKey = newKEM.PublicKey
	id.KEMPrivateKey = newKEM.PrivateKey
	id.RotatedAt = nowSec

	if err := id.signSPK(); err != nil {
		return false, err
	}

	if err := s.persist(); err != nil {
		return false, err
	}
	s.logger.Printf("rotated prekeys: spk_id=%d legacy_count=%d", id.SPKID, len(id.LegacyKeys))
	return true, nil
}

func generateIdentity(rng io.Reader) (*LocalIdentity, error) {
	sigKP, err := primitives.MLDSAKeygen(rng)
	if err != nil {
		return nil, fmt.Errorf("identity: mldsa keygen failed: %w", err)
	}
	idSK, idPK, err := primitives.GenerateX25519(rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrRNGFailed, err)
	}
	spkSK, spkPK, err := primitives.GenerateX25519(rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrRNGFailed, err)
	}
	kemKP, err := primitives.MLKEMKeygen(rng)
	if err != nil {
		return nil, fmt.Errorf("identity: mlkem keygen failed: %w", err)
	}

	now := nowUnixSeconds()
	li := &LocalIdentity{
		SigPublicKey:  sigKP.PublicKey,
		SigPrivateKey: sigKP.PrivateKey,
		SPKID:         1,
		KEMPublicKey:  kemKP.PublicKey,
		KEMPrivateKey: kemKP.PrivateKey,
		CreatedAt:     now,
		RotatedAt:     now,
	}
	copy(li.IDDHPrivateKey[:], idSK)
	copy(li.IDDHPublicKey[:], idPK)
	copy(li.SPKPrivateKey[:], spkSK)
	copy(li.SPKPublicKey[:], spkPK)

	if err := li.signSPK(); err != nil {
		return nil, err
	}
	return li, nil
}
