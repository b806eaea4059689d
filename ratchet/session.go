// Package ratchet implements the per-peer hybrid X3DH handshake and
// double-ratchet session of spec §4.3: post-quantum-hybrid session
// setup, alternating DH+KEM and chain-key ratchet steps, a bounded
// skipped-message-key cache, and trust-on-first-use fingerprint
// pinning. Its session bookkeeping is adapted from the teacher
// package's State/skip/ratchet shape, generalized to carry a KEM
// alongside the X25519 ratchet and to bind an authenticated header
// into the AEAD associated data instead of an opaque byte header.
package ratchet

import (
	"fmt"
	"io"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/identity"
	"github.com/mi-msgr/e2eecore/primitives"
)

// Bounds from spec §3.
const (
	MaxSkippedMessageKeys = 2048
	MaxSkip               = 2000
)

// KDF labels (spec §4.1), byte-exact since they enter HKDF info.
var (
	labelX3DH         = []byte("mi_e2ee_x3dh_hybrid_v1")
	labelDRRootHybrid = []byte("mi_e2ee_dr_rk_hybrid_v1")
	labelDRChainKey   = []byte("mi_e2ee_dr_ck_v1")
)

type skippedKey struct {
	dhrPK [dhPK]byte
	n     uint32
}

// Session is the live double-ratchet state for one peer (spec §3).
type Session struct {
	RK [32]byte

	HasCKs bool
	CKs    [32]byte
	HasCKr bool
	CKr    [32]byte

	DHsSK [dhPK]byte
	DHsPK [dhPK]byte
	DHrPK [dhPK]byte

	KEMsSK [primitives.KEMPrivateKeySize]byte
	KEMsPK [primitives.KEMPublicKeySize]byte
	KEMrPK [primitives.KEMPublicKeySize]byte

	Ns, Nr, PN uint32

	Fingerprint string

	skipped      map[skippedKey][32]byte
	skippedOrder []skippedKey

	// pendingPreKey, once set by InitiateHandshake, is consumed by
	// the next Seal call to emit a PreKey rather than a Ratchet
	// envelope.
	pendingPreKey *preKeyHeader
}

func newSessionMaps() map[skippedKey][32]byte {
	return make(map[skippedKey][32]byte, 16)
}

// storeSkipped inserts a skipped message key, enforcing the FIFO cap
// of MaxSkippedMessageKeys (spec §4.3.6).
func (s *Session) storeSkipped(dhr [dhPK]byte, n uint32, mk [32]byte) {
	if s.skipped == nil {
		s.skipped = newSessionMaps()
	}
	k := skippedKey{dhrPK: dhr, n: n}
	if _, exists := s.skipped[k]; !exists {
		s.skippedOrder = append(s.skippedOrder, k)
	}
	s.skipped[k] = mk
	for len(s.skipped) > MaxSkippedMessageKeys {
		if len(s.skippedOrder) == 0 {
			s.skipped = newSessionMaps()
			break
		}
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		delete(s.skipped, oldest)
	}
}

func (s *Session) takeSkipped(dhr [dhPK]byte, n uint32) ([32]byte, bool) {
	k := skippedKey{dhrPK: dhr, n: n}
	mk, ok := s.skipped[k]
	if !ok {
		return mk, false
	}
	delete(s.skipped, k)
	for i, o := range s.skippedOrder {
		if o == k {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			break
		}
	}
	return mk, true
}

func kdfChainKey(ck [32]byte) (nextCK, mk [32]byte, err error) {
	out, err := primitives.HKDF(nil, ck[:], labelDRChainKey, 64)
	if err != nil {
		return nextCK, mk, err
	}
	copy(nextCK[:], out[:32])
	copy(mk[:], out[32:])
	return nextCK, mk, nil
}

func kdfRootHybrid(rk [32]byte, dh, kemSS []byte) (nextRK, ck [32]byte, err error) {
	ikm := make([]byte, 0, len(dh)+len(kemSS))
	ikm = append(ikm, dh...)
	ikm = append(ikm, kemSS...)
	out, err := primitives.HKDF(ikm, rk[:], labelDRRootHybrid, 64)
	if err != nil {
		return nextRK, ck, err
	}
	copy(nextRK[:], out[:32])
	copy(ck[:], out[32:])
	return nextRK, ck, nil
}

// wipe zeroes every secret field of the session. Called by
// Engine.TrustPendingPeer when a newly confirmed fingerprint makes
// the peer's existing session be discarded.
func (s *Session) wipe() {
	primitives.SecureWipe(s.RK[:])
	primitives.SecureWipe(s.CKs[:])
	primitives.SecureWipe(s.CKr[:])
	primitives.SecureWipe(s.DHsSK[:])
	primitives.SecureWipe(s.KEMsSK[:])
	for k, mk := range s.skipped {
		m := mk
		primitives.SecureWipe(m[:])
		delete(s.skipped, k)
	}
}

// InitiateHandshake performs the hybrid X3DH-like handshake as the
// initiator (spec §4.3.2) and returns a fresh Session primed to emit
// a PreKey message on the next Seal call.
func InitiateHandshake(rng io.Reader, local *identity.LocalIdentity, peer *identity.PeerBundle) (*Session, error) {
	ephSK, ephPK, err := primitives.GenerateX25519(rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrRNGFailed, err)
	}

	dh1, err := primitives.X25519ScalarMult(local.IDDHPrivateKey[:], peer.SPKPublicKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.X25519ScalarMult(ephSK, peer.IDDHPublicKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.X25519ScalarMult(ephSK, peer.SPKPublicKey[:])
	if err != nil {
		return nil, err
	}

	kemCt, kemSS, err := primitives.MLKEMEncaps(peer.KEMPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrMLKEMDecapsFailed, err)
	}

	ikm := concat(dh1, dh2, dh3, kemSS[:])
	out, err := primitives.HKDF(ikm, nil, labelX3DH, 64)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Fingerprint: peer.Fingerprint(),
		HasCKs:      true,
	}
	copy(s.RK[:], out[:32])
	copy(s.CKs[:], out[32:])
	copy(s.DHrPK[:], peer.SPKPublicKey[:])
	s.KEMrPK = peer.KEMPublicKey

	// The X3DH ephemeral key doubles as the session's initial ratchet
	// sending key: its public half is what the PreKey header transmits
	// as eph_dhs_pk, so the responder must derive dh2/dh3 from the same
	// keypair the initiator used above.
	copy(s.DHsSK[:], ephSK)
	copy(s.DHsPK[:], ephPK)

	kemKP, err := primitives.MLKEMKeygen(rng)
	if err != nil {
		return nil, fmt.Errorf("ratchet: mlkem keygen failed: %w", err)
	}
	s.KEMsSK = kemKP.PrivateKey
	s.KEMsPK = kemKP.PublicKey

	h := &preKeyHeader{
		SPKID:    peer.SPKID,
		IDSigPK:  local.SigPublicKey,
		IDDHPK:   local.IDDHPublicKey,
		EphDHsPK: s.DHsPK,
		KEMsPK:   s.KEMsPK,
		KEMCt:    kemCt,
		N:        0,
	}
	adPrefix := encodePreKeyADPrefix(h)
	sig, err := primitives.MLDSASign(local.SigPrivateKey[:], preKeySigMessage(adPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrMLDSASignFailed, err)
	}
	h.PrekeySig = sig
	s.pendingPreKey = h

	return s, nil
}

// resolveSPKSecret resolves which SPK/KEM secret to use when
// answering a PreKey message, consulting legacy keysets whenever the
// referenced spk_id is not the currently active one (Open Question
// (b): always consult, never skip).
func resolveSPKSecret(local *identity.LocalIdentity, spkID uint32) (spkSK []byte, kemSK []byte, err error) {
	if spkID == local.SPKID {
		return local.SPKPrivateKey[:], local.KEMPrivateKey[:], nil
	}
	lk := local.FindLegacyKey(spkID)
	if lk == nil {
		return nil, nil, coreerr.ErrRatchetHeaderInvalid
	}
	return lk.SPKSecret[:], lk.KEMSecret[:], nil
}

// RespondHandshake completes the responder side of the hybrid X3DH
// handshake (spec §4.3.2) from a parsed PreKey header and installs a
// receive chain. It does not decrypt the accompanying message; the
// caller passes the resulting session to OpenPreKeyPayload for that.
func RespondHandshake(local *identity.LocalIdentity, h *preKeyHeader) (*Session, error) {
	spkSK, kemSK, err := resolveSPKSecret(local, h.SPKID)
	if err != nil {
		return nil, err
	}

	dh1, err := primitives.X25519ScalarMult(spkSK, h.IDDHPK[:])
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.X25519ScalarMult(local.IDDHPrivateKey[:], h.EphDHsPK[:])
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.X25519ScalarMult(spkSK, h.EphDHsPK[:])
	if err != nil {
		return nil, err
	}

	kemSS, err := primitives.MLKEMDecaps(kemSK, h.KEMCt[:])
	if err != nil {
		return nil, coreerr.ErrMLKEMDecapsFailed
	}

	ikm := concat(dh1, dh2, dh3, kemSS[:])
	out, err := primitives.HKDF(ikm, nil, labelX3DH, 64)
	if err != nil {
		return nil, err
	}

	fp := identityFingerprint(h.IDSigPK[:], h.IDDHPK[:])
	s := &Session{
		Fingerprint: fp,
		HasCKr:      true,
	}
	copy(s.RK[:], out[:32])
	copy(s.CKr[:], out[32:])
	s.DHrPK = h.EphDHsPK
	s.KEMrPK = h.KEMsPK
	s.Nr = 0
	return s, nil
}

func identityFingerprint(sigPK, dhPK []byte) string {
	hsh := primitives.SHA256(sigPK, dhPK)
	return fmt.Sprintf("%x", hsh[:])
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
