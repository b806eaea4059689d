package ratchet

import (
	"io"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// Seal encrypts plaintext under the session's current sending chain,
// producing either a PreKey envelope (the first message after
// InitiateHandshake) or a Ratchet envelope (every message after),
// per spec §4.3.3/§4.3.4.
func (s *Session) Seal(rng io.Reader, plaintext []byte) (*Payload, error) {
	if s.pendingPreKey != nil {
		return s.sealPreKey(rng, plaintext)
	}
	return s.sealRatchet(rng, plaintext)
}

func (s *Session) sealPreKey(rng io.Reader, plaintext []byte) (*Payload, error) {
	h := s.pendingPreKey
	h.N = s.Ns
	ad := encodePreKeyAD(h)

	ckNext, mk, err := kdfChainKey(s.CKs)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce(rng)
	if err != nil {
		return nil, err
	}
	ct, err := primitives.AEADLock(mk[:], nonce[:], ad, plaintext)
	primitives.SecureWipe(mk[:])
	if err != nil {
		return nil, err
	}

	s.CKs = ckNext
	s.Ns++
	s.pendingPreKey = nil

	return &Payload{Type: TypePreKey, AD: ad, Nonce: nonce, Ciphertext: ct}, nil
}

func (s *Session) sealRatchet(rng io.Reader, plaintext []byte) (*Payload, error) {
	var rekeyKEMCt [kemCT]byte
	if !s.HasCKs {
		if err := s.startNewSendChain(rng, &rekeyKEMCt); err != nil {
			return nil, err
		}
	}

	h := &ratchetHeader{DHsPK: s.DHsPK, PN: s.PN, N: s.Ns}
	if s.Ns == 0 {
		h.HasRekey = true
		h.KEMsPK = s.KEMsPK
		h.KEMCt = rekeyKEMCt
	}
	ad := encodeRatchetAD(h)

	ckNext, mk, err := kdfChainKey(s.CKs)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce(rng)
	if err != nil {
		return nil, err
	}
	ct, err := primitives.AEADLock(mk[:], nonce[:], ad, plaintext)
	primitives.SecureWipe(mk[:])
	if err != nil {
		return nil, err
	}

	s.CKs = ckNext
	s.Ns++

	return &Payload{Type: TypeRatchet, AD: ad, Nonce: nonce, Ciphertext: ct}, nil
}

// startNewSendChain performs the sending side of a DH+KEM ratchet
// step (spec §4.3.4): fresh ratchet keys, encapsulation to the
// peer's last-known ratchet KEM public key, and a root-chain KDF
// step. kemCtOut receives the ciphertext so the caller can embed it
// in the n==0 header.
func (s *Session) startNewSendChain(rng io.Reader, kemCtOut *[kemCT]byte) error {
	newDHsSK, newDHsPK, err := primitives.GenerateX25519(rng)
	if err != nil {
		return err
	}
	kemKP, err := primitives.MLKEMKeygen(rng)
	if err != nil {
		return err
	}
	kemCt, kemSS, err := primitives.MLKEMEncaps(s.KEMrPK[:])
	if err != nil {
		return coreerr.ErrMLKEMDecapsFailed
	}
	dh, err := primitives.X25519ScalarMult(newDHsSK, s.DHrPK[:])
	if err != nil {
		return err
	}

	rk, ck, err := kdfRootHybrid(s.RK, dh, kemSS[:])
	if err != nil {
		return err
	}

	s.PN = s.Ns
	s.Ns = 0
	s.RK = rk
	s.CKs = ck
	s.HasCKs = true
	copy(s.DHsSK[:], newDHsSK)
	copy(s.DHsPK[:], newDHsPK)
	s.KEMsSK = kemKP.PrivateKey
	s.KEMsPK = kemKP.PublicKey
	*kemCtOut = kemCt
	return nil
}

// OpenPreKeyPayload decrypts the ciphertext accompanying the PreKey
// header h on a session RespondHandshake already set up, returning
// the plaintext.
func OpenPreKeyPayload(s *Session, h *preKeyHeader, nonce [primitives.NonceSize]byte, ad, ciphertext []byte) ([]byte, error) {
	pt, err := s.receiveCurrentChain(h.N, nonce, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	s.HasCKr = true
	return pt, nil
}

// OpenRatchetPayload decrypts a Ratchet-type payload against an
// existing session, performing skipped-key lookups and DH+KEM chain
// switches as needed (spec §4.3.5).
func (s *Session) OpenRatchetPayload(h *ratchetHeader, nonce [primitives.NonceSize]byte, ad, ciphertext []byte) ([]byte, error) {
	if mk, ok := s.takeSkipped(h.DHsPK, h.N); ok {
		pt, err := primitives.AEADUnlock(mk[:], nonce[:], ad, ciphertext)
		primitives.SecureWipe(mk[:])
		return pt, err
	}

	if h.DHsPK != s.DHrPK {
		if err := s.handleNewChain(h); err != nil {
			return nil, err
		}
	}

	return s.receiveCurrentChain(h.N, nonce, ad, ciphertext)
}

// handleNewChain performs the receiving side of a DH+KEM ratchet step
// triggered by a header announcing a new sender ratchet public key
// (spec §4.3.5 step 5).
func (s *Session) handleNewChain(h *ratchetHeader) error {
	if s.HasCKr {
		for s.Nr < h.PN {
			ckNext, mk, err := kdfChainKey(s.CKr)
			if err != nil {
				return err
			}
			s.storeSkipped(s.DHrPK, s.Nr, mk)
			s.CKr = ckNext
			s.Nr++
		}
	}
	if !h.HasRekey {
		return coreerr.ErrRatchetHeaderInvalid
	}
	dh, err := primitives.X25519ScalarMult(s.DHsSK[:], h.DHsPK[:])
	if err != nil {
		return coreerr.ErrRatchetStateInvalid
	}
	kemSS, err := primitives.MLKEMDecaps(s.KEMsSK[:], h.KEMCt[:])
	if err != nil {
		return coreerr.ErrMLKEMDecapsFailed
	}
	rk, ck, err := kdfRootHybrid(s.RK, dh, kemSS[:])
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKr = ck
	s.HasCKr = true
	s.Nr = 0
	s.DHrPK = h.DHsPK
	s.KEMrPK = h.KEMsPK
	s.HasCKs = false
	return nil
}

// receiveCurrentChain advances the receive chain key up to n,
// caching every intermediate message key, then derives and uses the
// key for n itself (spec §4.3.5 step 6-7).
func (s *Session) receiveCurrentChain(n uint32, nonce [primitives.NonceSize]byte, ad, ciphertext []byte) ([]byte, error) {
	if !s.HasCKr {
		return nil, coreerr.ErrNoRecvChain
	}
	if n < s.Nr {
		return nil, coreerr.ErrReplayedOrTooOld
	}
	if n-s.Nr > MaxSkip {
		return nil, coreerr.ErrTooManySkipped
	}
	for s.Nr < n {
		ckNext, mk, err := kdfChainKey(s.CKr)
		if err != nil {
			return nil, err
		}
		s.storeSkipped(s.DHrPK, s.Nr, mk)
		s.CKr = ckNext
		s.Nr++
	}
	ckNext, mk, err := kdfChainKey(s.CKr)
	if err != nil {
		return nil, err
	}
	pt, err := primitives.AEADUnlock(mk[:], nonce[:], ad, ciphertext)
	primitives.SecureWipe(mk[:])
	if err != nil {
		return nil, err
	}
	s.CKr = ckNext
	s.Nr = n + 1
	return pt, nil
}

func randomNonce(rng io.Reader) ([primitives.NonceSize]byte, error) {
	var nonce [primitives.NonceSize]byte
	b, err := primitives.RandomBytes(rng, primitives.NonceSize)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], b)
	return nonce, nil
}
