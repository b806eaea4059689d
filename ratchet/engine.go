package ratchet

import (
	"crypto/rand"
	"sync"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/identity"
)

// PendingReplayStats counts payloads buffered while a peer's
// fingerprint change awaited user confirmation, and how many of those
// were later rejected as replays once the session resumed (spec §9
// Open Question (c)).
type PendingReplayStats struct {
	Buffered int
	Rejected int
}

// ReadyMessage is a plaintext recovered from a payload that was
// buffered while its sender's fingerprint change awaited confirmation,
// tagged with the peer it came from.
type ReadyMessage struct {
	From      string
	Plaintext []byte
}

// Engine owns one ratchet Session per peer plus the shared trust
// store, and is the package's public entry point: every other type in
// this package is reachable through it. It mirrors the teacher
// package's single-State-per-conversation model, generalized to a
// peer-keyed map guarded by one mutex.
type Engine struct {
	mu    sync.Mutex
	local *identity.LocalIdentity

	sessions map[string]*Session
	trust    *TrustStore

	// pending buffers ciphertexts that arrived for a peer while a
	// fingerprint-change decision was still pending, so they can be
	// retried (or counted as replays) once the user resolves it.
	pending map[string][][]byte
	stats   PendingReplayStats

	ready []ReadyMessage
}

// NewEngine constructs an Engine bound to local's keys. local must
// outlive the Engine; callers typically hold it via an identity.Store.
func NewEngine(local *identity.LocalIdentity) *Engine {
	return &Engine{
		local:    local,
		sessions: make(map[string]*Session),
		trust:    NewTrustStore(),
		pending:  make(map[string][][]byte),
	}
}

// TrustStore exposes the engine's pin table for out-of-band SAS
// verification flows.
func (e *Engine) TrustStore() *TrustStore { return e.trust }

// PendingReplayStats returns a snapshot of the replay-buffering
// counters.
func (e *Engine) PendingReplayStats() PendingReplayStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// EncryptToPeer seals plaintext for peer, establishing a new session
// via the hybrid X3DH handshake (emitting a PreKey envelope) if none
// exists yet, or continuing the existing ratchet (emitting a Ratchet
// envelope) otherwise. peerBundleRaw is only consulted on first
// contact; bundleRaw may be nil once a session is established.
func (e *Engine) EncryptToPeer(peer string, peerBundleRaw []byte, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peer]
	if !ok {
		bundle, err := identity.ParsePublishBundle(peerBundleRaw)
		if err != nil {
			return nil, err
		}
		if err := e.trust.Check(peer, bundle.Fingerprint()); err != nil {
			return nil, err
		}
		sess, err = InitiateHandshake(rand.Reader, e.local, bundle)
		if err != nil {
			return nil, err
		}
		e.sessions[peer] = sess
	}

	payload, err := sess.Seal(rand.Reader, plaintext)
	if err != nil {
		return nil, err
	}
	return payload.Encode(), nil
}

// DecryptFromPayload opens a ciphertext received from peer, creating
// a new responder session on a PreKey envelope or continuing the
// existing ratchet on a Ratchet envelope. If the sender's identity
// fingerprint is not pinned yet or differs from the pinned one, the
// ciphertext is buffered and coreerr.ErrPeerNotTrusted or
// coreerr.ErrPeerFingerprintChanged is returned; buffered ciphertexts
// are replayed by TrustPendingPeer once the SAS is confirmed.
func (e *Engine) DecryptFromPayload(peer string, raw []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fps, buffered := e.pending[peer]; buffered && len(fps) > 0 {
		e.pending[peer] = append(e.pending[peer], raw)
		e.stats.Buffered++
		return nil, coreerr.ErrPeerFingerprintChanged
	}

	typ, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypePreKey:
		return e.decryptPreKey(peer, raw)
	case TypeRatchet:
		return e.decryptRatchet(peer, raw)
	default:
		return nil, unknownTypeErr(typ)
	}
}

func (e *Engine) decryptPreKey(peer string, raw []byte) ([]byte, error) {
	h, adLen, err := decodePreKeyHeader(raw)
	if err != nil {
		return nil, err
	}
	if !identity.VerifyDetached(preKeySigMessage(raw[:adLen-sigLen]), h.PrekeySig[:], h.IDSigPK[:]) {
		return nil, coreerr.ErrBundleSignatureInvalid
	}
	fp := identityFingerprint(h.IDSigPK[:], h.IDDHPK[:])
	if err := e.trust.Check(peer, fp); err != nil {
		e.pending[peer] = append(e.pending[peer], raw)
		e.stats.Buffered++
		return nil, err
	}

	sess, err := RespondHandshake(e.local, h)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := splitTrailer(raw, adLen)
	if err != nil {
		return nil, err
	}
	pt, err := OpenPreKeyPayload(sess, h, nonce, raw[:adLen], ciphertext)
	if err != nil {
		return nil, err
	}
	e.sessions[peer] = sess
	return pt, nil
}

func (e *Engine) decryptRatchet(peer string, raw []byte) ([]byte, error) {
	sess, ok := e.sessions[peer]
	if !ok {
		return nil, coreerr.ErrNoRecvChain
	}
	if err := e.trust.Check(peer, sess.Fingerprint); err != nil {
		e.pending[peer] = append(e.pending[peer], raw)
		e.stats.Buffered++
		return nil, err
	}
	h, adLen, err := decodeRatchetHeader(raw)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := splitTrailer(raw, adLen)
	if err != nil {
		return nil, err
	}
	return sess.OpenRatchetPayload(h, nonce, raw[:adLen], ciphertext)
}

// TrustPendingPeer confirms a pending fingerprint change for peer by
// SAS and replays any ciphertexts buffered while it awaited
// confirmation, counting any that no longer decrypt as rejected
// replays rather than surfacing them as hard errors.
func (e *Engine) TrustPendingPeer(pinInput string) error {
	e.mu.Lock()
	pending := e.trust.Pending()
	if pending == nil {
		e.mu.Unlock()
		return coreerr.ErrPeerNotTrusted
	}
	peer := pending.Peer
	if err := e.trust.TrustPendingPeer(pinInput); err != nil {
		e.mu.Unlock()
		return err
	}
	if old, ok := e.sessions[peer]; ok {
		old.wipe()
	}
	delete(e.sessions, peer)
	buffered := e.pending[peer]
	delete(e.pending, peer)
	e.mu.Unlock()

	for _, raw := range buffered {
		pt, err := e.DecryptFromPayload(peer, raw)
		if err != nil {
			e.mu.Lock()
			e.stats.Rejected++
			e.mu.Unlock()
			continue
		}
		e.mu.Lock()
		e.ready = append(e.ready, ReadyMessage{From: peer, Plaintext: pt})
		e.mu.Unlock()
	}
	return nil
}

// DrainReadyMessages returns and clears the plaintexts recovered from
// buffered payloads after a pending trust decision was confirmed, each
// tagged with the peer that sent it (spec §8 scenario 1's
// drain_ready_messages()).
func (e *Engine) DrainReadyMessages() []ReadyMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ready
	e.ready = nil
	return out
}
