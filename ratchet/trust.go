package ratchet

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// sasLabel prefixes the fingerprint bytes before hashing into a short
// authentication string (spec §4.2).
var sasLabel = []byte("MI_PEER_ID_SAS_V1")

// ShortAuthString derives the human-verifiable SAS for a peer
// fingerprint: the first 20 hex characters of
// SHA256(sasLabel||fp_bytes), grouped into dash-separated quartets.
func ShortAuthString(fingerprintHex string) (string, error) {
	fp := make([]byte, len(fingerprintHex)/2)
	if _, err := fmt.Sscanf(fingerprintHex, "%x", &fp); err != nil {
		return "", fmt.Errorf("ratchet: decoding fingerprint: %w", err)
	}
	digest := primitives.SHA256(sasLabel, fp)
	hexDigest := fmt.Sprintf("%x", digest[:])
	raw := hexDigest[:20]

	var sb strings.Builder
	for i := 0; i < len(raw); i += 4 {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(raw[i : i+4])
	}
	return sb.String(), nil
}

// PendingTrust is a fingerprint awaiting out-of-band user
// confirmation via its SAS (spec §4.2 TOFU pinning).
type PendingTrust struct {
	Peer        string
	Fingerprint string
	SAS         string
}

// TrustStore is the trust-on-first-use fingerprint pin table (spec
// §4.2): one pinned fingerprint per peer, plus at most one pending
// (unconfirmed) pin awaiting SAS verification at a time.
type TrustStore struct {
	mu      sync.Mutex
	pinned  map[string]string
	pending *PendingTrust
}

// NewTrustStore returns an empty pin table.
func NewTrustStore() *TrustStore {
	return &TrustStore{pinned: make(map[string]string)}
}

// Pinned reports the fingerprint currently pinned for peer, if any.
func (t *TrustStore) Pinned(peer string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.pinned[peer]
	return fp, ok
}

// Check validates a newly-seen fingerprint against the pin table
// (spec §4.3.1). Neither an unpinned peer (first contact) nor a
// pinned peer whose fingerprint changed is trusted automatically:
// both set a pending SAS confirmation and fail the operation, so the
// caller must drive an explicit TrustPendingPeer before traffic flows.
func (t *TrustStore) Check(peer, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.pinned[peer]
	if ok && subtle.ConstantTimeCompare([]byte(existing), []byte(fingerprint)) == 1 {
		return nil
	}
	sas, err := ShortAuthString(fingerprint)
	if err != nil {
		sas = ""
	}
	t.pending = &PendingTrust{Peer: peer, Fingerprint: fingerprint, SAS: sas}
	if !ok {
		return coreerr.ErrPeerNotTrusted
	}
	return coreerr.ErrPeerFingerprintChanged
}

// Pending returns the currently pending trust decision, if any.
func (t *TrustStore) Pending() *PendingTrust {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// normalizePin strips whitespace and dashes and lowercases the user's
// typed SAS confirmation so "1a2b-3c4d-..." and "1A2B 3C4D..." compare
// equal.
func normalizePin(pin string) string {
	var sb strings.Builder
	for _, r := range pin {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.ToLower(sb.String())
}

// TrustPendingPeer accepts or rejects the single outstanding pending
// trust decision by comparing the user-entered SAS against the
// derived one in constant time. On acceptance the pin table is
// updated to the new fingerprint and the pending slot cleared.
func (t *TrustStore) TrustPendingPeer(pinInput string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return coreerr.ErrPeerNotTrusted
	}
	want := normalizePin(t.pending.SAS)
	got := normalizePin(pinInput)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return coreerr.ErrSASMismatch
	}
	t.pinned[t.pending.Peer] = t.pending.Fingerprint
	t.pending = nil
	return nil
}

// DiscardPending clears a pending trust decision without accepting
// it, e.g. when the user explicitly rejects the new fingerprint.
func (t *TrustStore) DiscardPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}
