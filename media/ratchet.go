package media

import (
	"fmt"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// Bounds from spec §4.4.
const (
	MaxGap         = 2048
	MaxSkippedKeys = 512
)

var labelMediaCK = []byte("mi_e2ee_media_ck_v1")

// MediaRatchetStats counts skipped-key bookkeeping events for a single
// Ratchet (spec §9 supplemented feature), mirroring the observability
// the engine already has to maintain to implement the bounded skip
// window.
type MediaRatchetStats struct {
	SkippedCached  int
	SkippedEvicted int
}

// Ratchet is one directional (send or receive) symmetric chain for a
// single stream. Unlike the double ratchet it never performs a DH
// step -- the call-level root is re-derived out of band whenever a
// new key_id takes over (SetActiveKey for groups, or a fresh
// DeriveMediaRoot call for 1:1 session re-establishment).
type Ratchet struct {
	ck      [32]byte
	nextSeq uint32

	skipped      map[uint32][32]byte
	skippedOrder []uint32

	Stats MediaRatchetStats
}

// NewRatchet seeds a chain from its initial chain key.
func NewRatchet(ck [32]byte) *Ratchet {
	return &Ratchet{ck: ck, skipped: make(map[uint32][32]byte, 8)}
}

func (r *Ratchet) step() ([32]byte, error) {
	out, err := primitives.HKDF(nil, r.ck[:], labelMediaCK, 64)
	if err != nil {
		return [32]byte{}, err
	}
	var nextCK, mk [32]byte
	copy(nextCK[:], out[:32])
	copy(mk[:], out[32:])
	r.ck = nextCK
	return mk, nil
}

// Seal advances the chain and encrypts frame under the derived
// per-packet key, returning a ready-to-send MediaPacket. format
// selects the legacy or keyed wire layout; keyID is only encoded for
// the keyed format.
func (r *Ratchet) Seal(format byte, kind Kind, keyID uint32, frame *MediaFrame) (*MediaPacket, error) {
	mk, err := r.step()
	if err != nil {
		return nil, err
	}
	seq := r.nextSeq
	r.nextSeq++

	p := &MediaPacket{Format: format, Kind: kind, KeyID: keyID, Seq: seq}
	ad := p.header()
	nonce := mediaNonce(seq)
	plaintext := EncodeFrame(frame)
	ct, err := primitives.AEADLock(mk[:], nonce[:], ad, plaintext)
	primitives.SecureWipe(mk[:])
	if err != nil {
		return nil, err
	}
	p.Ciphertext = ct
	return p, nil
}

// storeSkipped caches an unused message key under the FIFO cap of
// MaxSkippedKeys.
func (r *Ratchet) storeSkipped(seq uint32, mk [32]byte) {
	if _, exists := r.skipped[seq]; !exists {
		r.skippedOrder = append(r.skippedOrder, seq)
		r.Stats.SkippedCached++
	}
	r.skipped[seq] = mk
	for len(r.skipped) > MaxSkippedKeys {
		if len(r.skippedOrder) == 0 {
			r.skipped = make(map[uint32][32]byte, 8)
			break
		}
		oldest := r.skippedOrder[0]
		r.skippedOrder = r.skippedOrder[1:]
		delete(r.skipped, oldest)
		r.Stats.SkippedEvicted++
	}
}

// Open decrypts a MediaPacket already routed to this ratchet,
// advancing the chain over any skipped sequence numbers in between
// (spec §4.4 "Receiver").
func (r *Ratchet) Open(p *MediaPacket) (*MediaFrame, error) {
	if p.Seq < r.nextSeq {
		mk, ok := r.skipped[p.Seq]
		if !ok {
			return nil, coreerr.ErrMediaMessageExpired
		}
		delete(r.skipped, p.Seq)
		for i, s := range r.skippedOrder {
			if s == p.Seq {
				r.skippedOrder = append(r.skippedOrder[:i], r.skippedOrder[i+1:]...)
				break
			}
		}
		pt, err := primitives.AEADUnlock(mk[:], mediaNonceSlice(p.Seq), p.header(), p.Ciphertext)
		primitives.SecureWipe(mk[:])
		if err != nil {
			return nil, coreerr.ErrMediaDecryptFailed
		}
		return DecodeFrame(pt)
	}

	if p.Seq-r.nextSeq > MaxGap {
		return nil, fmt.Errorf("%w: gap %d", coreerr.ErrMediaGapTooLarge, p.Seq-r.nextSeq)
	}

	for r.nextSeq < p.Seq {
		mk, err := r.step()
		if err != nil {
			return nil, err
		}
		r.storeSkipped(r.nextSeq, mk)
		r.nextSeq++
	}

	mk, err := r.step()
	if err != nil {
		return nil, err
	}
	pt, err := primitives.AEADUnlock(mk[:], mediaNonceSlice(p.Seq), p.header(), p.Ciphertext)
	primitives.SecureWipe(mk[:])
	if err != nil {
		return nil, coreerr.ErrMediaDecryptFailed
	}
	r.nextSeq = p.Seq + 1
	return DecodeFrame(pt)
}

func mediaNonceSlice(seq uint32) []byte {
	n := mediaNonce(seq)
	return n[:]
}
