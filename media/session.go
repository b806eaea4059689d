package media

import (
	"sync"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

func streamLabel(kind Kind) []byte {
	switch kind {
	case KindAudio:
		return []byte("mi_e2ee_media_audio_v1")
	case KindVideo:
		return []byte("mi_e2ee_media_video_v1")
	default:
		return []byte("mi_e2ee_media_audio_v1")
	}
}

// deriveStreamPair splits HKDF(root, streamLabel(kind), 64) into a
// (send, recv) chain-key pair, swapped by initiator so both ends of
// a 1:1 call derive matching chains from opposite halves of the same
// buffer (spec §4.4 "Derivation").
func deriveStreamPair(root [32]byte, kind Kind, initiator bool) (sendCK, recvCK [32]byte, err error) {
	out, err := primitives.HKDF(nil, root[:], streamLabel(kind), 64)
	if err != nil {
		return sendCK, recvCK, err
	}
	if initiator {
		copy(sendCK[:], out[:32])
		copy(recvCK[:], out[32:])
	} else {
		copy(sendCK[:], out[32:])
		copy(recvCK[:], out[:32])
	}
	return sendCK, recvCK, nil
}

// MediaSessionInterface is the seal/open capability set of a 1:1
// call. GroupCallMediaAdapter does not satisfy it: its OpenPacket
// also takes the sender, so callers handle the group case separately.
type MediaSessionInterface interface {
	SealFrame(kind Kind, frame *MediaFrame) (*MediaPacket, error)
	OpenPacket(p *MediaPacket) (*MediaFrame, error)
}

// MediaSession is the 1:1 media ratchet: one send/recv Ratchet pair
// per stream kind, keyed from a session-derived root.
type MediaSession struct {
	mu        sync.Mutex
	initiator bool
	send      map[Kind]*Ratchet
	recv      map[Kind]*Ratchet
}

// NewMediaSession derives both stream pairs from root and returns a
// session ready to seal and open audio/video frames.
func NewMediaSession(root [32]byte, initiator bool) (*MediaSession, error) {
	s := &MediaSession{
		initiator: initiator,
		send:      make(map[Kind]*Ratchet, 2),
		recv:      make(map[Kind]*Ratchet, 2),
	}
	for _, k := range []Kind{KindAudio, KindVideo} {
		sendCK, recvCK, err := deriveStreamPair(root, k, initiator)
		if err != nil {
			return nil, err
		}
		s.send[k] = NewRatchet(sendCK)
		s.recv[k] = NewRatchet(recvCK)
	}
	return s, nil
}

// SealFrame encrypts frame on the send ratchet for kind, using the
// legacy wire format (no key_id field) appropriate to 1:1 calls.
func (s *MediaSession) SealFrame(kind Kind, frame *MediaFrame) (*MediaPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.send[kind]
	if !ok {
		return nil, coreerr.ErrMediaKindMismatch
	}
	return r.Seal(PacketFormatLegacy, kind, 1, frame)
}

// OpenPacket decrypts p on the recv ratchet matching its kind.
func (s *MediaSession) OpenPacket(p *MediaPacket) (*MediaFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recv[p.Kind]
	if !ok {
		return nil, coreerr.ErrMediaKindMismatch
	}
	return r.Open(p)
}

var _ MediaSessionInterface = (*MediaSession)(nil)
