// Package media implements the per-call audio/video ratchet of spec
// §4.4: per-stream chain keys derived from a 1:1 or group-call root,
// bounded skip windows, group key-epoch rekeying, and a jitter buffer
// that releases frames on a target-delay schedule. It shares its
// ratchet shape with package ratchet but trades the double-ratchet's
// DH steps for a flat, high-rate symmetric chain suited to call-rate
// traffic.
package media

import (
	"encoding/binary"
	"fmt"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// Kind distinguishes audio and video streams, each ratcheted
// independently (spec §4.4).
type Kind byte

const (
	KindAudio Kind = 1
	KindVideo Kind = 2
)

// Wire format versions (spec §3/§6): version(1) || kind(1) ||
// [key_id_le(4) if v>=3] || seq_le(4) || tag(16) || ciphertext.
// PacketFormatLegacy is the historical pre-group-calls encoding
// (version 2) that carries no key_id field; readers default its
// key_id to 1, matching the "v2 parsers must accept historical
// packets by treating key_id as 1" compatibility rule.
// PacketFormatKeyed is the current encoding (version 3) used once
// group rekeying (SetActiveKey) is in play.
const (
	PacketFormatLegacy = 2
	PacketFormatKeyed  = 3
)

// MediaFrame is the plaintext payload a MediaPacket's ciphertext
// decrypts to.
type MediaFrame struct {
	CallID      uint64
	Kind        Kind
	Flags       byte
	TimestampMs uint64
	Payload     []byte
}

// EncodeFrame serializes a MediaFrame to call_id || kind || flags ||
// timestamp_ms || payload.
func EncodeFrame(f *MediaFrame) []byte {
	buf := make([]byte, 0, 8+1+1+8+len(f.Payload))
	buf = append64(buf, f.CallID)
	buf = append(buf, byte(f.Kind))
	buf = append(buf, f.Flags)
	buf = append64(buf, f.TimestampMs)
	buf = append(buf, f.Payload...)
	return buf
}

// DecodeFrame parses the output of EncodeFrame.
func DecodeFrame(raw []byte) (*MediaFrame, error) {
	if len(raw) < 18 {
		return nil, coreerr.ErrMediaFrameDecodeFailed
	}
	f := &MediaFrame{
		CallID:      binary.LittleEndian.Uint64(raw[0:8]),
		Kind:        Kind(raw[8]),
		Flags:       raw[9],
		TimestampMs: binary.LittleEndian.Uint64(raw[10:18]),
	}
	f.Payload = append([]byte(nil), raw[18:]...)
	return f, nil
}

// MediaPacket is the on-wire envelope: a plaintext routing header
// (kind, key_id, seq) plus AEAD ciphertext (tag included).
type MediaPacket struct {
	Format     byte
	Kind       Kind
	KeyID      uint32
	Seq        uint32
	Ciphertext []byte
}

// header returns the AD bytes bound into the AEAD call: version ||
// kind || [key_id_le] || seq_le, omitting key_id for the legacy
// format.
func (p *MediaPacket) header() []byte {
	if p.Format < PacketFormatKeyed {
		buf := make([]byte, 0, 6)
		buf = append(buf, p.Format, byte(p.Kind))
		return append32(buf, p.Seq)
	}
	buf := make([]byte, 0, 10)
	buf = append(buf, p.Format, byte(p.Kind))
	buf = append32(buf, p.KeyID)
	return append32(buf, p.Seq)
}

// Encode serializes the packet to its wire bytes.
func (p *MediaPacket) Encode() []byte {
	h := p.header()
	buf := make([]byte, 0, len(h)+len(p.Ciphertext))
	buf = append(buf, h...)
	buf = append(buf, p.Ciphertext...)
	return buf
}

// Peek reports (kind, key_id, seq) without touching the ciphertext,
// so the receiver can route to the correct ratchet before decrypting
// (spec §4.4 "Receiver").
func Peek(raw []byte) (kind Kind, keyID uint32, seq uint32, err error) {
	if len(raw) < 2 {
		return 0, 0, 0, coreerr.ErrMediaPacketDecodeFailed
	}
	format := raw[0]
	k := Kind(raw[1])
	if format == 0 {
		return 0, 0, 0, fmt.Errorf("%w: format %d", coreerr.ErrMediaPacketDecodeFailed, format)
	}
	if format < PacketFormatKeyed {
		if len(raw) < 6 {
			return 0, 0, 0, coreerr.ErrMediaPacketDecodeFailed
		}
		seq = binary.LittleEndian.Uint32(raw[2:6])
		return k, 1, seq, nil
	}
	if len(raw) < 10 {
		return 0, 0, 0, coreerr.ErrMediaPacketDecodeFailed
	}
	keyID = binary.LittleEndian.Uint32(raw[2:6])
	seq = binary.LittleEndian.Uint32(raw[6:10])
	return k, keyID, seq, nil
}

// DecodePacket parses raw into a MediaPacket, leaving Ciphertext
// un-decrypted.
func DecodePacket(raw []byte) (*MediaPacket, error) {
	kind, keyID, seq, err := Peek(raw)
	if err != nil {
		return nil, err
	}
	p := &MediaPacket{Format: raw[0], Kind: kind, KeyID: keyID, Seq: seq}
	if p.Format < PacketFormatKeyed {
		p.Ciphertext = append([]byte(nil), raw[6:]...)
	} else {
		p.Ciphertext = append([]byte(nil), raw[10:]...)
	}
	return p, nil
}

// mediaNonce builds seq_le(4) || 0*20, the deterministic per-packet
// nonce (spec §4.4 "Per-packet").
func mediaNonce(seq uint32) [primitives.NonceSize]byte {
	var nonce [primitives.NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[:4], seq)
	return nonce
}

func append32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func append64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
