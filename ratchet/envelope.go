package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/mi-msgr/e2eecore/coreerr"
	"github.com/mi-msgr/e2eecore/primitives"
)

// EnvelopeVersion is the wire version byte carried by both payload
// types (spec §6). It is independent of the PublishBundle version
// and the identity file version.
const EnvelopeVersion = 1

// Payload type tags (spec §4.3.3).
const (
	TypePreKey  = 1
	TypeRatchet = 2
)

const (
	sigPK  = primitives.SigPublicKeySize
	dhPK   = primitives.X25519Size
	kemPK  = primitives.KEMPublicKeySize
	kemCT  = primitives.KEMCiphertextSize
	sigLen = primitives.SignatureSize
)

// preKeyHeader is the parsed form of the PreKey AD (spec §6).
type preKeyHeader struct {
	SPKID     uint32
	IDSigPK   [sigPK]byte
	IDDHPK    [dhPK]byte
	EphDHsPK  [dhPK]byte
	KEMsPK    [kemPK]byte
	KEMCt     [kemCT]byte
	N         uint32
	PrekeySig [sigLen]byte
}

// encodePreKeyADPrefix builds version||type||spk_id||id_sig_pk||id_dh_pk||
// eph_dhs_pk||kem_s_pk||kem_ct||n_le -- everything the prekey_sig
// itself signs over (prefixed with "MIPK").
func encodePreKeyADPrefix(h *preKeyHeader) []byte {
	buf := make([]byte, 0, 2+4+sigPK+dhPK+dhPK+kemPK+kemCT+4)
	buf = append(buf, EnvelopeVersion, TypePreKey)
	buf = append32(buf, h.SPKID)
	buf = append(buf, h.IDSigPK[:]...)
	buf = append(buf, h.IDDHPK[:]...)
	buf = append(buf, h.EphDHsPK[:]...)
	buf = append(buf, h.KEMsPK[:]...)
	buf = append(buf, h.KEMCt[:]...)
	buf = append32(buf, h.N)
	return buf
}

func preKeySigMessage(adPrefix []byte) []byte {
	msg := make([]byte, 0, 4+len(adPrefix))
	msg = append(msg, 'M', 'I', 'P', 'K')
	msg = append(msg, adPrefix...)
	return msg
}

// encodePreKeyAD returns the full PreKey AD, including the trailing
// prekey_sig.
func encodePreKeyAD(h *preKeyHeader) []byte {
	ad := encodePreKeyADPrefix(h)
	return append(ad, h.PrekeySig[:]...)
}

const preKeyADSize = 2 + 4 + sigPK + dhPK + dhPK + kemPK + kemCT + 4 + sigLen

func decodePreKeyHeader(buf []byte) (*preKeyHeader, int, error) {
	if len(buf) < preKeyADSize {
		return nil, 0, coreerr.ErrRatchetHeaderInvalid
	}
	if buf[0] != EnvelopeVersion {
		return nil, 0, coreerr.ErrRatchetHeaderInvalid
	}
	if buf[1] != TypePreKey {
		return nil, 0, coreerr.ErrUnknownMessageType
	}
	off := 2
	h := &preKeyHeader{}
	h.SPKID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	off = copyFixed(buf, off, h.IDSigPK[:])
	off = copyFixed(buf, off, h.IDDHPK[:])
	off = copyFixed(buf, off, h.EphDHsPK[:])
	off = copyFixed(buf, off, h.KEMsPK[:])
	off = copyFixed(buf, off, h.KEMCt[:])
	h.N = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	off = copyFixed(buf, off, h.PrekeySig[:])
	return h, off, nil
}

// ratchetHeader is the parsed form of the Ratchet AD (spec §6).
type ratchetHeader struct {
	DHsPK    [dhPK]byte
	PN       uint32
	N        uint32
	HasRekey bool
	KEMsPK   [kemPK]byte
	KEMCt    [kemCT]byte
}

func encodeRatchetAD(h *ratchetHeader) []byte {
	buf := make([]byte, 0, 2+dhPK+4+4+kemPK+kemCT)
	buf = append(buf, EnvelopeVersion, TypeRatchet)
	buf = append(buf, h.DHsPK[:]...)
	buf = append32(buf, h.PN)
	buf = append32(buf, h.N)
	if h.HasRekey {
		buf = append(buf, h.KEMsPK[:]...)
		buf = append(buf, h.KEMCt[:]...)
	}
	return buf
}

const ratchetADFixedSize = 2 + dhPK + 4 + 4

func decodeRatchetHeader(buf []byte) (*ratchetHeader, int, error) {
	if len(buf) < ratchetADFixedSize {
		return nil, 0, coreerr.ErrRatchetHeaderInvalid
	}
	if buf[0] != EnvelopeVersion {
		return nil, 0, coreerr.ErrRatchetHeaderInvalid
	}
	if buf[1] != TypeRatchet {
		return nil, 0, coreerr.ErrUnknownMessageType
	}
	off := 2
	h := &ratchetHeader{}
	off = copyFixed(buf, off, h.DHsPK[:])
	h.PN = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	h.N = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if h.N == 0 {
		if len(buf)-off < kemPK+kemCT {
			return nil, 0, coreerr.ErrRatchetHeaderInvalid
		}
		h.HasRekey = true
		off = copyFixed(buf, off, h.KEMsPK[:])
		off = copyFixed(buf, off, h.KEMCt[:])
	}
	return h, off, nil
}

// Payload is a fully encoded, transport-ready ciphertext blob: a
// type-tagged AD header, a 24-byte nonce, and AEAD ciphertext
// (tag included, matching primitives.AEADLock's output).
type Payload struct {
	Type       byte
	AD         []byte
	Nonce      [primitives.NonceSize]byte
	Ciphertext []byte
}

// Encode serializes a Payload to the bit-exact wire format of §6:
// AD || nonce || ciphertext(includes trailing tag).
func (p *Payload) Encode() []byte {
	buf := make([]byte, 0, len(p.AD)+primitives.NonceSize+len(p.Ciphertext))
	buf = append(buf, p.AD...)
	buf = append(buf, p.Nonce[:]...)
	buf = append(buf, p.Ciphertext...)
	return buf
}

// peekType reports the payload's type tag without otherwise parsing
// it.
func peekType(raw []byte) (byte, error) {
	if len(raw) < 2 {
		return 0, coreerr.ErrRatchetHeaderInvalid
	}
	if raw[0] != EnvelopeVersion {
		return 0, coreerr.ErrRatchetHeaderInvalid
	}
	return raw[1], nil
}

// DecodePayload splits raw into its AD header and trailing
// nonce+ciphertext, given the AD's pre-computed length.
func splitTrailer(raw []byte, adLen int) (nonce [primitives.NonceSize]byte, ciphertext []byte, err error) {
	if len(raw) < adLen+primitives.NonceSize {
		return nonce, nil, coreerr.ErrRatchetHeaderInvalid
	}
	copy(nonce[:], raw[adLen:adLen+primitives.NonceSize])
	ciphertext = raw[adLen+primitives.NonceSize:]
	return nonce, ciphertext, nil
}

func append32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func copyFixed(src []byte, off int, dst []byte) int {
	copy(dst, src[off:off+len(dst)])
	return off + len(dst)
}

func unknownTypeErr(t byte) error {
	return fmt.Errorf("%w: %d", coreerr.ErrUnknownMessageType, t)
}
