package media

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// callIDFromUUID folds a call's UUID down to the uint64 call_id the
// wire frame format carries (spec §4.4 uses opaque 64-bit call ids;
// callers mint them from a UUID to avoid cross-device collisions).
func callIDFromUUID(id uuid.UUID) uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

func frame(callID uint64, kind Kind, ts uint64, payload string) *MediaFrame {
	return &MediaFrame{CallID: callID, Kind: kind, TimestampMs: ts, Payload: []byte(payload)}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := frame(42, KindVideo, 1000, "frame bytes")
	raw := EncodeFrame(f)
	got, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, f.CallID, got.CallID)
	require.Equal(t, f.Kind, got.Kind)
	require.Equal(t, f.TimestampMs, got.TimestampMs)
	require.True(t, bytes.Equal(f.Payload, got.Payload))
}

func TestMediaSessionRoundTrip(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("0123456789abcdef0123456789abcdef"))

	alice, err := NewMediaSession(root, true)
	require.NoError(t, err)
	bob, err := NewMediaSession(root, false)
	require.NoError(t, err)

	callID := callIDFromUUID(uuid.New())
	f := frame(callID, KindAudio, 500, "hello")
	p, err := alice.SealFrame(KindAudio, f)
	require.NoError(t, err)
	require.Equal(t, byte(PacketFormatLegacy), p.Format)

	got, err := bob.OpenPacket(p)
	require.NoError(t, err)
	require.Equal(t, f.Payload, got.Payload)
}

func TestMediaSessionLegacyWireDefaultsKeyIDToOne(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("session-root-material-32-bytes!"))
	alice, err := NewMediaSession(root, true)
	require.NoError(t, err)
	bob, err := NewMediaSession(root, false)
	require.NoError(t, err)

	p, err := alice.SealFrame(KindAudio, frame(1, KindAudio, 0, "x"))
	require.NoError(t, err)
	raw := p.Encode()

	kind, keyID, seq, err := Peek(raw)
	require.NoError(t, err)
	require.Equal(t, KindAudio, kind)
	require.Equal(t, uint32(1), keyID)
	require.Equal(t, uint32(0), seq)

	decoded, err := DecodePacket(raw)
	require.NoError(t, err)
	_, err = bob.OpenPacket(decoded)
	require.NoError(t, err)
}

func TestMediaSessionKindMismatch(t *testing.T) {
	var root [32]byte
	s, err := NewMediaSession(root, true)
	require.NoError(t, err)
	_, err = s.SealFrame(Kind(99), frame(1, Kind(99), 0, "x"))
	require.Error(t, err)
}

func TestRatchetOutOfOrderWithinGap(t *testing.T) {
	var ck [32]byte
	copy(ck[:], []byte("chain-key-material-32-bytes-long"))
	send := NewRatchet(ck)
	var ck2 [32]byte
	copy(ck2[:], ck[:])
	recv := NewRatchet(ck2)

	const n = 50
	packets := make([]*MediaPacket, n)
	for i := 0; i < n; i++ {
		p, err := send.Seal(PacketFormatLegacy, KindAudio, 1, frame(1, KindAudio, uint64(i), "x"))
		require.NoError(t, err)
		packets[i] = p
	}

	// Deliver in reverse order; the last packet caches the n-1 keys
	// before it, and every earlier packet must still decrypt via the
	// skipped-key cache (spec §4.4 "Receiver").
	for i := n - 1; i >= 0; i-- {
		_, err := recv.Open(packets[i])
		require.NoErrorf(t, err, "packet %d", i)
	}
	require.Equal(t, n-1, recv.Stats.SkippedCached)
}

func TestRatchetGapTooLargeRejected(t *testing.T) {
	var ck [32]byte
	copy(ck[:], []byte("chain-key-material-32-bytes-long"))
	send := NewRatchet(ck)
	recv := NewRatchet(ck)

	var last *MediaPacket
	for i := 0; i < MaxGap+5; i++ {
		p, err := send.Seal(PacketFormatLegacy, KindAudio, 1, frame(1, KindAudio, uint64(i), "x"))
		require.NoError(t, err)
		last = p
	}
	_, err := recv.Open(last)
	require.Error(t, err)
}

func TestRatchetSkippedKeyEviction(t *testing.T) {
	var ck [32]byte
	copy(ck[:], []byte("chain-key-material-32-bytes-long"))
	send := NewRatchet(ck)
	recv := NewRatchet(ck)

	const n = MaxSkippedKeys + 20
	packets := make([]*MediaPacket, n)
	for i := 0; i < n; i++ {
		p, err := send.Seal(PacketFormatLegacy, KindAudio, 1, frame(1, KindAudio, uint64(i), "x"))
		require.NoError(t, err)
		packets[i] = p
	}

	// Only deliver the final packet, forcing n-1 keys to be skipped
	// and cached, which must trip the FIFO eviction cap.
	_, err := recv.Open(packets[n-1])
	require.NoError(t, err)
	require.Greater(t, recv.Stats.SkippedEvicted, 0)

	// The oldest skipped packet should now be unrecoverable.
	_, err = recv.Open(packets[0])
	require.Error(t, err)
}

type fakeGroupKeyProvider struct {
	keys map[uint32][32]byte
}

func (f *fakeGroupKeyProvider) GroupCallKey(keyID uint32) ([32]byte, error) {
	if k, ok := f.keys[keyID]; ok {
		return k, nil
	}
	var k [32]byte
	copy(k[:], []byte("default-group-call-key-32-bytes"))
	binaryStampKeyID(&k, keyID)
	f.keys[keyID] = k
	return k, nil
}

func binaryStampKeyID(k *[32]byte, keyID uint32) {
	k[0] ^= byte(keyID)
	k[1] ^= byte(keyID >> 8)
}

func TestGroupCallAdapterRoundTrip(t *testing.T) {
	provider := &fakeGroupKeyProvider{keys: make(map[uint32][32]byte)}
	alice, err := NewGroupCallSession("alice", provider, 1)
	require.NoError(t, err)
	bob, err := NewGroupCallSession("bob", provider, 1)
	require.NoError(t, err)

	callID := callIDFromUUID(uuid.New())
	p, err := alice.SealFrame(KindAudio, frame(callID, KindAudio, 0, "group hello"))
	require.NoError(t, err)
	require.Equal(t, byte(PacketFormatKeyed), p.Format)

	got, err := bob.OpenPacket("alice", p)
	require.NoError(t, err)
	require.Equal(t, "group hello", string(got.Payload))
}

func TestGroupCallAdapterRekeyAndDropKey(t *testing.T) {
	provider := &fakeGroupKeyProvider{keys: make(map[uint32][32]byte)}
	alice, err := NewGroupCallSession("alice", provider, 1)
	require.NoError(t, err)
	bob, err := NewGroupCallSession("bob", provider, 1)
	require.NoError(t, err)

	pOld, err := alice.SealFrame(KindAudio, frame(1, KindAudio, 0, "before rekey"))
	require.NoError(t, err)

	require.NoError(t, alice.SetActiveKey(2))
	pNew, err := alice.SealFrame(KindAudio, frame(1, KindAudio, 1, "after rekey"))
	require.NoError(t, err)
	require.NotEqual(t, pOld.KeyID, pNew.KeyID)

	// The late packet under the retired key epoch still decrypts
	// until DropKey evicts its receive ratchet.
	got, err := bob.OpenPacket("alice", pOld)
	require.NoError(t, err)
	require.Equal(t, "before rekey", string(got.Payload))

	got2, err := bob.OpenPacket("alice", pNew)
	require.NoError(t, err)
	require.Equal(t, "after rekey", string(got2.Payload))

	bob.DropKey(1)
	_, err = bob.OpenPacket("alice", pOld)
	require.Error(t, err)
}

func TestJitterBufferReleasesInTimestampOrder(t *testing.T) {
	j := NewJitterBuffer(100, 16)
	p1 := &MediaPacket{Seq: 1}
	p2 := &MediaPacket{Seq: 2}
	p3 := &MediaPacket{Seq: 3}

	j.Push(100, 0, p1)
	j.Push(300, 0, p3)
	j.Push(200, 0, p2)
	require.Equal(t, 3, j.Len())

	require.Nil(t, j.PopReady(50))

	got := j.PopReady(100)
	require.Same(t, p1, got)
	got = j.PopReady(200)
	require.Same(t, p2, got)
	got = j.PopReady(300)
	require.Same(t, p3, got)
	require.Equal(t, 3, j.Stats.PoppedOnTime)
}

func TestJitterBufferDropsPacketsOlderThanLastPop(t *testing.T) {
	j := NewJitterBuffer(50, 16)
	j.Push(100, 0, &MediaPacket{Seq: 1})
	require.NotNil(t, j.PopReady(100))

	j.Push(90, 100, &MediaPacket{Seq: 2})
	require.Equal(t, 1, j.Stats.Dropped)
	require.Equal(t, 0, j.Len())
}

func TestJitterBufferEvictsOverCapacity(t *testing.T) {
	j := NewJitterBuffer(100, 2)
	j.Push(100, 0, &MediaPacket{Seq: 1})
	j.Push(200, 0, &MediaPacket{Seq: 2})
	j.Push(50, 0, &MediaPacket{Seq: 3})
	require.LessOrEqual(t, j.Len(), 2)
	require.Greater(t, j.Stats.Evicted, 0)
}
