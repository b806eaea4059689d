package media

import (
	"sync"

	"github.com/mi-msgr/e2eecore/primitives"
)

// GroupCallKeyProvider resolves a group call's key epoch to the
// shared symmetric call key (spec §6 get_group_call_key collaborator).
type GroupCallKeyProvider interface {
	GroupCallKey(keyID uint32) ([32]byte, error)
}

// deriveGroupStreamKey derives the single stream key a given sender
// uses for kind under callKey. Unlike the 1:1 pairwise derivation,
// group streams are one-directional per (sender, key_id, kind): the
// sender_id is folded into the HKDF info so concurrent senders never
// collide on the same chain key, and every other member derives the
// identical key independently to decrypt.
func deriveGroupStreamKey(callKey [32]byte, kind Kind, senderID string) ([32]byte, error) {
	info := append(append([]byte{}, streamLabel(kind)...), []byte(senderID)...)
	out, err := primitives.HKDF(nil, callKey[:], info, 32)
	var ck [32]byte
	if err != nil {
		return ck, err
	}
	copy(ck[:], out)
	return ck, nil
}

type groupRecvKey struct {
	sender string
	kind   Kind
	keyID  uint32
}

// GroupCallMediaAdapter is the supplemented group-call counterpart to
// MediaSession (spec §4.4 "Group rekeying"): one outbound ratchet
// pair keyed to the current key epoch, plus on-demand inbound
// ratchets per (sender, key_id) so a late packet under a just-retired
// key still decrypts until DropKey evicts it.
type GroupCallMediaAdapter struct {
	mu sync.Mutex

	localSender string
	provider    GroupCallKeyProvider

	activeKeyID  uint32
	sendRatchets map[Kind]*Ratchet
	recv         map[groupRecvKey]*Ratchet
}

// NewGroupCallSession derives the initial send ratchets from
// initialKeyID.
func NewGroupCallSession(localSender string, provider GroupCallKeyProvider, initialKeyID uint32) (*GroupCallMediaAdapter, error) {
	g := &GroupCallMediaAdapter{
		localSender:  localSender,
		provider:     provider,
		sendRatchets: make(map[Kind]*Ratchet, 2),
		recv:         make(map[groupRecvKey]*Ratchet, 8),
	}
	if err := g.SetActiveKey(initialKeyID); err != nil {
		return nil, err
	}
	return g, nil
}

// SetActiveKey installs a fresh send chain for the new key epoch,
// resetting the local member's sequence counters to zero (spec §4.4:
// called whenever a member joins or leaves the call).
func (g *GroupCallMediaAdapter) SetActiveKey(newKeyID uint32) error {
	callKey, err := g.provider.GroupCallKey(newKeyID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range []Kind{KindAudio, KindVideo} {
		ck, err := deriveGroupStreamKey(callKey, k, g.localSender)
		if err != nil {
			return err
		}
		g.sendRatchets[k] = NewRatchet(ck)
	}
	g.activeKeyID = newKeyID
	return nil
}

// SealFrame encrypts frame on the local member's current send
// ratchet for kind, using the keyed wire format so receivers can
// route by key_id.
func (g *GroupCallMediaAdapter) SealFrame(kind Kind, frame *MediaFrame) (*MediaPacket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendRatchets[kind].Seal(PacketFormatKeyed, kind, g.activeKeyID, frame)
}

// OpenPacket decrypts a packet attributed to sender, creating the
// (sender, key_id) receive ratchet on demand if this is the first
// packet seen under that combination.
func (g *GroupCallMediaAdapter) OpenPacket(sender string, p *MediaPacket) (*MediaFrame, error) {
	g.mu.Lock()
	key := groupRecvKey{sender: sender, kind: p.Kind, keyID: p.KeyID}
	r, ok := g.recv[key]
	if !ok {
		callKey, err := g.provider.GroupCallKey(p.KeyID)
		if err != nil {
			g.mu.Unlock()
			return nil, err
		}
		ck, err := deriveGroupStreamKey(callKey, p.Kind, sender)
		if err != nil {
			g.mu.Unlock()
			return nil, err
		}
		r = NewRatchet(ck)
		g.recv[key] = r
	}
	g.mu.Unlock()
	return r.Open(p)
}

// DropKey evicts every receive ratchet pinned to keyID, the eventual
// cleanup spec §4.4 describes as "old ones are dropped" once the
// grace period for a retired key epoch has elapsed. Callers
// typically invoke this a few seconds after SetActiveKey rotates
// past keyID.
func (g *GroupCallMediaAdapter) DropKey(keyID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.recv {
		if k.keyID == keyID {
			delete(g.recv, k)
		}
	}
}

