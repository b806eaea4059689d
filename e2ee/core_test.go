package e2ee

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-msgr/e2eecore/coreerr"
)

func TestInitPublishesSelfToKTLog(t *testing.T) {
	core, err := Init(t.TempDir())
	require.NoError(t, err)

	size, _ := core.KTLog.Head()
	require.Equal(t, 1, size)

	entry, ok := core.KTLog.LatestEntry("self")
	require.True(t, ok)
	require.Equal(t, 0, entry.LeafIndex)
}

func TestMaintenanceTickIsIdempotentWithoutDueRotation(t *testing.T) {
	core, err := Init(t.TempDir())
	require.NoError(t, err)
	spkBefore := core.Identity.Identity().SPKID

	require.NoError(t, core.MaintenanceTick())
	require.Equal(t, spkBefore, core.Identity.Identity().SPKID)
}

func TestEndToEndHandshakeThroughFacade(t *testing.T) {
	alice, err := Init(t.TempDir())
	require.NoError(t, err)
	bob, err := Init(t.TempDir())
	require.NoError(t, err)

	bobBundle := bob.PublishBundle()
	aliceBundle := alice.PublishBundle()

	msg := []byte("hello from alice")
	_, err = alice.EncryptToPeer("bob", bobBundle, msg)
	require.ErrorIs(t, err, coreerr.ErrPeerNotTrusted)
	alicePending := alice.Engine.TrustStore().Pending()
	require.NotNil(t, alicePending)
	require.NoError(t, alice.Engine.TrustPendingPeer(alicePending.SAS))

	raw, err := alice.EncryptToPeer("bob", bobBundle, msg)
	require.NoError(t, err)

	_, err = bob.DecryptFromPeer("alice", raw)
	require.ErrorIs(t, err, coreerr.ErrPeerNotTrusted)
	bobPending := bob.Engine.TrustStore().Pending()
	require.NotNil(t, bobPending)
	require.NoError(t, bob.Engine.TrustPendingPeer(bobPending.SAS))

	ready := bob.Engine.DrainReadyMessages()
	require.Len(t, ready, 1)
	require.Equal(t, "alice", ready[0].From)
	require.Equal(t, msg, ready[0].Plaintext)

	reply := []byte("hi alice")
	rawReply, err := bob.EncryptToPeer("alice", aliceBundle, reply)
	require.NoError(t, err)

	pt, err := alice.DecryptFromPeer("bob", rawReply)
	require.NoError(t, err)
	require.Equal(t, reply, pt)
}
