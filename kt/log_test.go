package kt

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-msgr/e2eecore/primitives"
)

func keyPairFor(t *testing.T, seed byte) (sigPK [primitives.SigPublicKeySize]byte, dhPK [primitives.X25519Size]byte) {
	t.Helper()
	for i := range sigPK {
		sigPK[i] = seed
	}
	for i := range dhPK {
		dhPK[i] = seed + 1
	}
	return
}

func TestUpdateIdentityKeysIsNoOpWhenUnchanged(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	sigPK, dhPK := keyPairFor(t, 1)
	require.NoError(t, l.UpdateIdentityKeys("alice", sigPK[:], dhPK[:]))
	size1, root1 := l.Head()

	require.NoError(t, l.UpdateIdentityKeys("alice", sigPK[:], dhPK[:]))
	size2, root2 := l.Head()
	require.Equal(t, size1, size2)
	require.Equal(t, root1, root2)
}

func TestUpdateIdentityKeysAppendsOnChange(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	sigPK1, dhPK1 := keyPairFor(t, 1)
	require.NoError(t, l.UpdateIdentityKeys("alice", sigPK1[:], dhPK1[:]))
	size1, root1 := l.Head()

	sigPK2, dhPK2 := keyPairFor(t, 2)
	require.NoError(t, l.UpdateIdentityKeys("alice", sigPK2[:], dhPK2[:]))
	size2, root2 := l.Head()

	require.Equal(t, size1+1, size2)
	require.NotEqual(t, root1, root2)
}

func Test256UsersTreeSizeAndAuditPath(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	const n = 256
	for i := 0; i < n; i++ {
		sigPK, dhPK := keyPairFor(t, byte(i))
		username := fmt.Sprintf("user-%d", i)
		require.NoError(t, l.UpdateIdentityKeys(username, sigPK[:], dhPK[:]))
	}

	size, root := l.Head()
	require.Equal(t, n, size)

	entry, ok := l.LatestEntry("user-42")
	require.True(t, ok)

	proof, err := l.BuildProofForLatestKey("user-42", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(n), proof.STH.TreeSize)
	require.Equal(t, root, proof.STH.Root)
	require.Len(t, proof.AuditPath, 8)

	require.True(t, VerifyAuditPath(entry.LeafHash, entry.LeafIndex, n, proof.AuditPath, root))
}

func TestAuditPathRejectsTamperedLeaf(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	const n = 256
	for i := 0; i < n; i++ {
		sigPK, dhPK := keyPairFor(t, byte(i))
		require.NoError(t, l.UpdateIdentityKeys(fmt.Sprintf("user-%d", i), sigPK[:], dhPK[:]))
	}
	_, root := l.Head()
	entry, ok := l.LatestEntry("user-1")
	require.True(t, ok)

	proof, err := l.BuildProofForLatestKey("user-1", 0)
	require.NoError(t, err)

	tampered := entry.LeafHash
	tampered[0] ^= 0xff
	require.False(t, VerifyAuditPath(tampered, entry.LeafIndex, n, proof.AuditPath, root))
}

func TestConsistencyProof255To256(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	const n = 255
	for i := 0; i < n; i++ {
		sigPK, dhPK := keyPairFor(t, byte(i))
		require.NoError(t, l.UpdateIdentityKeys(fmt.Sprintf("user-%d", i), sigPK[:], dhPK[:]))
	}
	_, oldRoot := l.Head()

	sigPK, dhPK := keyPairFor(t, 255)
	require.NoError(t, l.UpdateIdentityKeys("user-255", sigPK[:], dhPK[:]))
	_, newRoot := l.Head()

	path, err := l.BuildConsistencyProof(n, n+1)
	require.NoError(t, err)
	require.True(t, VerifyConsistency(path, oldRoot, newRoot, n, n+1))
	require.False(t, VerifyConsistency(path, oldRoot, newRoot, n, n))
}

func TestConsistencyProofFromZeroIsTrivial(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)
	sigPK, dhPK := keyPairFor(t, 9)
	require.NoError(t, l.UpdateIdentityKeys("alice", sigPK[:], dhPK[:]))
	_, root := l.Head()

	path, err := l.BuildConsistencyProof(0, 1)
	require.NoError(t, err)
	require.Empty(t, path)
	require.True(t, VerifyConsistency(path, Hash32{}, root, 0, 1))
}

func TestReloadFromDiskMatchesRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kt.log")
	l1, err := Open(path)
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		sigPK, dhPK := keyPairFor(t, byte(i))
		require.NoError(t, l1.UpdateIdentityKeys(fmt.Sprintf("user-%d", i), sigPK[:], dhPK[:]))
	}
	size1, root1 := l1.Head()

	l2, err := Open(path)
	require.NoError(t, err)
	size2, root2 := l2.Head()

	require.Equal(t, size1, size2)
	require.Equal(t, root1, root2)
}

func TestVerifyConsistencyRejectsWrongOldRoot(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "kt.log"))
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		sigPK, dhPK := keyPairFor(t, byte(i))
		require.NoError(t, l.UpdateIdentityKeys(fmt.Sprintf("user-%d", i), sigPK[:], dhPK[:]))
	}
	_, oldRoot := l.Head()

	sigPK, dhPK := keyPairFor(t, 20)
	require.NoError(t, l.UpdateIdentityKeys("user-20", sigPK[:], dhPK[:]))
	_, newRoot := l.Head()

	path, err := l.BuildConsistencyProof(n, n+1)
	require.NoError(t, err)

	wrongRoot := oldRoot
	wrongRoot[0] ^= 0xff
	require.False(t, VerifyConsistency(path, wrongRoot, newRoot, n, n+1))
}
