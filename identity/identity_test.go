package identity

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-msgr/e2eecore/coreerr"
)

// memKeyStore is an in-memory fake of the KeyStore collaborator, used
// in place of the real OS keyring for unit tests (DESIGN.md: "a
// fake/in-memory keyring is used by the core's unit tests").
type memKeyStore struct {
	blobs map[string][]byte
	fail  bool
}

func newMemKeyStore() *memKeyStore { return &memKeyStore{blobs: make(map[string][]byte)} }

func (m *memKeyStore) Wrap(magic, entropy string, plain []byte) ([]byte, error) {
	if m.fail {
		return nil, fmt.Errorf("memKeyStore: forced wrap failure")
	}
	key := magic + ":" + entropy
	m.blobs[key] = append([]byte(nil), plain...)
	return []byte(key), nil
}

func (m *memKeyStore) Unwrap(magic, entropy string, wrapped []byte) ([]byte, error) {
	blob, ok := m.blobs[string(wrapped)]
	if !ok {
		return nil, fmt.Errorf("memKeyStore: no such blob")
	}
	return blob, nil
}

func TestInitCreatesIdentity(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)
	require.NotNil(t, store.Identity())
	require.NotEmpty(t, store.Identity().Fingerprint())
	require.Equal(t, uint32(1), store.Identity().SPKID)
}

func TestInitIsStableAcrossReload(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)
	fp := store.Identity().Fingerprint()

	store2, err := Init(dir)
	require.NoError(t, err)
	require.Equal(t, fp, store2.Identity().Fingerprint())
	require.Equal(t, store.Identity().SPKID, store2.Identity().SPKID)
}

func TestBuildPublishBundleSelfVerifies(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)

	raw := store.BuildPublishBundle()
	bundle, err := ParsePublishBundle(raw)
	require.NoError(t, err)
	require.Equal(t, store.Identity().Fingerprint(), bundle.Fingerprint())
	require.Equal(t, store.Identity().SPKID, bundle.SPKID)
}

func TestParsePublishBundleRejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)

	raw := store.BuildPublishBundle()
	raw[len(raw)-1] ^= 0xff
	_, err = ParsePublishBundle(raw)
	require.Error(t, err)
}

func TestParsePublishBundleRejectsWrongVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)

	raw := store.BuildPublishBundle()
	raw[0] = BundleVersion + 1
	_, err = ParsePublishBundle(raw)
	require.ErrorIs(t, err, coreerr.ErrIdentityVersionMismatch)
}

func TestMaybeRotatePrekeysRetainsLegacy(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultIdentityPolicy()
	policy.RotationDays = 0 // rotate on every call
	store, err := Init(dir, WithPolicy(policy))
	require.NoError(t, err)

	oldSPKID := store.Identity().SPKID
	rotated, err := store.MaybeRotatePrekeys(store.Identity().RotatedAt + 1)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, oldSPKID+1, store.Identity().SPKID)

	lk := store.Identity().FindLegacyKey(oldSPKID)
	require.NotNil(t, lk)
	require.Equal(t, oldSPKID, lk.SPKID)
}

func TestMaybeRotatePrekeysPrunesExpiredLegacy(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultIdentityPolicy()
	policy.RotationDays = 30
	policy.LegacyRetentionDays = 1
	store, err := Init(dir, WithPolicy(policy))
	require.NoError(t, err)

	rotateAt := store.Identity().RotatedAt + 30*24*3600 + 1
	_, err = store.MaybeRotatePrekeys(rotateAt)
	require.NoError(t, err)
	require.Len(t, store.Identity().LegacyKeys, 1)

	// Advance well past the one-day retention window; rotation itself
	// is a no-op (ten days is inside the 30-day interval) but pruning
	// still runs unconditionally (Open Question (b)).
	farFuture := rotateAt + 10*24*3600
	_, err = store.MaybeRotatePrekeys(farFuture)
	require.NoError(t, err)
	require.Empty(t, store.Identity().LegacyKeys)
}

func TestInitRejectsEmptyStateDir(t *testing.T) {
	_, err := Init("")
	require.Error(t, err)
}

func TestInitWithKeyStoreWrapsIdentity(t *testing.T) {
	dir := t.TempDir()
	ks := newMemKeyStore()
	store, err := Init(dir, WithKeyStore(ks))
	require.NoError(t, err)
	require.NotEmpty(t, ks.blobs)

	store2, err := Init(dir, WithKeyStore(ks))
	require.NoError(t, err)
	require.Equal(t, store.Identity().Fingerprint(), store2.Identity().Fingerprint())
}

func TestInitKeyStoreWrapFailureFallsBackWhenNotRequired(t *testing.T) {
	dir := t.TempDir()
	ks := newMemKeyStore()
	ks.fail = true
	policy := DefaultIdentityPolicy()
	policy.TPMRequire = false
	_, err := Init(dir, WithKeyStore(ks), WithPolicy(policy))
	require.NoError(t, err)
}

func TestSignDetachedVerifyDetached(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)

	msg := []byte("device pairing transcript")
	sig, err := store.Identity().SignDetached(msg)
	require.NoError(t, err)
	require.True(t, VerifyDetached(msg, sig[:], store.Identity().SigPublicKey[:]))
	require.False(t, VerifyDetached([]byte("other message"), sig[:], store.Identity().SigPublicKey[:]))
}

func TestGenerateIdentityKeysAreDistinct(t *testing.T) {
	li1, err := generateIdentity(rand.Reader)
	require.NoError(t, err)
	li2, err := generateIdentity(rand.Reader)
	require.NoError(t, err)
	require.NotEqual(t, li1.Fingerprint(), li2.Fingerprint())
}

func TestLoadFromDiskMatchesFilePath(t *testing.T) {
	dir := t.TempDir()
	store, err := Init(dir)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "identity.bin"))
	_ = store
}
