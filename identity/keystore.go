package identity

import (
	"fmt"

	"github.com/99designs/keyring"
)

// KeyStore is the OS-keystore collaborator of spec §6: wrapping and
// unwrapping the identity file under a fixed entropy label. It is
// optional -- when WithKeyStore is never called, the identity is
// persisted plaintext with 0600 permissions. Whenever a KeyStore is
// set, the identity is wrapped; IdentityPolicy.TPMEnable is not
// consulted, and TPMRequire only decides whether a wrap failure is
// fatal or falls back to plaintext.
type KeyStore interface {
	Wrap(magic, entropy string, plain []byte) (wrapped []byte, err error)
	Unwrap(magic, entropy string, wrapped []byte) (plain []byte, err error)
}

// OSKeyring is a KeyStore backed by the platform credential store
// (Windows Credential Manager, macOS Keychain, Secret Service, or
// KWallet), via github.com/99designs/keyring. It keys every secret
// on magic+entropy so the identity blob and any future wrapped blob
// (e.g. a device-id secret) live in distinct keyring items.
type OSKeyring struct {
	ring keyring.Keyring
}

// NewOSKeyring opens the platform keyring for appName. Backend
// selection mirrors the pack's desktop-app usage: prefer the native
// secret store, fall back to an encrypted file vault rather than
// failing outright.
func NewOSKeyring(appName string) (*OSKeyring, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:             appName,
		KeychainName:            appName,
		KWalletAppID:            appName,
		KWalletFolder:           appName,
		WinCredPrefix:           appName,
		LibSecretCollectionName: appName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: open os keyring: %w", err)
	}
	return &OSKeyring{ring: kr}, nil
}

func (k *OSKeyring) itemKey(magic, entropy string) string {
	return magic + ":" + entropy
}

// Wrap stores plain in the OS keyring under magic+entropy and
// returns a short reference blob; the reference, not the secret
// itself, is what gets embedded in the identity file's wrap header.
func (k *OSKeyring) Wrap(magic, entropy string, plain []byte) ([]byte, error) {
	key := k.itemKey(magic, entropy)
	if err := k.ring.Set(keyring.Item{
		Key:         key,
		Data:        plain,
		Label:       magic,
		Description: entropy,
	}); err != nil {
		return nil, fmt.Errorf("identity: keyring set: %w", err)
	}
	return []byte(key), nil
}

// Unwrap retrieves the secret previously stored by Wrap. wrapped is
// the reference blob Wrap returned (the keyring item key), not an
// encrypted payload -- the OS keyring itself provides confidentiality
// at rest.
func (k *OSKeyring) Unwrap(magic, entropy string, wrapped []byte) ([]byte, error) {
	item, err := k.ring.Get(string(wrapped))
	if err != nil {
		return nil, fmt.Errorf("identity: keyring get: %w", err)
	}
	return item.Data, nil
}

var _ KeyStore = (*OSKeyring)(nil)
