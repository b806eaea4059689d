// Package e2ee is the top-level facade spec §2 describes: one
// Core per local user, owning the identity store, the ratchet
// engine, and the key-transparency log together so a host
// application has a single init(state_dir) entry point instead of
// wiring three collaborators by hand.
package e2ee

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mi-msgr/e2eecore/identity"
	"github.com/mi-msgr/e2eecore/kt"
	"github.com/mi-msgr/e2eecore/ratchet"
)

// Core is the engine's single entry point: identity lifecycle,
// per-peer ratchet sessions, and the local key-transparency log.
type Core struct {
	Identity *identity.Store
	Engine   *ratchet.Engine
	KTLog    *kt.Log
}

// Option configures Init.
type Option func(*coreConfig)

type coreConfig struct {
	identityOpts []identity.Option
}

// WithIdentityOptions forwards options to identity.Init, e.g.
// WithKeyStore or WithPolicy.
func WithIdentityOptions(opts ...identity.Option) Option {
	return func(c *coreConfig) { c.identityOpts = append(c.identityOpts, opts...) }
}

// Init loads or creates the local identity under stateDir, opens the
// local key-transparency log, and wires a ratchet engine bound to
// that identity -- the load-or-create contract of spec §4.2 and §4.5
// in one call.
func Init(stateDir string, opts ...Option) (*Core, error) {
	cfg := &coreConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	idStore, err := identity.Init(stateDir, cfg.identityOpts...)
	if err != nil {
		return nil, fmt.Errorf("e2ee: identity init: %w", err)
	}

	ktLog, err := kt.Open(filepath.Join(stateDir, "kt_log.bin"))
	if err != nil {
		return nil, fmt.Errorf("e2ee: kt log open: %w", err)
	}

	engine := ratchet.NewEngine(idStore.Identity())

	c := &Core{Identity: idStore, Engine: engine, KTLog: ktLog}

	if err := ktLog.UpdateIdentityKeys(
		"self",
		idStore.Identity().SigPublicKey[:],
		idStore.Identity().IDDHPublicKey[:],
	); err != nil {
		return nil, fmt.Errorf("e2ee: kt log self-publish: %w", err)
	}

	return c, nil
}

// MaintenanceTick rotates prekeys if due. Hosts call this
// periodically (e.g. once a day) rather than on every message, since
// rotation is cheap but unnecessary work on a hot path.
func (c *Core) MaintenanceTick() error {
	_, err := c.Identity.MaybeRotatePrekeys(time.Now().Unix())
	return err
}

// PublishBundle returns the current wire-format PublishBundle peers
// fetch to start a session.
func (c *Core) PublishBundle() []byte {
	return c.Identity.BuildPublishBundle()
}

// EncryptToPeer seals plaintext for peer, fetching peerBundleRaw only
// if no session exists yet.
func (c *Core) EncryptToPeer(peer string, peerBundleRaw, plaintext []byte) ([]byte, error) {
	return c.Engine.EncryptToPeer(peer, peerBundleRaw, plaintext)
}

// DecryptFromPeer opens a ciphertext received from peer.
func (c *Core) DecryptFromPeer(peer string, payload []byte) ([]byte, error) {
	return c.Engine.DecryptFromPayload(peer, payload)
}
