// Copyright 2024-2026 Aiku AI

// Package e2ee implements the encryption session manager: per-user devices
// with signed one-time keys, pairwise sessions for key sharing and rotating
// per-portal group sessions.
//
// Group sessions are a symmetric hash ratchet. Each message is sealed with
// XChaCha20-Poly1305 under the message key of the current chain position,
// and the payload names the generation and index it was produced at, so
// any historic generation that was shared with the recipient stays
// decryptable. Session state is always persisted before a ciphertext
// produced from it leaves the manager.
package e2ee

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// Config holds the rotation thresholds and key counts.
type Config struct {
	// OwnUserID is the account whose device encrypts portal messages.
	OwnUserID string
	// RotationMessages rotates a group session after this many messages.
	RotationMessages int
	// RotationPeriod rotates a group session once it is this old.
	RotationPeriod time.Duration
	// OneTimeKeys is the number of one-time keys kept published.
	OneTimeKeys int
}

func (c *Config) setDefaults() {
	if c.RotationMessages <= 0 {
		c.RotationMessages = 100
	}
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = 7 * 24 * time.Hour
	}
	if c.OneTimeKeys <= 0 {
		c.OneTimeKeys = 10
	}
}

// Manager is the encryption session manager. It is safe for concurrent use.
type Manager struct {
	store     cryptostore.Store
	transport network.KeyTransport
	cfg       Config
	log       zerolog.Logger

	userLocks   *keyMutex
	portalLocks *keyMutex
	peerLocks   *keyMutex

	publishedLock sync.Mutex
	published     map[string]bool

	now func() time.Time
}

// NewManager creates a manager on top of a crypto store and the remote
// network's key primitives.
func NewManager(store cryptostore.Store, transport network.KeyTransport, cfg Config, log zerolog.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		store:       store,
		transport:   transport,
		cfg:         cfg,
		log:         log.With().Str("component", "e2ee").Logger(),
		userLocks:   newKeyMutex(),
		portalLocks: newKeyMutex(),
		peerLocks:   newKeyMutex(),
		published:   make(map[string]bool),
		now:         time.Now,
	}
}

// OwnUserID returns the account that encrypts portal messages.
func (m *Manager) OwnUserID() string {
	return m.cfg.OwnUserID
}
