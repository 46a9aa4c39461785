package soft

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"tufd/internal/config"
	"tufd/internal/domain"
	"tufd/internal/metadata"

	log "github.com/sirupsen/logrus"
)

// Manager holds online ed25519 signing keys in memory. Offline-keyed roles
// are never represented here; signing them surfaces ErrKeyUnavailable.
type Manager struct {
	mu   sync.RWMutex
	keys map[string][]ed25519.PrivateKey // role -> private keys
}

func NewManager() *Manager {
	return &Manager{keys: map[string][]ed25519.PrivateKey{}}
}

// NewManagerFromConfig loads online key seeds from the environment. Roles
// without a configured seed stay unbound.
func NewManagerFromConfig(cfg config.Config) (*Manager, error) {
	m := NewManager()
	seeds := map[string]string{
		domain.RoleTargets:   cfg.TargetsKeySeedHex,
		domain.RoleSnapshot:  cfg.SnapshotKeySeedHex,
		domain.RoleTimestamp: cfg.TimestampKeySeedHex,
		"bins":               cfg.BinsKeySeedHex,
	}
	for role, seed := range seeds {
		if seed == "" {
			continue
		}
		if err := m.bind(role, []string{seed}); err != nil {
			return nil, fmt.Errorf("load %s key: %w", role, err)
		}
	}
	return m, nil
}

func (m *Manager) bind(role string, seedsHex []string) error {
	keys := make([]ed25519.PrivateKey, 0, len(seedsHex))
	for _, seedHex := range seedsHex {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return fmt.Errorf("invalid key seed encoding: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return fmt.Errorf("invalid ed25519 seed length: %d", len(seed))
		}
		keys = append(keys, ed25519.NewKeyFromSeed(seed))
	}
	m.mu.Lock()
	m.keys[roleKey(role)] = keys
	m.mu.Unlock()
	return nil
}

// Sign produces one signature per online key bound to the role. Payload
// content is never logged; the audit record carries role, key id and the
// version the payload claims.
func (m *Manager) Sign(_ context.Context, role string, payload []byte) ([]domain.Signature, error) {
	m.mu.RLock()
	keys := m.keys[roleKey(role)]
	m.mu.RUnlock()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyUnavailable, role)
	}

	version := payloadVersion(payload)
	sigs := make([]domain.Signature, 0, len(keys))
	for _, priv := range keys {
		pub := priv.Public().(ed25519.PublicKey)
		key, err := metadata.NewEd25519Key(pub)
		if err != nil {
			return nil, err
		}
		sig := ed25519.Sign(priv, payload)
		sigs = append(sigs, domain.Signature{
			KeyID: key.ID,
			Sig:   hex.EncodeToString(sig),
		})
		log.WithFields(log.Fields{
			"role":    role,
			"keyid":   key.ID,
			"version": version,
		}).Info("signed metadata payload")
	}
	return sigs, nil
}

// Rotate replaces the online key set for a role. The previous private key
// material is dropped on the spot, not archived.
func (m *Manager) Rotate(_ context.Context, role string, seeds []string) error {
	if len(seeds) == 0 {
		return fmt.Errorf("%w: rotate requires at least one key", domain.ErrInvalidMutation)
	}
	if err := m.bind(role, seeds); err != nil {
		return err
	}
	log.WithField("role", role).Info("rotated online keys")
	return nil
}

// Fork copies the current key set into a new manager. Rotations staged on
// the copy leave the original untouched.
func (m *Manager) Fork() domain.KeyManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make(map[string][]ed25519.PrivateKey, len(m.keys))
	for role, ks := range m.keys {
		keys[role] = append([]ed25519.PrivateKey(nil), ks...)
	}
	return &Manager{keys: keys}
}

func (m *Manager) PublicKeys(role string) []domain.Key {
	m.mu.RLock()
	keys := m.keys[roleKey(role)]
	m.mu.RUnlock()

	out := make([]domain.Key, 0, len(keys))
	for _, priv := range keys {
		key, err := metadata.NewEd25519Key(priv.Public().(ed25519.PublicKey))
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out
}

// All bin roles share the bins key set.
func roleKey(role string) string {
	if domain.IsBinRole(role) {
		return "bins"
	}
	return role
}

func payloadVersion(payload []byte) int64 {
	var h struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(payload, &h); err != nil {
		return 0
	}
	return h.Version
}

var _ domain.KeyManager = (*Manager)(nil)
