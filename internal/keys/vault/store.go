package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tufd/internal/config"
	"tufd/internal/domain"
	"tufd/internal/infra/vaultclient"
)

// Store reads online key seeds provisioned by the offline key ceremony.
// Rotation events arrive as explicit rotate tasks; the store is never polled.
type Store struct {
	client *vaultclient.Client
	env    string
}

type keyPayload struct {
	SeedHex string `json:"seed_hex"`
	KID     string `json:"kid,omitempty"`
}

func NewStore(client *vaultclient.Client, env string) (*Store, error) {
	if env == "" {
		return nil, errors.New("TUFD_ENV is required")
	}
	return &Store{client: client, env: env}, nil
}

func NewStoreFromConfig(cfg config.Config) (*Store, error) {
	if cfg.VaultAddr == "" || cfg.VaultToken == "" {
		return nil, errors.New("VAULT_ADDR and VAULT_TOKEN are required")
	}
	return NewStore(vaultclient.New(cfg.VaultAddr, cfg.VaultToken), cfg.TufdEnv)
}

// Seed fetches the online seed for one role. Bin roles share the bins seed.
func (s *Store) Seed(ctx context.Context, role string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("vault store not configured")
	}
	path, err := s.path(role)
	if err != nil {
		return "", err
	}
	var payload keyPayload
	if err := s.client.ReadKV(ctx, path, &payload); err != nil {
		return "", fmt.Errorf("read online key for %s: %w", role, err)
	}
	if payload.SeedHex == "" {
		return "", fmt.Errorf("%w: empty seed for %s", domain.ErrKeyUnavailable, role)
	}
	return payload.SeedHex, nil
}

// SaveSeed persists a rotated online seed so that peer workers and restarts
// pick up the new material instead of reverting to startup keys.
func (s *Store) SaveSeed(ctx context.Context, role, seedHex string) error {
	if s == nil || s.client == nil {
		return errors.New("vault store not configured")
	}
	if seedHex == "" {
		return fmt.Errorf("empty seed for %s", role)
	}
	path, err := s.path(role)
	if err != nil {
		return err
	}
	if err := s.client.WriteKV(ctx, path, keyPayload{SeedHex: seedHex}); err != nil {
		return fmt.Errorf("write online key for %s: %w", role, err)
	}
	return nil
}

// Bind loads every online role that has a seed in Vault into the manager.
// Missing roles are skipped; those roles simply stay unbound.
func (s *Store) Bind(ctx context.Context, manager domain.KeyManager, roles []string) error {
	for _, role := range roles {
		seed, err := s.Seed(ctx, role)
		if err != nil {
			if errors.Is(err, domain.ErrKeyUnavailable) {
				continue
			}
			return err
		}
		if err := manager.Rotate(ctx, role, []string{seed}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) path(role string) (string, error) {
	if role == "" {
		return "", errors.New("role is required")
	}
	if domain.IsBinRole(role) {
		role = "bins"
	}
	if strings.ContainsAny(role, "/ ") {
		return "", fmt.Errorf("invalid role name %q", role)
	}
	return fmt.Sprintf("secret/data/tufd/%s/online-keys/%s", s.env, role), nil
}
