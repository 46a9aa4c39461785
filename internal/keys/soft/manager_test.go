package soft

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"tufd/internal/config"
	"tufd/internal/domain"
	"tufd/internal/metadata"
)

func configWithSeeds(t *testing.T) config.Config {
	t.Helper()
	return config.Config{SnapshotKeySeedHex: seedHex(t)}
}

func seedHex(t *testing.T) string {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("read seed: %v", err)
	}
	return hex.EncodeToString(seed)
}

func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	if err := m.Rotate(ctx, domain.RoleSnapshot, []string{seedHex(t)}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	payload := []byte(`{"_type":"snapshot","version":3}`)
	sigs, err := m.Sign(ctx, domain.RoleSnapshot, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected one signature, got %d", len(sigs))
	}

	keys := m.PublicKeys(domain.RoleSnapshot)
	if len(keys) != 1 || keys[0].ID != sigs[0].KeyID {
		t.Fatalf("key id mismatch: %v vs %v", keys, sigs)
	}
	if err := metadata.VerifySignature(metadata.RootKeyRecord(keys[0]), payload, sigs[0]); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestSignUnboundRole(t *testing.T) {
	m := NewManager()
	if _, err := m.Sign(context.Background(), domain.RoleTargets, []byte("{}")); !errors.Is(err, domain.ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestRotateDropsOldKey(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	if err := m.Rotate(ctx, domain.RoleTimestamp, []string{seedHex(t)}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	oldID := m.PublicKeys(domain.RoleTimestamp)[0].ID

	if err := m.Rotate(ctx, domain.RoleTimestamp, []string{seedHex(t)}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	keys := m.PublicKeys(domain.RoleTimestamp)
	if len(keys) != 1 {
		t.Fatalf("expected one key after rotation, got %d", len(keys))
	}
	if keys[0].ID == oldID {
		t.Fatal("rotation must replace the key")
	}
}

func TestForkIsIndependent(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	if err := m.Rotate(ctx, domain.RoleSnapshot, []string{seedHex(t)}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	originalID := m.PublicKeys(domain.RoleSnapshot)[0].ID

	fork := m.Fork()
	if keys := fork.PublicKeys(domain.RoleSnapshot); len(keys) != 1 || keys[0].ID != originalID {
		t.Fatalf("fork must start with the same key set: %v", keys)
	}

	if err := fork.Rotate(ctx, domain.RoleSnapshot, []string{seedHex(t)}); err != nil {
		t.Fatalf("rotate fork: %v", err)
	}
	if got := m.PublicKeys(domain.RoleSnapshot)[0].ID; got != originalID {
		t.Fatal("rotating the fork must not touch the original")
	}
	if got := fork.PublicKeys(domain.RoleSnapshot)[0].ID; got == originalID {
		t.Fatal("fork rotation did not take")
	}
}

func TestRotateRequiresSeeds(t *testing.T) {
	m := NewManager()
	if err := m.Rotate(context.Background(), domain.RoleTargets, nil); !errors.Is(err, domain.ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}
}

func TestBinRolesShareKeySet(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	if err := m.Rotate(ctx, "bins", []string{seedHex(t)}); err != nil {
		t.Fatalf("bind bins: %v", err)
	}

	a := m.PublicKeys(domain.BinRole(0))
	b := m.PublicKeys(domain.BinRole(7))
	if len(a) != 1 || len(b) != 1 || a[0].ID != b[0].ID {
		t.Fatalf("bin roles must share the bins key: %v vs %v", a, b)
	}
	if _, err := m.Sign(ctx, domain.BinRole(3), []byte("{}")); err != nil {
		t.Fatalf("sign with bin role: %v", err)
	}
}

func TestManagerFromConfigBindsConfiguredRoles(t *testing.T) {
	cfg := configWithSeeds(t)
	m, err := NewManagerFromConfig(cfg)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if len(m.PublicKeys(domain.RoleSnapshot)) != 1 {
		t.Fatal("snapshot key not bound")
	}
	if len(m.PublicKeys(domain.RoleTargets)) != 0 {
		t.Fatal("targets must stay unbound without a seed")
	}
}
