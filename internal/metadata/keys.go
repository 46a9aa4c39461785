package metadata

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tufd/internal/domain"
)

const (
	KeyTypeEd25519 = "ed25519"
)

// ComputeKeyID derives a key identifier from public key material: the hex
// sha256 of the canonical key object. Identical key material always yields
// the identical id, no matter who computed it.
func ComputeKeyID(keyType, scheme, publicHex string) (string, error) {
	canonical, err := CanonicalizeValue(domain.RootKey{
		KeyType: keyType,
		Scheme:  scheme,
		KeyVal:  domain.KeyVal{Public: publicHex},
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NewEd25519Key builds the public Key record for raw ed25519 key material.
func NewEd25519Key(pub ed25519.PublicKey) (domain.Key, error) {
	if len(pub) != ed25519.PublicKeySize {
		return domain.Key{}, fmt.Errorf("invalid ed25519 public key length: %d", len(pub))
	}
	publicHex := hex.EncodeToString(pub)
	id, err := ComputeKeyID(KeyTypeEd25519, KeyTypeEd25519, publicHex)
	if err != nil {
		return domain.Key{}, err
	}
	return domain.Key{
		ID:     id,
		Type:   KeyTypeEd25519,
		Scheme: KeyTypeEd25519,
		Public: publicHex,
	}, nil
}

// VerifySignature checks one signature over the canonical payload against a
// root key record.
func VerifySignature(key domain.RootKey, canonical []byte, sig domain.Signature) error {
	if key.KeyType != KeyTypeEd25519 {
		return fmt.Errorf("unsupported key type: %s", key.KeyType)
	}
	pub, err := hex.DecodeString(key.KeyVal.Public)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length: %d", len(pub))
	}
	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid ed25519 signature length: %d", len(sigBytes))
	}
	if !ed25519.Verify(pub, canonical, sigBytes) {
		return fmt.Errorf("signature verification failed for key %s", sig.KeyID)
	}
	return nil
}

// RootKeyRecord converts a public Key into its root registry form.
func RootKeyRecord(key domain.Key) domain.RootKey {
	return domain.RootKey{
		KeyType: key.Type,
		Scheme:  key.Scheme,
		KeyVal:  domain.KeyVal{Public: key.Public},
	}
}
