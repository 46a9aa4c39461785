package domain

import "context"

// KeyManager signs role payloads with online-held keys. Private key material
// never crosses the Sign call boundary; offline-keyed roles are not signable
// here and surface ErrKeyUnavailable.
type KeyManager interface {
	// Sign produces one signature per online key bound to the role.
	Sign(ctx context.Context, role string, payload []byte) ([]Signature, error)
	// Rotate replaces the online key set for a role. Old material is
	// discarded immediately.
	Rotate(ctx context.Context, role string, seeds []string) error
	// PublicKeys lists the public halves currently held for a role.
	PublicKeys(role string) []Key
	// Fork returns an independent copy of the manager. Rotating the copy
	// never touches the original.
	Fork() KeyManager
}
