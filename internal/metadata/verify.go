package metadata

import (
	"encoding/json"
	"fmt"

	"tufd/internal/domain"
)

// Verify checks an envelope against an authorized key set and threshold. It
// is a pure function: the result depends only on the document and the key set
// the caller resolved for the version the document claims to represent.
// It returns the distinct key ids whose signatures verified and whether the
// threshold is met.
func Verify(env domain.Envelope, authorized map[string]domain.RootKey, threshold int) ([]string, bool, error) {
	if threshold < 1 {
		return nil, false, fmt.Errorf("%w: threshold must be at least 1", domain.ErrInvalidMutation)
	}
	canonical, err := Canonicalize(env.Signed)
	if err != nil {
		return nil, false, err
	}

	seen := make(map[string]bool, len(env.Signatures))
	valid := make([]string, 0, len(env.Signatures))
	for _, sig := range env.Signatures {
		key, ok := authorized[sig.KeyID]
		if !ok || seen[sig.KeyID] {
			continue
		}
		if err := VerifySignature(key, canonical, sig); err != nil {
			continue
		}
		seen[sig.KeyID] = true
		valid = append(valid, sig.KeyID)
	}
	return valid, len(valid) >= threshold, nil
}

func DecodeRoot(env domain.Envelope) (domain.RootPayload, error) {
	var root domain.RootPayload
	if err := json.Unmarshal(env.Signed, &root); err != nil {
		return domain.RootPayload{}, fmt.Errorf("decode root payload: %w", err)
	}
	if root.Type != domain.RoleRoot {
		return domain.RootPayload{}, fmt.Errorf("expected root payload, got %q", root.Type)
	}
	return root, nil
}

func DecodeTargets(env domain.Envelope) (domain.TargetsPayload, error) {
	var targets domain.TargetsPayload
	if err := json.Unmarshal(env.Signed, &targets); err != nil {
		return domain.TargetsPayload{}, fmt.Errorf("decode targets payload: %w", err)
	}
	return targets, nil
}

func DecodeSnapshot(env domain.Envelope) (domain.SnapshotPayload, error) {
	var snapshot domain.SnapshotPayload
	if err := json.Unmarshal(env.Signed, &snapshot); err != nil {
		return domain.SnapshotPayload{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return snapshot, nil
}

func DecodeTimestamp(env domain.Envelope) (domain.TimestampPayload, error) {
	var ts domain.TimestampPayload
	if err := json.Unmarshal(env.Signed, &ts); err != nil {
		return domain.TimestampPayload{}, fmt.Errorf("decode timestamp payload: %w", err)
	}
	return ts, nil
}

// RoleKeys resolves the authorized key set and threshold for a top-level role
// from a trusted root payload.
func RoleKeys(root domain.RootPayload, role string) (map[string]domain.RootKey, int, error) {
	binding, ok := root.Roles[role]
	if !ok {
		return nil, 0, fmt.Errorf("%w: role %q not in root", domain.ErrNotFound, role)
	}
	keys := make(map[string]domain.RootKey, len(binding.KeyIDs))
	for _, id := range binding.KeyIDs {
		key, ok := root.Keys[id]
		if !ok {
			return nil, 0, fmt.Errorf("root references unknown key %s for role %s", id, role)
		}
		keys[id] = key
	}
	return keys, binding.Threshold, nil
}

// DelegatedRoleKeys resolves the key set and threshold for a hash bin role
// from its delegating targets payload.
func DelegatedRoleKeys(targets domain.TargetsPayload, role string) (map[string]domain.RootKey, int, error) {
	if targets.Delegations == nil {
		return nil, 0, fmt.Errorf("%w: targets has no delegations", domain.ErrNotFound)
	}
	for _, d := range targets.Delegations.Roles {
		if d.Name != role {
			continue
		}
		keys := make(map[string]domain.RootKey, len(d.KeyIDs))
		for _, id := range d.KeyIDs {
			key, ok := targets.Delegations.Keys[id]
			if !ok {
				return nil, 0, fmt.Errorf("delegation references unknown key %s for role %s", id, role)
			}
			keys[id] = key
		}
		return keys, d.Threshold, nil
	}
	return nil, 0, fmt.Errorf("%w: delegated role %q", domain.ErrNotFound, role)
}

// VerifyRootRotation enforces continuity of trust: a new root document must
// independently satisfy the previous root's threshold and its own. Failing
// either side rejects the rotation.
func VerifyRootRotation(oldRoot domain.RootPayload, newEnv domain.Envelope) error {
	newRoot, err := DecodeRoot(newEnv)
	if err != nil {
		return err
	}
	if newRoot.Version != oldRoot.Version+1 {
		return fmt.Errorf("%w: new root version %d, expected %d", domain.ErrRootRotation, newRoot.Version, oldRoot.Version+1)
	}

	oldKeys, oldThreshold, err := RoleKeys(oldRoot, domain.RoleRoot)
	if err != nil {
		return err
	}
	if _, ok, err := Verify(newEnv, oldKeys, oldThreshold); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: previous root threshold %d not met", domain.ErrRootRotation, oldThreshold)
	}

	newKeys, newThreshold, err := RoleKeys(newRoot, domain.RoleRoot)
	if err != nil {
		return err
	}
	if newThreshold > len(newKeys) {
		return fmt.Errorf("%w: threshold %d exceeds key count %d", domain.ErrInvalidMutation, newThreshold, len(newKeys))
	}
	if _, ok, err := Verify(newEnv, newKeys, newThreshold); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: new root threshold %d not met", domain.ErrRootRotation, newThreshold)
	}
	return nil
}

// VerifySelfSigned checks a root document against its own key bindings, used
// at bootstrap where there is no previous root.
func VerifySelfSigned(env domain.Envelope) (domain.RootPayload, error) {
	root, err := DecodeRoot(env)
	if err != nil {
		return domain.RootPayload{}, err
	}
	keys, threshold, err := RoleKeys(root, domain.RoleRoot)
	if err != nil {
		return domain.RootPayload{}, err
	}
	if threshold > len(keys) {
		return domain.RootPayload{}, fmt.Errorf("%w: threshold %d exceeds key count %d", domain.ErrInvalidMutation, threshold, len(keys))
	}
	if _, ok, err := Verify(env, keys, threshold); err != nil {
		return domain.RootPayload{}, err
	} else if !ok {
		return domain.RootPayload{}, fmt.Errorf("%w: root threshold %d not met", domain.ErrInsufficientSignatures, threshold)
	}
	return root, nil
}
