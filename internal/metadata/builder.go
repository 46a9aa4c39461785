package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"tufd/internal/domain"
)

// Builder constructs candidate next-version payloads. It is side-effect free:
// builders read previous payloads and produce new ones, versioned one past
// the previous and with expiry recomputed from the configured role lifetime.
type Builder struct {
	Settings domain.RepositorySettings
	Now      func() time.Time
}

func NewBuilder(settings domain.RepositorySettings, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{Settings: settings, Now: now}
}

func (b *Builder) Expiry(role string) time.Time {
	return b.Now().UTC().Add(b.Settings.ForRole(role).Lifetime()).Truncate(time.Second)
}

// Wrap marshals a payload into an unsigned envelope.
func Wrap(payload any) (domain.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return domain.Envelope{Signatures: []domain.Signature{}, Signed: raw}, nil
}

// Encode renders an envelope to the exact bytes that are persisted and
// published. Hashes in timestamp meta and in the state store are computed
// over this encoding, so it must be used everywhere a document leaves memory.
func Encode(env domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Digest returns the sha256 hex and length of an encoded document.
func Digest(encoded []byte) (string, int64) {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), int64(len(encoded))
}

// NextTargets produces the successor of a targets or bin payload. A nil
// previous payload starts the role at version 1 with no entries.
func (b *Builder) NextTargets(role string, prev *domain.TargetsPayload) domain.TargetsPayload {
	next := domain.TargetsPayload{
		Header:  domain.NewHeader(domain.RoleTargets, 1, b.Expiry(role)),
		Targets: map[string]domain.TargetInfo{},
	}
	if prev != nil {
		next.Header.Version = prev.Version + 1
		for path, info := range prev.Targets {
			next.Targets[path] = info
		}
		next.Delegations = prev.Delegations
	}
	return next
}

// AddTargets merges target files into a payload, replacing entries that
// already exist at the same path.
func AddTargets(payload *domain.TargetsPayload, files []domain.TargetFile) error {
	for _, f := range files {
		if f.Path == "" {
			return fmt.Errorf("%w: target path is required", domain.ErrInvalidMutation)
		}
		if f.Info.Length < 0 {
			return fmt.Errorf("%w: negative length for %s", domain.ErrInvalidMutation, f.Path)
		}
		if len(f.Info.Hashes) == 0 {
			return fmt.Errorf("%w: no hashes for %s", domain.ErrInvalidMutation, f.Path)
		}
		payload.Targets[f.Path] = f.Info
	}
	return nil
}

// RemoveTargets drops paths from a payload. Removing a path that does not
// exist is a no-op, not an error. It reports how many entries were removed.
func RemoveTargets(payload *domain.TargetsPayload, paths []string) int {
	removed := 0
	for _, p := range paths {
		if _, ok := payload.Targets[p]; ok {
			delete(payload.Targets, p)
			removed++
		}
	}
	return removed
}

// NextSnapshot produces the successor snapshot, carrying the previous meta
// forward and overriding entries for roles changed in this update.
func (b *Builder) NextSnapshot(prev *domain.SnapshotPayload, changed map[string]int64) domain.SnapshotPayload {
	next := domain.SnapshotPayload{
		Header: domain.NewHeader(domain.RoleSnapshot, 1, b.Expiry(domain.RoleSnapshot)),
		Meta:   map[string]domain.SnapshotMeta{},
	}
	if prev != nil {
		next.Header.Version = prev.Version + 1
		for name, meta := range prev.Meta {
			next.Meta[name] = meta
		}
	}
	for role, version := range changed {
		next.Meta[domain.MetaName(role)] = domain.SnapshotMeta{Version: version}
	}
	return next
}

// NextTimestamp produces the successor timestamp referencing the encoded
// snapshot document exactly as it will be persisted and published.
func (b *Builder) NextTimestamp(prevVersion int64, snapshotVersion int64, snapshotEncoded []byte) domain.TimestampPayload {
	hash, length := Digest(snapshotEncoded)
	return domain.TimestampPayload{
		Header: domain.NewHeader(domain.RoleTimestamp, prevVersion+1, b.Expiry(domain.RoleTimestamp)),
		Meta: map[string]domain.TimestampMeta{
			domain.MetaName(domain.RoleSnapshot): {
				Version: snapshotVersion,
				Length:  length,
				Hashes:  map[string]string{"sha256": hash},
			},
		},
	}
}
