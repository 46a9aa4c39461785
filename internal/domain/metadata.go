package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const SpecVersion = "1.0.31"

type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"` // hex
}

// Envelope is a signed metadata document as it appears on the wire and in the
// version history: the raw signed payload plus the signatures over its
// canonical form. The payload stays raw so that byte-for-byte canonical
// verification never depends on Go struct round-trips.
type Envelope struct {
	Signatures []Signature     `json:"signatures"`
	Signed     json.RawMessage `json:"signed"`
}

// Header is the part every role payload shares.
type Header struct {
	Type        string    `json:"_type"`
	SpecVersion string    `json:"spec_version"`
	Version     int64     `json:"version"`
	Expires     time.Time `json:"expires"`
}

func (e Envelope) Header() (Header, error) {
	var h Header
	if err := json.Unmarshal(e.Signed, &h); err != nil {
		return Header{}, fmt.Errorf("decode metadata header: %w", err)
	}
	return h, nil
}

func (e Envelope) Version() int64 {
	h, err := e.Header()
	if err != nil {
		return 0
	}
	return h.Version
}

type KeyVal struct {
	Public string `json:"public"`
}

type RootKey struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme"`
	KeyVal  KeyVal `json:"keyval"`
}

type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

type RootPayload struct {
	Header
	ConsistentSnapshot bool                `json:"consistent_snapshot"`
	Keys               map[string]RootKey  `json:"keys"`
	Roles              map[string]RoleKeys `json:"roles"`
}

type TargetInfo struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

type DelegatedRole struct {
	Name             string   `json:"name"`
	KeyIDs           []string `json:"keyids"`
	Threshold        int      `json:"threshold"`
	Terminating      bool     `json:"terminating"`
	PathHashPrefixes []string `json:"path_hash_prefixes,omitempty"`
	Paths            []string `json:"paths,omitempty"`
}

type Delegations struct {
	Keys  map[string]RootKey `json:"keys"`
	Roles []DelegatedRole    `json:"roles"`
}

type TargetsPayload struct {
	Header
	Targets     map[string]TargetInfo `json:"targets"`
	Delegations *Delegations          `json:"delegations,omitempty"`
}

type SnapshotMeta struct {
	Version int64 `json:"version"`
}

type SnapshotPayload struct {
	Header
	Meta map[string]SnapshotMeta `json:"meta"`
}

type TimestampMeta struct {
	Version int64             `json:"version"`
	Length  int64             `json:"length"`
	Hashes  map[string]string `json:"hashes"`
}

type TimestampPayload struct {
	Header
	Meta map[string]TimestampMeta `json:"meta"`
}

// NewHeader builds the common payload header for a role document. Expiries
// are second precision UTC so the canonical encoding is stable.
func NewHeader(docType string, version int64, expires time.Time) Header {
	return Header{
		Type:        docType,
		SpecVersion: SpecVersion,
		Version:     version,
		Expires:     expires.UTC().Truncate(time.Second),
	}
}

// MetaName is the filename a role uses inside snapshot/timestamp meta maps.
func MetaName(role string) string {
	return role + ".json"
}

// CommittedDocument is one signed document entering the version history: the
// exact encoded bytes that will be published, plus their digest.
type CommittedDocument struct {
	Role    string
	Version int64
	Encoded []byte
	Hash    string
	Length  int64
}
