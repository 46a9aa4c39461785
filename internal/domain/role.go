package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	RoleRoot      = "root"
	RoleTargets   = "targets"
	RoleSnapshot  = "snapshot"
	RoleTimestamp = "timestamp"

	binRolePrefix = "bins-"
)

// TopRoles in the order root metadata lists them.
var TopRoles = []string{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}

func BinRole(index int) string {
	return fmt.Sprintf("%s%d", binRolePrefix, index)
}

func IsBinRole(name string) bool {
	return strings.HasPrefix(name, binRolePrefix)
}

// Key is public key material bound to one or more roles. Private halves of
// online keys live only inside the key manager; offline keys never enter the
// service at all.
type Key struct {
	ID     string `json:"keyid"`
	Type   string `json:"keytype"`
	Scheme string `json:"scheme"`
	Public string `json:"public"` // hex
}

// RoleSettings is the operator-supplied configuration for one role, fixed at
// bootstrap and changed only by explicit rotate tasks.
type RoleSettings struct {
	ExpirationDays int  `json:"expiration"`
	Threshold      int  `json:"threshold"`
	Offline        bool `json:"offline_keys"`
	NumberOfBins   int  `json:"number_of_bins,omitempty"`
}

func (s RoleSettings) Lifetime() time.Duration {
	days := s.ExpirationDays
	if days <= 0 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// RepositorySettings is persisted at bootstrap and consulted by every
// subsequent task to recompute expiries and route targets into bins.
type RepositorySettings struct {
	Roles          map[string]RoleSettings `json:"roles"`
	TargetsBaseURL string                  `json:"targets_base_url,omitempty"`
}

func (s RepositorySettings) ForRole(name string) RoleSettings {
	if IsBinRole(name) {
		name = "bins"
	}
	if rs, ok := s.Roles[name]; ok {
		return rs
	}
	return RoleSettings{ExpirationDays: 1, Threshold: 1}
}

func (s RepositorySettings) NumberOfBins() int {
	return s.ForRole("bins").NumberOfBins
}

func (s RepositorySettings) Delegated() bool {
	return s.NumberOfBins() > 0
}

// VersionRef is the durable pointer the state store keeps per role: the
// latest committed version plus the content hash of its envelope.
type VersionRef struct {
	Role    string
	Version int64
	Hash    string
	Length  int64
}
