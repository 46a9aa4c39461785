package metadata

import (
	"errors"
	"testing"
	"time"

	"tufd/internal/domain"
)

func testBuilder() *Builder {
	settings := domain.RepositorySettings{
		Roles: map[string]domain.RoleSettings{
			domain.RoleTargets:   {ExpirationDays: 30, Threshold: 1},
			domain.RoleSnapshot:  {ExpirationDays: 7, Threshold: 1},
			domain.RoleTimestamp: {ExpirationDays: 1, Threshold: 1},
			"bins":               {ExpirationDays: 30, Threshold: 1, NumberOfBins: 4},
		},
	}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return NewBuilder(settings, func() time.Time { return now })
}

func TestNextTargetsFirstVersion(t *testing.T) {
	b := testBuilder()
	payload := b.NextTargets(domain.RoleTargets, nil)
	if payload.Version != 1 {
		t.Fatalf("first version should be 1, got %d", payload.Version)
	}
	if len(payload.Targets) != 0 {
		t.Fatalf("first version should be empty, got %d entries", len(payload.Targets))
	}
	want := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if !payload.Expires.Equal(want) {
		t.Fatalf("expiry %v, want %v", payload.Expires, want)
	}
}

func TestNextTargetsCarriesState(t *testing.T) {
	b := testBuilder()
	prev := b.NextTargets(domain.RoleTargets, nil)
	prev.Targets["a.tar.gz"] = domain.TargetInfo{Length: 3, Hashes: map[string]string{"sha256": "aa"}}
	prev.Delegations = &domain.Delegations{Keys: map[string]domain.RootKey{}}

	next := b.NextTargets(domain.RoleTargets, &prev)
	if next.Version != 2 {
		t.Fatalf("version should advance to 2, got %d", next.Version)
	}
	if _, ok := next.Targets["a.tar.gz"]; !ok {
		t.Fatal("existing entries must carry forward")
	}
	if next.Delegations == nil {
		t.Fatal("delegations must carry forward")
	}
}

func TestAddTargetsValidation(t *testing.T) {
	b := testBuilder()
	payload := b.NextTargets(domain.RoleTargets, nil)

	cases := []domain.TargetFile{
		{Path: "", Info: domain.TargetInfo{Length: 1, Hashes: map[string]string{"sha256": "aa"}}},
		{Path: "x", Info: domain.TargetInfo{Length: -1, Hashes: map[string]string{"sha256": "aa"}}},
		{Path: "x", Info: domain.TargetInfo{Length: 1}},
	}
	for i, f := range cases {
		if err := AddTargets(&payload, []domain.TargetFile{f}); !errors.Is(err, domain.ErrInvalidMutation) {
			t.Fatalf("case %d: expected ErrInvalidMutation, got %v", i, err)
		}
	}
}

func TestAddTargetsReplacesExistingPath(t *testing.T) {
	b := testBuilder()
	payload := b.NextTargets(domain.RoleTargets, nil)
	first := domain.TargetFile{Path: "x", Info: domain.TargetInfo{Length: 1, Hashes: map[string]string{"sha256": "aa"}}}
	second := domain.TargetFile{Path: "x", Info: domain.TargetInfo{Length: 2, Hashes: map[string]string{"sha256": "bb"}}}
	if err := AddTargets(&payload, []domain.TargetFile{first, second}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := payload.Targets["x"].Length; got != 2 {
		t.Fatalf("later entry should win, length %d", got)
	}
}

func TestRemoveTargets(t *testing.T) {
	b := testBuilder()
	payload := b.NextTargets(domain.RoleTargets, nil)
	if err := AddTargets(&payload, []domain.TargetFile{
		{Path: "x", Info: domain.TargetInfo{Length: 1, Hashes: map[string]string{"sha256": "aa"}}},
		{Path: "y", Info: domain.TargetInfo{Length: 1, Hashes: map[string]string{"sha256": "bb"}}},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if removed := RemoveTargets(&payload, []string{"x", "missing"}); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := payload.Targets["x"]; ok {
		t.Fatal("x should be gone")
	}
	if _, ok := payload.Targets["y"]; !ok {
		t.Fatal("y should remain")
	}
	if removed := RemoveTargets(&payload, []string{"missing"}); removed != 0 {
		t.Fatalf("removing absent paths is a no-op, got %d", removed)
	}
}

func TestNextSnapshotCarriesAndOverrides(t *testing.T) {
	b := testBuilder()
	prev := b.NextSnapshot(nil, map[string]int64{
		domain.RoleTargets: 1,
		"bins-0":           1,
	})
	if prev.Version != 1 {
		t.Fatalf("first snapshot version %d", prev.Version)
	}

	next := b.NextSnapshot(&prev, map[string]int64{"bins-0": 2})
	if next.Version != 2 {
		t.Fatalf("snapshot version should advance, got %d", next.Version)
	}
	if got := next.Meta["targets.json"].Version; got != 1 {
		t.Fatalf("unchanged role must carry forward, got %d", got)
	}
	if got := next.Meta["bins-0.json"].Version; got != 2 {
		t.Fatalf("changed role must be overridden, got %d", got)
	}
}

func TestNextTimestampReferencesSnapshotBytes(t *testing.T) {
	b := testBuilder()
	encoded := []byte(`{"signatures":[],"signed":{"version":3}}`)
	payload := b.NextTimestamp(4, 3, encoded)
	if payload.Version != 5 {
		t.Fatalf("timestamp version should advance, got %d", payload.Version)
	}
	meta, ok := payload.Meta["snapshot.json"]
	if !ok {
		t.Fatal("timestamp must reference snapshot.json")
	}
	wantHash, wantLength := Digest(encoded)
	if meta.Version != 3 || meta.Length != wantLength || meta.Hashes["sha256"] != wantHash {
		t.Fatalf("unexpected snapshot meta: %+v", meta)
	}
}

func TestEncodeDigestStable(t *testing.T) {
	env, err := Wrap(map[string]any{"version": 1})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	first, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("encoding must be deterministic for the same envelope")
	}
	hashA, lengthA := Digest(first)
	hashB, lengthB := Digest(second)
	if hashA != hashB || lengthA != lengthB {
		t.Fatal("digest must be stable")
	}
}
