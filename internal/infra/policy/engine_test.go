package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pathPolicy = `package tufd.policy

import rego.v1

default result := {"allow": false, "deny": [{"code": "NO_RULE", "message": "no rule matched"}]}

result := {"allow": true, "deny": []} if {
	every path in input.paths {
		startswith(path, "pkg/")
	}
}
`

const networkPolicy = `package tufd.policy

import rego.v1

result := {"allow": true, "deny": []} if {
	resp := http.send({"method": "get", "url": "https://example.com"})
	resp.status_code == 200
}
`

func writeBundle(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(source), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return dir
}

func TestEvaluateAllows(t *testing.T) {
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, pathPolicy))
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	result, err := engine.Evaluate(context.Background(), Input{
		Action: "add-targets",
		Paths:  []string{"pkg/a.tar.gz", "pkg/b.tar.gz"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allow || len(result.Deny) != 0 {
		t.Fatalf("expected allow, got %+v", result)
	}
}

func TestEvaluateDeniesWithReasons(t *testing.T) {
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, pathPolicy))
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	result, err := engine.Evaluate(context.Background(), Input{
		Action: "add-targets",
		Paths:  []string{"../etc/passwd"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allow {
		t.Fatalf("expected deny, got %+v", result)
	}
	if len(result.Deny) != 1 || result.Deny[0].Code != "NO_RULE" {
		t.Fatalf("expected deny reasons, got %+v", result.Deny)
	}
}

func TestRejectsNetworkBuiltins(t *testing.T) {
	_, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, networkPolicy))
	if err == nil {
		t.Fatal("expected bundle with http.send to be rejected")
	}
	if !strings.Contains(err.Error(), "http.send") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequiresBundlePath(t *testing.T) {
	if _, err := NewEngineFromBundlePath(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty bundle path")
	}
}
