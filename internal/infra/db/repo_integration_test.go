//go:build integration
// +build integration

package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"tufd/internal/domain"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	lockTestDB(t, gdb)
	store := &Store{DB: gdb}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func lockTestDB(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	conn, err := sqlDB.Conn(context.Background())
	if err != nil {
		t.Fatalf("open db conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_lock(246813579)"); err != nil {
		_ = conn.Close()
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(246813579)")
		_ = conn.Close()
	})
}

func resetDB(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	if err := gdb.Exec(`
		TRUNCATE roles,
			metadata_versions,
			tasks,
			settings
		RESTART IDENTITY CASCADE`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func committedDoc(role string, version int64) domain.CommittedDocument {
	encoded := []byte(`{"signatures":[],"signed":{"_type":"` + role + `"}}`)
	return domain.CommittedDocument{
		Role:    role,
		Version: version,
		Encoded: encoded,
		Hash:    "deadbeef",
		Length:  int64(len(encoded)),
	}
}

func insertLeasedTask(t *testing.T, gdb *gorm.DB, id, owner string, expires time.Time) {
	t.Helper()
	if err := gdb.Create(&TaskModel{
		ID:           id,
		Type:         string(domain.TaskAddTargets),
		PayloadJSON:  []byte("{}"),
		Status:       string(domain.TaskProcessing),
		LeaseOwner:   owner,
		LeaseExpires: &expires,
		CreatedAt:    time.Now().UTC(),
	}).Error; err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

func TestRepositoryStore_CommitAndConflict(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	repo := NewRepositoryStore(gdb)
	ctx := context.Background()

	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 1)},
		map[string]int64{"targets": 0}, "", ""); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	ref, err := repo.ReadCurrent(ctx, "targets")
	if err != nil || ref.Version != 1 {
		t.Fatalf("read current: %+v %v", ref, err)
	}

	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 2)},
		map[string]int64{"targets": 1}, "", ""); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	// A stale base version must be rejected.
	err = repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 2)},
		map[string]int64{"targets": 1}, "", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Creating a role twice is a conflict too.
	err = repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 1)},
		map[string]int64{"targets": 0}, "", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate create, got %v", err)
	}

	// History keeps every committed version byte for byte.
	for version := int64(1); version <= 2; version++ {
		_, encoded, err := repo.LoadDocument(ctx, "targets", version)
		if err != nil {
			t.Fatalf("load v%d: %v", version, err)
		}
		if len(encoded) == 0 {
			t.Fatalf("empty document for v%d", version)
		}
	}
}

func TestRepositoryStore_CommitIsAtomic(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	repo := NewRepositoryStore(gdb)
	ctx := context.Background()

	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("snapshot", 1)},
		map[string]int64{"snapshot": 0}, "", ""); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	// targets is fine, snapshot is stale: nothing may land.
	err := repo.Commit(ctx, []domain.CommittedDocument{
		committedDoc("targets", 1),
		committedDoc("snapshot", 1),
	}, map[string]int64{"targets": 0, "snapshot": 0}, "", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := repo.ReadCurrent(ctx, "targets"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("partial commit leaked targets: %v", err)
	}
}

func TestRepositoryStore_CommitChecksLease(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	repo := NewRepositoryStore(gdb)
	ctx := context.Background()

	taskID := uuid.NewString()
	insertLeasedTask(t, gdb, taskID, "w1", time.Now().UTC().Add(time.Minute))

	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 1)},
		map[string]int64{"targets": 0}, taskID, "w1"); err != nil {
		t.Fatalf("commit with valid lease: %v", err)
	}

	stolen := uuid.NewString()
	insertLeasedTask(t, gdb, stolen, "w2", time.Now().UTC().Add(time.Minute))
	err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 2)},
		map[string]int64{"targets": 1}, stolen, "w1")
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign lease, got %v", err)
	}

	expired := uuid.NewString()
	insertLeasedTask(t, gdb, expired, "w1", time.Now().UTC().Add(-time.Minute))
	err = repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 2)},
		map[string]int64{"targets": 1}, expired, "w1")
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for expired lease, got %v", err)
	}
}

func TestTaskStore_LeaseLifecycle(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	id := uuid.NewString()
	if err := tasks.Create(ctx, domain.Task{ID: id, Type: domain.TaskAddTargets, Payload: []byte(`{"targets":[]}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tasks.Create(ctx, domain.Task{ID: id, Type: domain.TaskAddTargets}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate create: expected ErrConflict, got %v", err)
	}

	claimed, err := tasks.Claim(ctx, id, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.TaskProcessing || claimed.LeaseOwner != "w1" {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}

	if _, err := tasks.Claim(ctx, id, "w2", time.Minute); !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	// Only the lease holder may finish the task.
	if err := tasks.Complete(ctx, id, "w2", domain.TaskResult{}, false); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for wrong owner, got %v", err)
	}
	if err := tasks.Complete(ctx, id, "w1", domain.TaskResult{Versions: map[string]int64{"targets": 2}}, false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Claiming a terminal task hands it back unchanged.
	done, err := tasks.Claim(ctx, id, "w2", time.Minute)
	if err != nil {
		t.Fatalf("claim terminal: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Result == nil || done.Result.Versions["targets"] != 2 {
		t.Fatalf("unexpected terminal task: %+v", done)
	}
}

func TestTaskStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	id := uuid.NewString()
	insertLeasedTask(t, gdb, id, "dead-worker", time.Now().UTC().Add(-time.Hour))

	claimed, err := tasks.Claim(ctx, id, "w2", time.Minute)
	if err != nil {
		t.Fatalf("takeover claim: %v", err)
	}
	if claimed.LeaseOwner != "w2" {
		t.Fatalf("lease not taken over: %+v", claimed)
	}
}

func TestRepositoryStore_CommitBootstrapIsAtomicWithSettings(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	repo := NewRepositoryStore(gdb)
	settings := NewSettingsStore(gdb)
	ctx := context.Background()

	if _, err := settings.Load(ctx); !errors.Is(err, domain.ErrNotBootstrapped) {
		t.Fatalf("expected ErrNotBootstrapped, got %v", err)
	}

	want := domain.RepositorySettings{
		Roles: map[string]domain.RoleSettings{
			"targets": {ExpirationDays: 30, Threshold: 1},
		},
		TargetsBaseURL: "https://artifacts.example.com",
	}

	// A conflicting bootstrap commit must take the settings down with it.
	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("root", 1)},
		map[string]int64{"root": 0}, "", ""); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	err := repo.CommitBootstrap(ctx, []domain.CommittedDocument{committedDoc("root", 1)},
		map[string]int64{"root": 0}, want, "", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := settings.Load(ctx); !errors.Is(err, domain.ErrNotBootstrapped) {
		t.Fatalf("settings must not survive a failed bootstrap commit: %v", err)
	}

	resetDB(t, gdb)
	if err := repo.CommitBootstrap(ctx, []domain.CommittedDocument{committedDoc("root", 1)},
		map[string]int64{"root": 0}, want, "", ""); err != nil {
		t.Fatalf("bootstrap commit: %v", err)
	}
	ok, err := settings.Bootstrapped(ctx)
	if err != nil || !ok {
		t.Fatalf("expected bootstrapped: %v %v", ok, err)
	}
	got, err := settings.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TargetsBaseURL != want.TargetsBaseURL || got.Roles["targets"].ExpirationDays != 30 {
		t.Fatalf("settings mismatch: %+v", got)
	}
}

func TestRepositoryStore_ConcurrentCommitExactlyOneWins(t *testing.T) {
	gdb := setupTestDB(t)
	resetDB(t, gdb)
	repo := NewRepositoryStore(gdb)
	ctx := context.Background()

	if err := repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 1)},
		map[string]int64{"targets": 0}, "", ""); err != nil {
		t.Fatalf("seed targets: %v", err)
	}

	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			results <- repo.Commit(ctx, []domain.CommittedDocument{committedDoc("targets", 2)},
				map[string]int64{"targets": 1}, "", "")
		}()
	}
	close(start)

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected commit error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}
	ref, err := repo.ReadCurrent(ctx, "targets")
	if err != nil || ref.Version != 2 {
		t.Fatalf("targets not advanced exactly once: %+v %v", ref, err)
	}
}
