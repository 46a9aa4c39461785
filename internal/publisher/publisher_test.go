package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"tufd/internal/domain"
)

type recordingStore struct {
	mu    sync.Mutex
	order []string
	data  map[string][]byte
	fail  map[string]bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: map[string][]byte{}, fail: map[string]bool{}}
}

func (s *recordingStore) Put(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[path] {
		return fmt.Errorf("%w: injected for %s", domain.ErrPublishIO, path)
	}
	s.order = append(s.order, path)
	s.data[path] = append([]byte(nil), data...)
	return nil
}

func (s *recordingStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return data, nil
}

func doc(role string, version int64) domain.PublishedDocument {
	signed, _ := json.Marshal(map[string]any{"_type": role, "version": version})
	return domain.PublishedDocument{
		Role:    role,
		Version: version,
		Envelope: domain.Envelope{
			Signatures: []domain.Signature{{KeyID: "k", Sig: "00"}},
			Signed:     signed,
		},
	}
}

func TestPublishWritesTimestampLast(t *testing.T) {
	store := newRecordingStore()
	p := New(store)

	set := domain.VersionSet{Documents: []domain.PublishedDocument{
		doc(domain.RoleTimestamp, 2), // out of order on purpose
		doc(domain.RoleTargets, 2),
		doc(domain.RoleSnapshot, 2),
	}}
	if err := p.Publish(context.Background(), set); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(store.order) != 3 {
		t.Fatalf("expected 3 writes, got %v", store.order)
	}
	if store.order[len(store.order)-1] != "timestamp.json" {
		t.Fatalf("timestamp must be written last, order %v", store.order)
	}
	for _, want := range []string{"2.targets.json", "2.snapshot.json"} {
		if _, ok := store.data[want]; !ok {
			t.Fatalf("missing versioned file %s, wrote %v", want, store.order)
		}
	}
}

func TestPublishStopsBeforeTimestampOnFailure(t *testing.T) {
	store := newRecordingStore()
	store.fail["2.snapshot.json"] = true
	p := New(store)

	set := domain.VersionSet{Documents: []domain.PublishedDocument{
		doc(domain.RoleTargets, 2),
		doc(domain.RoleSnapshot, 2),
		doc(domain.RoleTimestamp, 2),
	}}
	err := p.Publish(context.Background(), set)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if _, ok := store.data["timestamp.json"]; ok {
		t.Fatal("timestamp must not flip when a versioned write failed")
	}
}

func TestPublishedBytesRoundTrip(t *testing.T) {
	store := newRecordingStore()
	p := New(store)

	set := domain.VersionSet{Documents: []domain.PublishedDocument{doc(domain.RoleTimestamp, 1)}}
	if err := p.Publish(context.Background(), set); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := store.Get(context.Background(), "timestamp.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("published file is not an envelope: %v", err)
	}
	if len(env.Signatures) != 1 {
		t.Fatalf("signatures lost in publication: %+v", env)
	}
}
