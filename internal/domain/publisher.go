package domain

import "context"

// VersionSet is one consistent publication unit: every document committed by
// a single task, in the dependency order the publisher must respect.
type VersionSet struct {
	// Documents in write order. Timestamp, when present, is last.
	Documents []PublishedDocument
}

type PublishedDocument struct {
	Role     string
	Version  int64
	Envelope Envelope
}

// Publisher makes a committed version set visible to clients. No reader may
// ever observe a timestamp referencing a snapshot that is not fully written.
type Publisher interface {
	Publish(ctx context.Context, set VersionSet) error
}

// ObjectStore is the storage backend contract the publisher writes through.
// Put must be atomic at the path level: partial writes are never visible.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
}
