package publisher

import (
	"context"
	"fmt"

	"tufd/internal/domain"
	"tufd/internal/metadata"

	log "github.com/sirupsen/logrus"
)

// Publisher makes a committed version set visible through the object store
// with consistent-snapshot discipline: every versioned file is fully written
// before the timestamp that references the set becomes visible. Versioned
// filenames mean existing files are never rewritten, so readers mid-download
// are never torn.
type Publisher struct {
	store domain.ObjectStore
}

func New(store domain.ObjectStore) *Publisher {
	return &Publisher{store: store}
}

func (p *Publisher) Publish(ctx context.Context, set domain.VersionSet) error {
	var timestamp *domain.PublishedDocument
	for i := range set.Documents {
		doc := set.Documents[i]
		if doc.Role == domain.RoleTimestamp {
			timestamp = &set.Documents[i]
			continue
		}
		if err := p.write(ctx, objectPath(doc), doc); err != nil {
			return err
		}
	}
	if timestamp != nil {
		// Written last and under a stable name: flipping this file is
		// what makes the new version set current.
		if err := p.write(ctx, "timestamp.json", *timestamp); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) write(ctx context.Context, path string, doc domain.PublishedDocument) error {
	encoded, err := metadata.Encode(doc.Envelope)
	if err != nil {
		return fmt.Errorf("encode %s v%d: %w", doc.Role, doc.Version, err)
	}
	if err := p.store.Put(ctx, path, encoded); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"role":    doc.Role,
		"version": doc.Version,
		"path":    path,
	}).Debug("published metadata file")
	return nil
}

func objectPath(doc domain.PublishedDocument) string {
	return fmt.Sprintf("%d.%s.json", doc.Version, doc.Role)
}

var _ domain.Publisher = (*Publisher)(nil)
