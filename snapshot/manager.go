package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/embedix/blobstore"
	"github.com/hupe1980/embedix/codec"
	"github.com/hupe1980/embedix/pk"
	"github.com/hupe1980/embedix/resource"
	"github.com/hupe1980/embedix/vectorstore"
)

const (
	currentName    = "CURRENT"
	snapshotPrefix = "snapshots/"
)

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// Codec marshals the meta section. Defaults to codec.Default.
	Codec codec.Codec

	// Keep is the number of snapshots retained after a successful save.
	// Older ones are pruned. Zero means keep all.
	Keep int

	// Resources, when set, throttles snapshot I/O.
	Resources *resource.Controller

	Logger *slog.Logger
}

// Manager stores snapshots in a blob store and tracks the latest one
// behind a CURRENT pointer. Saves are crash-safe: the snapshot blob is
// written in full before the pointer moves, so a reader either sees the
// old snapshot or the new one.
type Manager struct {
	store blobstore.BlobStore
	codec codec.Codec
	keep  int
	rc    *resource.Controller
	log   *slog.Logger
}

// NewManager creates a snapshot manager on top of store.
func NewManager(store blobstore.BlobStore, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Codec:  codec.Default,
		Keep:   2,
		Logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		store: store,
		codec: opts.Codec,
		keep:  opts.Keep,
		rc:    opts.Resources,
		log:   opts.Logger,
	}
}

// Save writes a new snapshot and advances the CURRENT pointer to it.
// It returns the name of the snapshot blob.
func (m *Manager) Save(ctx context.Context, meta Meta, store *vectorstore.Store, pks *pk.MemoryIndex) (string, error) {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := Write(&buf, meta, store, pks, m.codec); err != nil {
		return "", err
	}

	if m.rc != nil {
		if err := m.rc.WaitIO(ctx, buf.Len()); err != nil {
			return "", err
		}
	}

	// Nanosecond timestamps keep lexical order equal to age order even
	// for back-to-back saves; the uuid guards against clock collisions.
	name := fmt.Sprintf("%s%s-%s.snap", snapshotPrefix, meta.CreatedAt.Format("20060102T150405.000000000Z"), uuid.NewString())

	if err := m.store.Put(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("snapshot: put %s: %w", name, err)
	}

	if err := m.store.Put(ctx, currentName, []byte(name)); err != nil {
		return "", fmt.Errorf("snapshot: update %s: %w", currentName, err)
	}

	m.log.Info("snapshot saved", slog.String("name", name), slog.Int("bytes", buf.Len()), slog.Uint64("lastSeq", meta.LastSeq))

	m.prune(ctx, name)

	return name, nil
}

// LoadLatest restores the snapshot named by the CURRENT pointer. The
// boolean result is false when no snapshot exists yet.
func (m *Manager) LoadLatest(ctx context.Context) (Meta, *vectorstore.Store, *pk.MemoryIndex, bool, error) {
	var meta Meta

	nameBytes, err := m.readBlob(ctx, currentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return meta, nil, nil, false, nil
		}
		return meta, nil, nil, false, fmt.Errorf("snapshot: read %s: %w", currentName, err)
	}

	name := strings.TrimSpace(string(nameBytes))

	data, err := m.readBlob(ctx, name)
	if err != nil {
		return meta, nil, nil, false, fmt.Errorf("snapshot: read %s: %w", name, err)
	}

	if m.rc != nil {
		if err := m.rc.WaitIO(ctx, len(data)); err != nil {
			return meta, nil, nil, false, err
		}
	}

	meta, store, pks, err := Read(data)
	if err != nil {
		return meta, nil, nil, false, err
	}

	m.log.Info("snapshot restored", slog.String("name", name), slog.Int("records", store.Count()), slog.Uint64("lastSeq", meta.LastSeq))

	return meta, store, pks, true, nil
}

func (m *Manager) readBlob(ctx context.Context, name string) ([]byte, error) {
	blob, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	return blobstore.ReadAll(blob)
}

// prune removes snapshots beyond the retention count. The just-written
// snapshot is never removed. Prune failures are logged, not returned;
// stale blobs are harmless.
func (m *Manager) prune(ctx context.Context, keepName string) {
	if m.keep <= 0 {
		return
	}

	names, err := m.store.List(ctx, snapshotPrefix)
	if err != nil {
		m.log.Warn("snapshot prune: list failed", slog.Any("error", err))
		return
	}

	// Names start with a UTC timestamp, so lexical order is age order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for i, name := range names {
		if i < m.keep || name == keepName {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			m.log.Warn("snapshot prune: delete failed", slog.String("name", name), slog.Any("error", err))
		}
	}
}
