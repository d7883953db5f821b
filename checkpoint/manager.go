package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/splatgo/blobstore"
)

// Committer records which checkpoint is the latest committed one, so a
// restart can resume without listing the store. Satisfied by s3.Pointer.
type Committer interface {
	Commit(ctx context.Context, name string, iteration uint64) error
	Latest(ctx context.Context) (name string, iteration uint64, err error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Compression selects the body codec for new checkpoints. Restores
	// honor whatever codec the file was written with.
	Compression Compression
	// Committer, if set, is updated after every successful Save and
	// consulted first by LoadLatest.
	Committer Committer
}

// DefaultManagerOptions returns the default manager configuration.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Compression: CompressionZstd,
	}
}

// Manager saves and restores snapshots through a blobstore.
type Manager struct {
	store blobstore.Store
	opts  ManagerOptions
}

// NewManager creates a checkpoint manager over the given store.
func NewManager(store blobstore.Store, optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{store: store, opts: opts}
}

// Name returns the blob name used for the given iteration.
func Name(iteration uint64) string {
	return fmt.Sprintf("chkpnt%d.bin", iteration)
}

// Save encodes the snapshot, writes it under its iteration name and, if a
// committer is configured, commits the pointer. Returns the blob name.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := snap.Encode(&buf, m.opts.Compression); err != nil {
		return "", err
	}

	name := Name(snap.Iteration)
	if err := m.store.Put(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("store checkpoint %q: %w", name, err)
	}

	if m.opts.Committer != nil {
		if err := m.opts.Committer.Commit(ctx, name, snap.Iteration); err != nil {
			return "", fmt.Errorf("commit checkpoint %q: %w", name, err)
		}
	}

	return name, nil
}

// Load reads and decodes the named checkpoint.
func (m *Manager) Load(ctx context.Context, name string) (*Snapshot, error) {
	blob, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %q: %w", name, err)
	}
	defer blob.Close()

	data, err := blobstore.ReadAll(blob)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", name, err)
	}

	return Decode(bytes.NewReader(data))
}

// LoadLatest restores the most recent checkpoint: the committed one when a
// committer is configured, otherwise the highest-iteration name in the
// store. Returns blobstore.ErrNotFound when no checkpoint exists.
func (m *Manager) LoadLatest(ctx context.Context) (*Snapshot, error) {
	if m.opts.Committer != nil {
		name, _, err := m.opts.Committer.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve latest checkpoint: %w", err)
		}
		return m.Load(ctx, name)
	}

	names, err := m.store.List(ctx, "chkpnt")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	best, found := "", false
	var bestIter uint64
	for _, name := range names {
		iter, ok := parseName(name)
		if !ok {
			continue
		}
		if !found || iter > bestIter {
			best, bestIter, found = name, iter, true
		}
	}
	if !found {
		return nil, blobstore.ErrNotFound
	}

	return m.Load(ctx, best)
}

// Prune deletes all but the newest n checkpoints. The committed pointer,
// if any, always refers to the newest one and is never invalidated.
func (m *Manager) Prune(ctx context.Context, n int) error {
	if n < 1 {
		return errors.New("checkpoint: must retain at least one checkpoint")
	}

	names, err := m.store.List(ctx, "chkpnt")
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	type entry struct {
		name string
		iter uint64
	}
	var entries []entry
	for _, name := range names {
		if iter, ok := parseName(name); ok {
			entries = append(entries, entry{name, iter})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].iter > entries[j].iter })

	for _, e := range entries[min(n, len(entries)):] {
		if err := m.store.Delete(ctx, e.name); err != nil {
			return fmt.Errorf("delete checkpoint %q: %w", e.name, err)
		}
	}

	return nil
}

func parseName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, "chkpnt")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok {
		return 0, false
	}
	iter, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return iter, true
}
