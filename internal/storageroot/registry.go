// Package storageroot resolves opaque root keys to writable storage
// locations. The backing table may be mutated by other processes or other
// in-process instances (a settings UI shares only the database with the
// engine), so every resolve reloads from the backing store first: a stale
// "not found" here is a correctness bug, not a performance concern.
package storageroot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"btcore/internal/domain"
)

const createRootsTable = `
CREATE TABLE IF NOT EXISTS storage_roots (
	key TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0
);
`

// Registry maintains the set of storage roots and the default root.
type Registry struct {
	db *sql.DB

	mu    sync.Mutex
	roots map[string]domain.StorageRoot

	// onAdded observers fire after a root lands in the backing store, so
	// sessions blocked on a missing root can retry resolution.
	obsMu   sync.Mutex
	onAdded []func(root domain.StorageRoot)
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:    db,
		roots: make(map[string]domain.StorageRoot),
	}
}

func (r *Registry) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRootsTable); err != nil {
		return fmt.Errorf("create storage_roots table: %w", err)
	}
	return r.Reload(ctx)
}

// SubscribeAdded registers an observer for newly added roots.
func (r *Registry) SubscribeAdded(fn func(root domain.StorageRoot)) {
	r.obsMu.Lock()
	r.onAdded = append(r.onAdded, fn)
	r.obsMu.Unlock()
}

// Add registers a root. An empty key gets a generated one; the returned root
// carries the final key. The first root ever added becomes the default.
func (r *Registry) Add(ctx context.Context, key, label, location string) (domain.StorageRoot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = uuid.NewString()
	}
	if strings.TrimSpace(location) == "" {
		return domain.StorageRoot{}, fmt.Errorf("storage root location is required")
	}

	if err := r.Reload(ctx); err != nil {
		return domain.StorageRoot{}, err
	}
	r.mu.Lock()
	_, exists := r.roots[key]
	makeDefault := len(r.roots) == 0
	r.mu.Unlock()
	if exists {
		return domain.StorageRoot{}, fmt.Errorf("%s: %w", key, domain.ErrDuplicateRoot)
	}

	isDefault := 0
	if makeDefault {
		isDefault = 1
	}
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO storage_roots (key, label, location, is_default) VALUES (?, ?, ?, ?)`,
		key, label, location, isDefault,
	); err != nil {
		return domain.StorageRoot{}, fmt.Errorf("insert storage root: %w", err)
	}

	root := domain.StorageRoot{Key: key, Label: label, Location: location, Default: makeDefault}
	r.mu.Lock()
	r.roots[key] = root
	r.mu.Unlock()

	r.obsMu.Lock()
	observers := append([]func(domain.StorageRoot){}, r.onAdded...)
	r.obsMu.Unlock()
	for _, fn := range observers {
		fn(root)
	}
	return root, nil
}

// Remove deletes a root. Removing the default leaves no default configured.
func (r *Registry) Remove(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM storage_roots WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete storage root: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage root rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", key, domain.ErrRootNotFound)
	}
	r.mu.Lock()
	delete(r.roots, key)
	r.mu.Unlock()
	return nil
}

// SetDefault marks key as the single default root in one transaction.
func (r *Registry) SetDefault(ctx context.Context, key string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set default: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE storage_roots SET is_default = 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("set default root: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("default root rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", key, domain.ErrRootNotFound)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE storage_roots SET is_default = 0 WHERE key != ?`, key); err != nil {
		return fmt.Errorf("clear previous default: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set default: %w", err)
	}
	return r.Reload(ctx)
}

// Resolve maps a key to its root, reloading from the backing store first so
// roots added by other instances are always visible.
func (r *Registry) Resolve(ctx context.Context, key string) (domain.StorageRoot, error) {
	if err := r.Reload(ctx); err != nil {
		return domain.StorageRoot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	root, ok := r.roots[key]
	if !ok {
		return domain.StorageRoot{}, fmt.Errorf("%s: %w", key, domain.ErrRootNotFound)
	}
	return root, nil
}

// Default returns the current default root, reloading first. "No root found"
// is never cached: the next call hits the backing store again.
func (r *Registry) Default(ctx context.Context) (domain.StorageRoot, error) {
	if err := r.Reload(ctx); err != nil {
		return domain.StorageRoot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, root := range r.roots {
		if root.Default {
			return root, nil
		}
	}
	return domain.StorageRoot{}, domain.ErrMissingStorageRoot
}

// List returns all roots ordered by key, reloading first.
func (r *Registry) List(ctx context.Context) ([]domain.StorageRoot, error) {
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, label, location, is_default FROM storage_roots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list storage roots: %w", err)
	}
	defer rows.Close()

	var roots []domain.StorageRoot
	for rows.Next() {
		root, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate storage roots: %w", err)
	}
	return roots, nil
}

// Reload refreshes the in-memory view from the backing store.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, label, location, is_default FROM storage_roots`)
	if err != nil {
		return fmt.Errorf("reload storage roots: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]domain.StorageRoot)
	for rows.Next() {
		root, err := scanRoot(rows)
		if err != nil {
			return err
		}
		fresh[root.Key] = root
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate storage roots: %w", err)
	}

	r.mu.Lock()
	r.roots = fresh
	r.mu.Unlock()
	return nil
}

func scanRoot(rows *sql.Rows) (domain.StorageRoot, error) {
	var (
		root      domain.StorageRoot
		isDefault int
	)
	if err := rows.Scan(&root.Key, &root.Label, &root.Location, &isDefault); err != nil {
		return domain.StorageRoot{}, fmt.Errorf("scan storage root: %w", err)
	}
	root.Default = isDefault == 1
	return root, nil
}
