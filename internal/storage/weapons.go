package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

const weaponShards = 16

// WeaponCache maps weapon names to IDs for the life of the process.
// Entries are only ever added; a weapon name always maps to the same row.
type WeaponCache struct {
	shards [weaponShards]weaponShard
}

type weaponShard struct {
	mu  sync.RWMutex
	ids map[string]int64
}

// NewWeaponCache creates an empty cache
func NewWeaponCache() *WeaponCache {
	c := &WeaponCache{}
	for i := range c.shards {
		c.shards[i].ids = make(map[string]int64)
	}
	return c
}

func (c *WeaponCache) shard(name string) *weaponShard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &c.shards[h.Sum32()%weaponShards]
}

// Get returns the cached ID for name
func (c *WeaponCache) Get(name string) (int64, bool) {
	sh := c.shard(name)
	sh.mu.RLock()
	id, ok := sh.ids[name]
	sh.mu.RUnlock()
	return id, ok
}

// Put records the ID for name
func (c *WeaponCache) Put(name string, id int64) {
	sh := c.shard(name)
	sh.mu.Lock()
	sh.ids[name] = id
	sh.mu.Unlock()
}

// Len returns the number of cached weapons
func (c *WeaponCache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.ids)
		sh.mu.RUnlock()
	}
	return n
}

// LoadWeapons fills the cache with every known weapon
func (s *Store) LoadWeapons(ctx context.Context) error {
	rows, err := s.query(ctx, `SELECT id, name FROM weapons`)
	if err != nil {
		return fmt.Errorf("loading weapons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scanning weapon: %w", err)
		}
		s.weapons.Put(name, id)
	}
	return rows.Err()
}

// WeaponID resolves a weapon name to its ID, creating the dictionary entry on
// first sighting. An empty name yields nil. New IDs reach the cache only once
// the transaction commits, so a rollback never leaves a dangling cache entry.
func (t *Tx) WeaponID(ctx context.Context, name string) (*int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "null") {
		return nil, nil
	}

	cache := t.store.weapons
	if id, ok := cache.Get(name); ok {
		return &id, nil
	}

	// Concurrent creators of the same name converge on one row
	if _, err := t.exec(ctx, `INSERT INTO weapons (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return nil, fmt.Errorf("creating weapon %q: %w", name, err)
	}

	var id int64
	if err := t.queryRow(ctx, `SELECT id FROM weapons WHERE name = ?`, name).Scan(&id); err != nil {
		return nil, fmt.Errorf("looking up weapon %q: %w", name, err)
	}

	t.OnCommit(func() { cache.Put(name, id) })
	return &id, nil
}

// WeaponName returns the name for a weapon ID
func (s *Store) WeaponName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.queryRow(ctx, `SELECT name FROM weapons WHERE id = ?`, id).Scan(&name)
	return name, err
}
