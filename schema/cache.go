package schema

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const compositionBucket = "schema_composition"

// DiskCache persists composed rule sets across process restarts, keyed by
// recordType and generation, using the same bucket/JSON put-get shape as
// a bbolt-backed key-value store, applied to compiled schema bundles
// instead of arbitrary records.
type DiskCache struct {
	db *bolt.DB
}

// OpenDiskCache opens (or creates) a bbolt database at path for schema
// composition caching.
func OpenDiskCache(path string) (*DiskCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open schema cache at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(compositionBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create composition bucket: %w", err)
	}
	return &DiskCache{db: db}, nil
}

// Close closes the underlying bbolt database.
func (c *DiskCache) Close() error { return c.db.Close() }

func diskKey(recordType string, gen int64) []byte {
	return []byte(fmt.Sprintf("%s@%d", recordType, gen))
}

func (c *DiskCache) load(recordType string, gen int64) ([]FieldRule, bool) {
	var rules []FieldRule
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(compositionBucket))
		data := b.Get(diskKey(recordType, gen))
		if data == nil {
			return fmt.Errorf("not found")
		}
		return json.Unmarshal(data, &rules)
	})
	if err != nil {
		return nil, false
	}
	return rules, true
}

func (c *DiskCache) store(recordType string, gen int64, rules []FieldRule) {
	data, err := json.Marshal(rules)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(compositionBucket))
		return b.Put(diskKey(recordType, gen), data)
	})
}

// WithDiskCache attaches a persistent composition cache to v. Composition
// results already in the in-memory cache are unaffected; future cache
// misses check the disk cache before recomputing.
func (v *Validator) WithDiskCache(c *DiskCache) *Validator {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disk = c
	return v
}
