package embeddings

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var diskCacheBucket = []byte("embeddings")

// DiskCache is the optional second cache level: vectors keyed like the
// in-memory cache, persisted in a bbolt file so they survive restarts.
type DiskCache struct {
	db *bolt.DB
}

// OpenDiskCache opens or creates the cache file at path.
func OpenDiskCache(path string) (*DiskCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening disk cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(diskCacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &DiskCache{db: db}, nil
}

// Get returns the vector stored under key.
func (c *DiskCache) Get(key string) ([]float32, bool) {
	var vec []float32
	_ = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(diskCacheBucket).Get([]byte(key))
		if raw == nil || len(raw)%4 != 0 {
			return nil
		}
		// raw is only valid inside the transaction.
		vec = make([]float32, len(raw)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return nil
	})
	return vec, vec != nil
}

// Put stores vec under key.
func (c *DiskCache) Put(key string, vec []float32) error {
	raw := make([]byte, len(vec)*4)
	for i, x := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(x))
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(diskCacheBucket).Put([]byte(key), raw)
	})
}

// Len returns the number of cached vectors.
func (c *DiskCache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(diskCacheBucket).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the cache file.
func (c *DiskCache) Close() error {
	return c.db.Close()
}
