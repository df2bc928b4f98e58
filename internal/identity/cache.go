package identity

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var verifiedBucket = []byte("verified_identities")

type cacheEntry struct {
	Identity   Identity `json:"identity"`
	VerifiedAt int64    `json:"verifiedAt"` // Unix seconds
}

// Cache is a bbolt-backed cache of verified identities, keyed by the
// SHA-256 of the credential so raw credentials never hit disk.
type Cache struct {
	db  *bolt.DB
	ttl time.Duration
}

// OpenCache creates or opens the cache database at path. Entries older
// than ttl are treated as misses and removed by Sweep.
func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(verifiedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func credentialKey(credential string) []byte {
	sum := sha256.Sum256([]byte(credential))
	return sum[:]
}

// Lookup returns a cached identity for the credential if one exists
// and is within the TTL.
func (c *Cache) Lookup(credential string) (Identity, bool) {
	var entry cacheEntry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(verifiedBucket).Get(credentialKey(credential))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = time.Since(time.Unix(entry.VerifiedAt, 0)) <= c.ttl
		return nil
	})
	if !found {
		return Identity{}, false
	}
	return entry.Identity, true
}

// Store caches a verified identity for the credential.
func (c *Cache) Store(credential string, id Identity) error {
	data, err := json.Marshal(cacheEntry{Identity: id, VerifiedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(verifiedBucket).Put(credentialKey(credential), data)
	})
}

// Sweep removes entries older than the TTL. Call once on startup to
// clean up stale entries.
func (c *Cache) Sweep() {
	cutoff := time.Now().Add(-c.ttl).Unix()
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(verifiedBucket)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Malformed entry - delete it.
				toDelete = append(toDelete, append([]byte{}, k...))
				return nil
			}
			if entry.VerifiedAt <= cutoff {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		for _, k := range toDelete {
			_ = b.Delete(k)
		}
		return nil
	})
}
