package embedding

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto"

	"github.com/2dots1line/cosmos/errors"
)

// Cache provides content-addressed caching for embeddings. Keys are hashes
// of the text content, so entities sharing identical text resolve to the
// same cached vector without a second embedder call.
type Cache interface {
	// Get retrieves a cached embedding; errors.ErrVectorNotFound on miss.
	Get(contentHash string) ([]float32, error)

	// Put stores an embedding under the given content hash.
	Put(contentHash string, vector []float32) error
}

// ContentHash returns the SHA-256 hex digest of text, the cache key used
// across the pipeline for content-addressed embedding storage.
func ContentHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// RistrettoCache is an in-process Cache on a ristretto store. Admission is
// probabilistic, so a Put is not guaranteed to be readable; callers treat
// every miss as a normal embedder call.
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates a cache bounded to roughly maxVectors entries
// of the given dimensionality.
func NewRistrettoCache(maxVectors, dimensions int) (*RistrettoCache, error) {
	if maxVectors <= 0 || dimensions <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "RistrettoCache", "New", "check bounds")
	}

	// Cost is bytes of vector payload; 4 bytes per float32 component.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxVectors) * 10,
		MaxCost:     int64(maxVectors) * int64(dimensions) * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "RistrettoCache", "New", "create cache")
	}
	return &RistrettoCache{cache: cache}, nil
}

// Get retrieves a cached embedding by content hash.
func (c *RistrettoCache) Get(contentHash string) ([]float32, error) {
	value, found := c.cache.Get(contentHash)
	if !found {
		return nil, errors.ErrVectorNotFound
	}
	vector, ok := value.([]float32)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidVector, "RistrettoCache", "Get", "assert cached value")
	}
	return vector, nil
}

// Put stores an embedding under the content hash.
func (c *RistrettoCache) Put(contentHash string, vector []float32) error {
	c.cache.Set(contentHash, vector, int64(len(vector))*4)
	return nil
}

// Wait blocks until pending writes are applied. Used by tests; production
// callers tolerate admission lag.
func (c *RistrettoCache) Wait() {
	c.cache.Wait()
}

// Close releases the cache's resources.
func (c *RistrettoCache) Close() {
	c.cache.Close()
}
