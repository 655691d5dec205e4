// Package boltcache keeps embeddings in a local bbolt file so that re-indexing
// unchanged text does not call the embedding provider again.
package boltcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"go.etcd.io/bbolt"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/log"
)

var bucketEmbeddings = []byte("embeddings")

// CachedProvider is a retrieval.EmbeddingProvider that answers from the cache
// and forwards misses to the wrapped provider.
type CachedProvider struct {
	db     *bbolt.DB
	inner  retrieval.EmbeddingProvider
	model  string
	logger logr.Logger
}

// Open opens (or creates) the cache file at path. model namespaces the keys,
// so switching embedding models never returns stale vectors.
func Open(path, model string, inner retrieval.EmbeddingProvider) (*CachedProvider, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEmbeddings); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketEmbeddings, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &CachedProvider{db: db, inner: inner, model: model, logger: log.WithName("embedding-cache")}, nil
}

func (c *CachedProvider) Close() error {
	return c.db.Close()
}

func (c *CachedProvider) Embed(ctx context.Context, text string) (retrieval.Vector, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([]retrieval.Vector, error) {
	out := make([]retrieval.Vector, len(texts))
	var missing []int
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		for i, text := range texts {
			data := b.Get(c.key(text))
			if data == nil {
				missing = append(missing, i)
				continue
			}
			v, err := decode(data)
			if err != nil {
				return err
			}
			out[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding cache: %w", err)
	}
	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	vectors, err := c.inner.EmbedBatch(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("%w: provider returned %d embeddings for %d inputs",
			retrieval.ErrProviderUnavailable, len(vectors), len(pending))
	}
	for j, i := range missing {
		out[i] = vectors[j]
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		for j, text := range pending {
			if err := b.Put(c.key(text), encode(vectors[j])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error(err, "failed to write embedding cache", "entries", len(pending))
	}
	c.logger.V(1).Info("embedding cache", "hits", len(texts)-len(missing), "misses", len(missing))
	return out, nil
}

func (c *CachedProvider) key(text string) []byte {
	h := sha256.New()
	h.Write([]byte(c.model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

func encode(v retrieval.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decode(data []byte) (retrieval.Vector, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt cache entry of %d bytes", len(data))
	}
	v := make(retrieval.Vector, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}
