package fsproj

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"gitlab.com/tozd/go/errors"
)

// InlineThreshold is the body size below which BlobCache stores bytes raw
// rather than paying zstd encoder overhead (SPEC_FULL.md §4.10).
const InlineThreshold = 256

// Framing tags distinguish a cache entry's encoding (SPEC_FULL.md §4.10:
// "a one-byte framing tag distinguishing raw vs. compressed bodies").
const (
	frameRaw byte = iota
	frameZstd
)

// BlobCache is the in-memory LRU front for
// lix_internal_file_data_cache / lix_internal_file_history_data_cache
// (spec.md §4.5, §6.4), storing bodies above InlineThreshold zstd-compressed
// (SPEC_FULL.md §4.10).
type BlobCache struct {
	entries *lru.Cache[CacheKey, []byte]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBlobCache returns a BlobCache holding at most size entries.
func NewBlobCache(size int) (*BlobCache, errors.E) {
	entries, err := lru.New[CacheKey, []byte](size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &BlobCache{entries: entries, encoder: encoder, decoder: decoder}, nil
}

// Put stores data for key, compressing it when it exceeds InlineThreshold.
func (c *BlobCache) Put(key CacheKey, data []byte) {
	c.entries.Add(key, c.frame(data))
}

func (c *BlobCache) frame(data []byte) []byte {
	if len(data) <= InlineThreshold {
		framed := make([]byte, 0, len(data)+1)
		framed = append(framed, frameRaw)
		framed = append(framed, data...)
		return framed
	}
	compressed := c.encoder.EncodeAll(data, []byte{frameZstd})
	return compressed
}

// Get resolves key's body, decompressing it if it was stored compressed. ok
// is false when no entry is cached for key.
func (c *BlobCache) Get(key CacheKey) (data []byte, ok bool, errE errors.E) {
	framed, found := c.entries.Get(key)
	if !found {
		return nil, false, nil
	}
	if len(framed) == 0 {
		return nil, true, nil
	}
	tag, body := framed[0], framed[1:]
	switch tag {
	case frameRaw:
		return append([]byte(nil), body...), true, nil
	case frameZstd:
		decoded, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, false, errors.WithStack(err)
		}
		return decoded, true, nil
	default:
		return nil, false, errors.WithStack(bytes.ErrTooLarge)
	}
}

// GetMany implements CacheSource for chunked fallback lookups (spec.md
// §4.5). Absent keys are simply omitted from the result.
func (c *BlobCache) GetMany(keys []CacheKey) (map[CacheKey][]byte, errors.E) {
	out := map[CacheKey][]byte{}
	for _, key := range keys {
		data, ok, errE := c.Get(key)
		if errE != nil {
			return nil, errE
		}
		if ok {
			out[key] = data
		}
	}
	return out, nil
}

// Invalidate evicts every key in targets (spec.md §4.5: "invalidated for
// every affected file after a successful apply").
func (c *BlobCache) Invalidate(targets []CacheKey) {
	for _, k := range targets {
		c.entries.Remove(k)
	}
}

// Keys returns every key currently cached, the candidate set the binary-CAS
// garbage collector sweeps against the live reachable set (SPEC_FULL.md
// §4.10).
func (c *BlobCache) Keys() []CacheKey {
	return c.entries.Keys()
}
