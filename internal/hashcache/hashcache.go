// Package hashcache implements the CryptCreateHash/CryptHashData/
// CryptGetHashParam/CryptDestroyHash fast path described in spec.md §4.3:
// when the hashed bytes are known to come from a CachedFile's mapping, the
// digest is computed once (or reused if already cached on the file) instead
// of streaming through a real OS hash context.
package hashcache

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/kworker/kworker/internal/errdefs"
	"github.com/kworker/kworker/internal/filecache"
)

// Algorithm identifies one of the four accelerated CALG_* values; anything
// else falls through unintercepted (spec.md §4.3).
type Algorithm int

const (
	AlgMD5 Algorithm = iota
	AlgSHA1
	AlgSHA256
	AlgSHA512
)

func (a Algorithm) digestSlot() filecache.DigestAlgo {
	switch a {
	case AlgMD5:
		return filecache.DigestMD5
	case AlgSHA1:
		return filecache.DigestSHA1
	case AlgSHA256:
		return filecache.DigestSHA256
	default:
		return filecache.DigestSHA512
	}
}

func newHasher(a Algorithm) hash.Hash {
	switch a {
	case AlgMD5:
		return md5.New()
	case AlgSHA1:
		return sha1.New()
	case AlgSHA256:
		return sha256.New()
	default:
		return sha512.New()
	}
}

// ReadHint records the most recent read served from a CachedFile's
// mapping: the fast path in CryptHashData compares the hashed
// (pointer, length) against this hint.
type ReadHint struct {
	File   *filecache.CachedFile
	Offset int64
	Ptr    unsafe.Pointer
	Len    int
}

// Ctx is one in-flight hash instance (spec.md data model "HashCtx").
type Ctx struct {
	algo        Algorithm
	bytesHashed int64

	boundFile *filecache.CachedFile // non-nil while still on the fast path
	fileOff   int64                 // offset within boundFile the next hash call must continue from

	fallback hash.Hash // non-nil once the fast path has been abandoned

	final     bool
	goneBad   bool
	digest    []byte
}

// Store owns the set of live HashCtx instances, mirroring the Sandbox
// state's "hash instance list" (spec.md §3) so late cleanup can destroy any
// the tool leaked.
type Store struct {
	live map[*Ctx]struct{}
}

func NewStore() *Store {
	return &Store{live: make(map[*Ctx]struct{})}
}

// CreateHash starts a new hash instance for an unkeyed, flag-free MD5/SHA-1/
// SHA-256/SHA-512 request.
func (s *Store) CreateHash(algo Algorithm) *Ctx {
	c := &Ctx{algo: algo}
	s.live[c] = struct{}{}
	return c
}

// HashData feeds data into c, taking the fast path when it matches hint
// exactly (same CachedFile, contiguous offset).
func (c *Ctx) HashData(data []byte, hint *ReadHint) error {
	if c.final {
		return errdefs.NTEBadHash
	}

	if c.fallback == nil {
		if matchesHint(data, hint, c) {
			c.boundFile = hint.File
			c.bytesHashed += int64(len(data))
			return nil
		}
		// first non-matching input: drop to fallback, replaying any bytes
		// already consumed from the bound file.
		c.fallback = newHasher(c.algo)
		if c.boundFile != nil {
			if c.bytesHashed > int64(len(c.boundFile.Bytes)) {
				c.goneBad = true
			} else {
				c.fallback.Write(c.boundFile.Bytes[:c.bytesHashed])
			}
		}
	}

	c.fallback.Write(data)
	c.bytesHashed += int64(len(data))
	return nil
}

// matchesHint reports whether data is exactly the bytes most recently read
// from hint's CachedFile, continuing at the hashed-offset the instance
// already reached.
func matchesHint(data []byte, hint *ReadHint, c *Ctx) bool {
	if hint == nil || hint.File == nil || len(data) == 0 {
		return false
	}
	if c.boundFile != nil && c.boundFile != hint.File {
		return false
	}
	if hint.Offset != c.bytesHashed {
		return false
	}
	if hint.Len != len(data) || hint.Ptr != unsafe.Pointer(&data[0]) {
		return false
	}
	return true
}

// GetHashValue finalizes (idempotently) and returns the digest.
func (c *Ctx) GetHashValue() ([]byte, error) {
	if c.final {
		return c.digest, nil
	}

	switch {
	case c.fallback == nil && c.boundFile != nil && c.bytesHashed == int64(len(c.boundFile.Bytes)):
		if d, ok := c.boundFile.Digest(c.algo.digestSlot()); ok {
			c.digest = d
		} else {
			h := newHasher(c.algo)
			h.Write(c.boundFile.Bytes)
			c.digest = h.Sum(nil)
			c.boundFile.SetDigest(c.algo.digestSlot(), c.digest)
		}
	case c.fallback == nil && c.boundFile != nil:
		h := newHasher(c.algo)
		h.Write(c.boundFile.Bytes[:c.bytesHashed])
		c.digest = h.Sum(nil)
	case c.fallback != nil:
		c.digest = c.fallback.Sum(nil)
	default:
		return nil, errors.New("hashcache: no data hashed")
	}

	c.final = true
	return c.digest, nil
}

// DestroyHash removes c from the live set; called by CryptDestroyHash and
// by late cleanup for anything the tool leaked.
func (s *Store) DestroyHash(c *Ctx) {
	delete(s.live, c)
}

// Reset destroys every live instance; used at per-job late cleanup.
func (s *Store) Reset() {
	s.live = make(map[*Ctx]struct{})
}

// Len reports the number of still-live hash instances.
func (s *Store) Len() int { return len(s.live) }
