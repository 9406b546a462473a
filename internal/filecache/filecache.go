// Package filecache implements the whole-file read cache keyed by a
// fscache.Object's user-data slot (spec.md §4.2): open once, map once, and
// serve every subsequent read from the mapping instead of touching the
// filesystem again.
package filecache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kworker/kworker/internal/fscache"
)

// Digest algorithms accelerated by the hash cache (C3); slots are
// independent so a file can have its MD5 computed without forcing SHA-256.
type DigestAlgo int

const (
	DigestMD5 DigestAlgo = iota
	DigestSHA1
	DigestSHA256
	DigestSHA512
	digestCount
)

// digestSlot holds one algorithm's cached result.
type digestSlot struct {
	valid  bool
	digest []byte
}

// Default and PCH size ceilings (spec.md §4.2): files above these are
// refused rather than cached.
const (
	DefaultMaxSize = 16 * 1024 * 1024
	PCHMaxSize     = 96 * 1024 * 1024
)

// CachedFile is the user-data a fscache.Object carries once its content has
// been read-cached: an open handle, a mapping of the whole file, and a set
// of lazily computed digest slots.
type CachedFile struct {
	mu sync.Mutex

	FullPath string
	Size     int64
	Bytes    []byte // the mapped content, read-only to callers

	digests [digestCount]digestSlot

	obj *fscache.Object // back-reference, kept alive by the self-pin
	pinned bool
}

// Opener abstracts the case-insensitive, parent-relative kernel open plus
// section-mapping the real adapter performs; tests substitute an in-memory
// fake, production wires actual CreateFile/CreateFileMapping/MapViewOfFile
// calls (out of scope for this package, which only owns the cache
// semantics once bytes are in hand).
type Opener interface {
	OpenAndMap(fullPath string) (data []byte, size int64, err error)
}

// Store is the whole-file cache: one CachedFile per fscache.Object.
type Store struct {
	opener     Opener
	pchEnabled bool
}

func New(opener Opener, pchEnabled bool) *Store {
	return &Store{opener: opener, pchEnabled: pchEnabled}
}

// GetOrCreate returns obj's CachedFile, opening and mapping it on first
// use. Returns an error if the file exceeds the arch-dependent size
// ceiling, or if opening/mapping fails; any partially acquired resources
// are released by the Opener itself on error.
func (s *Store) GetOrCreate(obj *fscache.Object) (*CachedFile, error) {
	if cf, ok := obj.UserData().(*CachedFile); ok {
		return cf, nil
	}

	data, size, err := s.opener.OpenAndMap(obj.FullPath)
	if err != nil {
		return nil, errors.Wrap(err, "filecache: open")
	}

	limit := int64(DefaultMaxSize)
	if s.pchEnabled && hasPCHExt(obj.FullPath) {
		limit = PCHMaxSize
	}
	if size > limit {
		return nil, errors.Errorf("filecache: %s exceeds cache size ceiling (%d > %d)", obj.FullPath, size, limit)
	}

	cf := &CachedFile{
		FullPath: obj.FullPath,
		Size:     size,
		Bytes:    data,
		obj:      obj,
		pinned:   true,
	}
	obj.SetUserData(cf)
	return cf, nil
}

func hasPCHExt(path string) bool {
	return fscache.Extension(path) == ".pch"
}

// Digest returns the cached digest for algo if present.
func (cf *CachedFile) Digest(algo DigestAlgo) ([]byte, bool) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	slot := cf.digests[algo]
	return slot.digest, slot.valid
}

// SetDigest caches a freshly computed digest for algo; safe to call
// concurrently with Digest (guarded by the file's own mutex, since the
// hash cache may be invoked from the one thread the sandbox runs on but
// this keeps the type safe against incidental reuse from tests).
func (cf *CachedFile) SetDigest(algo DigestAlgo, digest []byte) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.digests[algo] = digestSlot{valid: true, digest: digest}
}

// Unpin clears the CachedFile↔FsObj self-pin; called only at worker
// shutdown (spec.md §3 ownership note).
func (cf *CachedFile) Unpin() {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.pinned = false
}
