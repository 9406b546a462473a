// Package fscache is a thin adapter over the external file-system metadata
// cache (spec.md §4.1). The cache proper is an out-of-scope collaborator;
// this package only normalizes paths, classifies extensions for caching
// policy, and narrows the cache's lookup contract to what the sandbox uses.
package fscache

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/kworker/kworker/internal/errdefs"
)

// Object is one entry returned by the external cache. kWorker never
// constructs these directly; they are handed in by the out-of-scope cache
// service and carry whatever user-data (CachedFile, Tool) the sandbox
// attaches via SetUserData.
type Object struct {
	FullPath string
	userData interface{}
}

// SetUserData attaches component-owned state (a *filecache.CachedFile or a
// *toolreg.Tool) to the cache object, the way the real adapter stores a
// pointer in the object's user-data slot.
func (o *Object) SetUserData(v interface{}) { o.userData = v }

// UserData returns whatever was last attached with SetUserData, or nil.
func (o *Object) UserData() interface{} { return o.userData }

// Source is the contract the external filesystem cache exposes. A
// production worker wires this to the real cache service; tests use an
// in-memory fake.
type Source interface {
	Lookup(path string) (*Object, error)
	LookupNoMissing(path string) (*Object, error)
	GetFullPath(obj *Object) string
	InvalidateCustomBoth()
	SetupCustomRevisionForTree(obj *Object)
}

// ToolHint narrows extension classification: some extensions are only
// cacheable-for-attribute-query when the current tool is the linker.
type ToolHint int

const (
	ToolHintNone ToolHint = iota
	ToolHintLinker
	ToolHintCL
)

// Adapter wraps a Source with the normalization and classification rules
// spec.md §4.1 requires.
type Adapter struct {
	src Source
}

func New(src Source) *Adapter {
	return &Adapter{src: src}
}

// Lookup normalizes path and delegates to the underlying cache.
func (a *Adapter) Lookup(path string) (*Object, error) {
	obj, err := a.src.Lookup(NormalizePath(path))
	if err != nil {
		return nil, errors.Wrap(err, "fscache: lookup")
	}
	return obj, nil
}

// LookupNoMissing is like Lookup but returns (nil, nil) instead of a
// not-found error when the object would be a negative cache entry.
func (a *Adapter) LookupNoMissing(path string) (*Object, error) {
	obj, err := a.src.LookupNoMissing(NormalizePath(path))
	if err != nil {
		if errdefs.IsAny(err, errdefs.ErrFileNotFound, errdefs.ErrPathNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fscache: lookup-no-missing")
	}
	return obj, nil
}

func (a *Adapter) GetFullPath(obj *Object) string {
	return a.src.GetFullPath(obj)
}

// InvalidateVolatileTree bumps the custom revision on the volatile tree
// roots (TEMP/TMP/TMPDIR and build-driver-named directories); called once
// per job before any lookups, per spec.md §4.1.
func (a *Adapter) InvalidateVolatileTree(roots []string) {
	a.src.InvalidateCustomBoth()
	for _, r := range roots {
		obj, err := a.src.LookupNoMissing(NormalizePath(r))
		if err != nil || obj == nil {
			continue
		}
		a.src.SetupCustomRevisionForTree(obj)
	}
}

// NormalizePath converts any Windows path spelling into the canonical
// backslash form used for hashing and hashtable lookup: forward slashes
// become backslashes, and the result is left in its original case (the
// cache itself is case-insensitive at lookup time).
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, "/", `\`)
}

var cacheableForRead = map[string]bool{
	"":      true,
	".h":    true,
	".hpp":  true,
	".hxx":  true,
	".inl":  true,
	".inc":  true,
	".mac":  true,
	".pch":  true,
}

var cacheableForAttrLinker = map[string]bool{
	".dll": true,
	".exe": true,
	".rsp": true,
	".obj": true,
	".lib": true,
	".def": true,
}

// Extension returns the lowercase, dot-prefixed extension of path, or "" if
// there is none. Classification is pure ASCII case-insensitive and handles
// zero/one/two/three-character extensions uniformly.
func Extension(path string) string {
	slash := strings.LastIndexAny(path, `\/`)
	name := path
	if slash >= 0 {
		name = path[slash+1:]
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return ""
	}
	return strings.ToLower(name[dot:])
}

// CacheableForRead reports whether a file with this extension should be
// whole-file read-cached (C2). pchEnabled gates the .pch extension.
func CacheableForRead(path string, pchEnabled bool) bool {
	ext := Extension(path)
	if ext == ".pch" {
		return pchEnabled
	}
	return cacheableForRead[ext]
}

// CacheableForAttrQuery reports whether a file with this extension should
// be cached for attribute queries (stat-only, no content read). hint
// widens the set when the current tool is the linker.
func CacheableForAttrQuery(path string, hint ToolHint) bool {
	ext := Extension(path)
	if cacheableForRead[ext] {
		return true
	}
	if hint == ToolHintLinker && cacheableForAttrLinker[ext] {
		return true
	}
	return false
}
