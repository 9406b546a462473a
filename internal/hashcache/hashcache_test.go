package hashcache

import (
	"bytes"
	"crypto/md5"
	"testing"
	"unsafe"

	"github.com/kworker/kworker/internal/filecache"
	"github.com/kworker/kworker/internal/fscache"
)

func makeCachedFile(data []byte) *filecache.CachedFile {
	opener := &testOpener{data: data}
	store := filecache.New(opener, false)
	obj := &fscache.Object{FullPath: `C:\hint.h`}
	cf, err := store.GetOrCreate(obj)
	if err != nil {
		panic(err)
	}
	return cf
}

type testOpener struct{ data []byte }

func (t *testOpener) OpenAndMap(path string) ([]byte, int64, error) {
	return t.data, int64(len(t.data)), nil
}

func TestHashFastPath(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	cf := makeCachedFile(content)

	s := NewStore()
	ctx := s.CreateHash(AlgMD5)

	hint := &ReadHint{File: cf, Offset: 0, Len: 4096, Ptr: unsafe.Pointer(&cf.Bytes[0])}
	if err := ctx.HashData(cf.Bytes, hint); err != nil {
		t.Fatalf("HashData: %v", err)
	}

	got, err := ctx.GetHashValue()
	if err != nil {
		t.Fatalf("GetHashValue: %v", err)
	}
	want := md5.Sum(content)
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", got, want)
	}

	if _, ok := cf.Digest(filecache.DigestMD5); !ok {
		t.Fatal("expected digest cached on file after full-file fast path")
	}
}

func TestHashFallbackOnMismatch(t *testing.T) {
	content := []byte("hello world")
	cf := makeCachedFile(content)

	s := NewStore()
	ctx := s.CreateHash(AlgMD5)

	// Feed unrelated data: no hint at all, so it must fall back immediately.
	if err := ctx.HashData([]byte("unrelated"), nil); err != nil {
		t.Fatalf("HashData: %v", err)
	}
	got, err := ctx.GetHashValue()
	if err != nil {
		t.Fatalf("GetHashValue: %v", err)
	}
	want := md5.Sum([]byte("unrelated"))
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("fallback digest mismatch: got %x want %x", got, want)
	}
	_ = cf
}

func TestFinalizeTwiceIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := s.CreateHash(AlgSHA256)
	if err := ctx.HashData([]byte("abc"), nil); err != nil {
		t.Fatalf("HashData: %v", err)
	}
	d1, _ := ctx.GetHashValue()
	d2, _ := ctx.GetHashValue()
	if !bytes.Equal(d1, d2) {
		t.Fatal("expected idempotent finalize")
	}
}
