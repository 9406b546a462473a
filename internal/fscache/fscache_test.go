package fscache

import "testing"

func TestExtension(t *testing.T) {
	cases := map[string]string{
		`C:\src\stdio.h`:     ".h",
		`C:\src\noext`:       "",
		`rsp.a`:              ".a",
		`foo.Hpp`:            ".hpp",
		`archive.tar.gz`:     ".gz",
		`dir\with.dot\file`:  "",
		`trailing.`:          ".",
	}
	for path, want := range cases {
		if got := Extension(path); got != want {
			t.Errorf("Extension(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestCacheableForRead(t *testing.T) {
	if !CacheableForRead(`C:\hdr\x.h`, false) {
		t.Error("expected .h cacheable for read")
	}
	if CacheableForRead(`C:\x.pch`, false) {
		t.Error(".pch should not be cacheable when pch caching disabled")
	}
	if !CacheableForRead(`C:\x.pch`, true) {
		t.Error(".pch should be cacheable when pch caching enabled")
	}
	if CacheableForRead(`C:\x.cpp`, false) {
		t.Error(".cpp should not be cacheable for read")
	}
}

func TestCacheableForAttrQuery(t *testing.T) {
	if CacheableForAttrQuery(`C:\x.dll`, ToolHintNone) {
		t.Error(".dll should not be attr-cacheable without linker hint")
	}
	if !CacheableForAttrQuery(`C:\x.dll`, ToolHintLinker) {
		t.Error(".dll should be attr-cacheable with linker hint")
	}
	if !CacheableForAttrQuery(`C:\x.h`, ToolHintNone) {
		t.Error(".h should always be attr-cacheable")
	}
}

func TestNormalizePath(t *testing.T) {
	if got := NormalizePath("C:/src/foo.h"); got != `C:\src\foo.h` {
		t.Errorf("NormalizePath = %q", got)
	}
}
