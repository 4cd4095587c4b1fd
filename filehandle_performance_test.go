package absnfs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/absfs/memfs"
)

// The codec is on the hot path of every procedure: each call decodes
// at least one handle, and LOOKUP/CREATE mint new ones. These
// benchmarks keep encode/decode allocation-visible.

func BenchmarkEncodeHandleInline(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		encodeHandle(uint64(i), "/export/data/file.txt")
	}
}

func BenchmarkEncodeHandleLongPath(b *testing.B) {
	path := "/" + strings.Repeat("segment/", 8) + "leaf"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		encodeHandle(uint64(i), path)
	}
}

func BenchmarkNfhValid(b *testing.B) {
	data := encodeHandle(42, "/export/data/file.txt")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if !nfhValid(data) {
			b.Fatal("handle unexpectedly invalid")
		}
	}
}

func BenchmarkFhDecompInline(b *testing.B) {
	fs, err := memfs.NewFS()
	if err != nil {
		b.Fatalf("failed to create memfs: %v", err)
	}
	backend := newAbsfsBackend(fs)
	data := encodeHandle(42, "/export/data/file.txt")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := fhDecomp(backend, data); !ok {
			b.Fatal("decomp failed")
		}
	}
}

func BenchmarkFhDecompLongPath(b *testing.B) {
	fs, err := memfs.NewFS()
	if err != nil {
		b.Fatalf("failed to create memfs: %v", err)
	}
	backend := newAbsfsBackend(fs)
	path := "/a-directory-name-too-long-to-inline-in-a-filehandle"
	if err := fs.Mkdir(path, 0755); err != nil {
		b.Fatalf("mkdir: %v", err)
	}
	st, err := backend.Lstat(path)
	if err != nil {
		b.Fatalf("lstat: %v", err)
	}
	data := fhComp(st.Ino, path)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := fhDecomp(backend, data); !ok {
			b.Fatal("decomp failed")
		}
	}
}

func BenchmarkInodeIndexGrowth(b *testing.B) {
	fs, err := memfs.NewFS()
	if err != nil {
		b.Fatalf("failed to create memfs: %v", err)
	}
	backend := newAbsfsBackend(fs)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.inoFor(fmt.Sprintf("/f%d", i))
	}
}
