package absnfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FHMinLen is the smallest legal encoded filehandle: an 8-byte inode plus
// the 1-byte length class.
const FHMinLen = 9

// FHInlineMax is the longest path that is inlined directly into the
// filehandle instead of being resolved through FSBackend.fgetpath.
const FHInlineMax = 32

// fhLenLongPath is the length-class byte used when a path does not fit
// inline; resolution falls back to an inode->path lookup.
const fhLenLongPath = 34

// nfsFileHandle is the decoded form of the opaque bytes carried in nfs_fh3.
//
// The wire layout is ino (8 bytes, little-endian) || len (1 byte) ||
// path[len] when len <= FHInlineMax+1, giving a filehandle that is
// stateless: everything needed to resolve it travels in the handle
// itself, except for the long-path fallback which needs an inode index
// maintained by the backend.
type nfsFileHandle struct {
	Ino  uint64
	Len  uint8
	Path string // only meaningful when Len > 0 && Len <= FHInlineMax+1
}

// encodeHandle builds the wire bytes for (ino, path) per the inline/root/
// long-path rules.
func encodeHandle(ino uint64, path string) []byte {
	if path == "/" {
		return encodeHandleRaw(ino, 0, "")
	}
	if len(path) <= FHInlineMax {
		return encodeHandleRaw(ino, uint8(len(path)+1), path)
	}
	return encodeHandleRaw(ino, fhLenLongPath, "")
}

func encodeHandleRaw(ino uint64, length uint8, path string) []byte {
	inline := length > 0 && int(length) <= FHInlineMax+1
	size := FHMinLen
	if inline {
		size += int(length)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], ino)
	buf[8] = length
	if inline {
		copy(buf[9:], path)
	}
	return buf
}

// fhLength returns the expected encoded byte length for a decoded handle,
// used by nfhValid to reject a filehandle whose claimed XDR length doesn't
// match its own length-class field.
func fhLength(h *nfsFileHandle) int {
	if h.Len > 0 && int(h.Len) <= FHInlineMax+1 {
		return FHMinLen + int(h.Len)
	}
	return FHMinLen
}

// decodeHandleBytes parses the raw wire bytes into a nfsFileHandle without
// validating them; callers must call nfhValid first.
func decodeHandleBytes(data []byte) *nfsFileHandle {
	h := &nfsFileHandle{
		Ino: binary.LittleEndian.Uint64(data[0:8]),
		Len: data[8],
	}
	if h.Len > 0 && int(h.Len) <= FHInlineMax+1 && len(data) >= FHMinLen+int(h.Len) {
		raw := data[9 : 9+int(h.Len)]
		// the path is stored with a trailing NUL; strip it
		if n := len(raw); n > 0 && raw[n-1] == 0 {
			raw = raw[:n-1]
		}
		h.Path = string(raw)
	}
	return h
}

// nfhValid runs the two-part structural check: the handle must carry
// at least FHMinLen bytes, and its declared length class must
// reproduce the handle's own byte length exactly.
func nfhValid(data []byte) bool {
	if len(data) < FHMinLen {
		return false
	}
	h := decodeHandleBytes(data)
	return len(data) == fhLength(h)
}

// fhDecomp resolves a wire filehandle to a path. The root sentinel
// (len == 0) always resolves to "/". An inline handle resolves to its
// carried path. A long-path handle consults the backend's inode index.
func fhDecomp(backend FSBackend, data []byte) (string, bool) {
	if !nfhValid(data) {
		return "", false
	}
	h := decodeHandleBytes(data)
	if h.Len == 0 {
		return "/", true
	}
	if int(h.Len) <= FHInlineMax+1 {
		return h.Path, true
	}
	path, ok := backend.Fgetpath(h.Ino)
	return path, ok
}

// fhComp builds a wire-ready handle for (ino, path). There is no
// server-side handle table: the handle is a pure function of its
// inputs, which is what keeps the server stateless.
func fhComp(ino uint64, path string) []byte {
	return encodeHandle(ino, path)
}

// xdrEncodeFileHandle writes an opaque nfs_fh3 (length-prefixed byte
// string) to w.
func xdrEncodeFileHandle(w io.Writer, data []byte) error {
	if err := xdrEncodeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if pad := xdrPad(len(data)); pad > 0 {
		_, err := w.Write(make([]byte, pad))
		return err
	}
	return nil
}

// xdrDecodeFileHandle reads an opaque nfs_fh3 from r and returns its raw
// bytes. It rejects handles outside the RFC 1813 bound (64 bytes) before
// allocating, to avoid being used as a memory-exhaustion vector.
func xdrDecodeFileHandle(r io.Reader) ([]byte, error) {
	length, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode filehandle length: %w", err)
	}
	if length > 64 {
		return nil, fmt.Errorf("filehandle length %d exceeds NFS3 64-byte limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read filehandle bytes: %w", err)
	}
	if pad := xdrPad(int(length)); pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, fmt.Errorf("failed to read filehandle padding: %w", err)
		}
	}
	return buf, nil
}
