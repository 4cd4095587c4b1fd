//go:build integration

package absnfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

// These tests walk the full client flow a real NFS3 mount performs:
// MNT for the root handle, GETATTR/LOOKUP/READ against it, READDIR,
// then UMNT, all over real TCP connections.

func TestIntegrationMountAndRead(t *testing.T) {
	_, n, addr := startTestServer(t, ExportOptions{})
	if err := n.fs.Mkdir("/srv", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mustWriteFile(t, n, "/srv/readme.txt", "integration payload")

	// MNT.
	var mntArgs bytes.Buffer
	xdrEncodeString(&mntArgs, "/srv")
	reply := rawTCPCall(t, addr, MOUNT_PROGRAM, MOUNT_V3, MOUNTPROC3_MNT, mntArgs.Bytes())
	rest := parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != MNT3_OK {
		t.Fatalf("MNT = %d", st)
	}
	r := bytes.NewReader(rest[4:])
	rootFH, err := xdrDecodeFileHandle(r)
	if err != nil {
		t.Fatalf("decode root handle: %v", err)
	}

	// LOOKUP the file under the mount handle.
	lookupArgs := dirOpArgs(t, rootFH, "readme.txt")
	reply = rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_LOOKUP, lookupArgs.Bytes())
	rest = parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Fatalf("LOOKUP = %d", st)
	}
	r = bytes.NewReader(rest[4:])
	fileFH, err := xdrDecodeFileHandle(r)
	if err != nil {
		t.Fatalf("decode file handle: %v", err)
	}

	// READ the whole file through the looked-up handle.
	readArgs := bytes.NewBuffer(fhArg(t, fileFH))
	xdrEncodeUint64(readArgs, 0)
	xdrEncodeUint32(readArgs, 1024)
	reply = rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_READ, readArgs.Bytes())
	rest = parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Fatalf("READ = %d", st)
	}
	rr := bytes.NewReader(rest[4:])
	skipPostOpAttr(t, rr)
	count, _ := xdrDecodeUint32(rr)
	eof, _ := xdrDecodeUint32(rr)
	content, _ := xdrDecodeString(rr) // opaque shares the string wire shape
	if count != uint32(len("integration payload")) || eof != 1 {
		t.Errorf("READ count/eof = %d/%d", count, eof)
	}
	if content != "integration payload" {
		t.Errorf("content = %q", content)
	}

	// DUMP shows the mount; UMNT clears it.
	reply = rawTCPCall(t, addr, MOUNT_PROGRAM, MOUNT_V3, MOUNTPROC3_DUMP, nil)
	rest = parseAcceptedReply(t, reply)
	if !bytes.Contains(rest, []byte("/srv")) {
		t.Error("DUMP does not list the mount")
	}

	reply = rawTCPCall(t, addr, MOUNT_PROGRAM, MOUNT_V3, MOUNTPROC3_UMNT, mntArgs.Bytes())
	parseAcceptedReply(t, reply)
	if got := len(n.mounts.Dump()); got != 0 {
		t.Errorf("mount table has %d entries after UMNT", got)
	}
}

func TestIntegrationReaddirOverTCP(t *testing.T) {
	_, n, addr := startTestServer(t, ExportOptions{})
	if err := n.fs.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < 4; i++ {
		mustWriteFile(t, n, fmt.Sprintf("/dir/e%d", i), "x")
	}

	args := readdirArgs(t, handleFor(t, n, "/dir"), 0, [8]byte{}, 4096)
	reply := rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_READDIR, args)
	rest := parseAcceptedReply(t, reply)
	decoded := decodeReaddirReply(t, rest)
	if decoded.status != NFS_OK || len(decoded.entries) != 4 || !decoded.eof {
		t.Errorf("READDIR = %d with %d entries, eof %v",
			decoded.status, len(decoded.entries), decoded.eof)
	}
}

func TestIntegrationWriteCommitVerifier(t *testing.T) {
	_, n, addr := startTestServer(t, ExportOptions{})
	mustWriteFile(t, n, "/f", "")
	fh := handleFor(t, n, "/f")

	wargs := bytes.NewBuffer(fhArg(t, fh))
	xdrEncodeUint64(wargs, 0)
	xdrEncodeUint32(wargs, 4)
	xdrEncodeUint32(wargs, UNSTABLE)
	xdrEncodeOpaque(wargs, []byte("data"))
	reply := rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_WRITE, wargs.Bytes())
	rest := parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Fatalf("WRITE = %d", st)
	}
	writeVerf := rest[len(rest)-8:]

	cargs := bytes.NewBuffer(fhArg(t, fh))
	xdrEncodeUint64(cargs, 0)
	xdrEncodeUint32(cargs, 0)
	reply = rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_COMMIT, cargs.Bytes())
	rest = parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Fatalf("COMMIT = %d", st)
	}
	commitVerf := rest[len(rest)-8:]

	if !bytes.Equal(writeVerf, commitVerf) {
		t.Errorf("write/commit verifiers differ: %x vs %x", writeVerf, commitVerf)
	}
}
