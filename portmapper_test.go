package absnfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestPortmapperRegistry(t *testing.T) {
	pm := NewPortmapper()
	pm.SetLogger(NewNoopLogger())

	pm.RegisterService(NFS_PROGRAM, NFS_V3, IPPROTO_TCP, 2049)
	if got := pm.GetPort(NFS_PROGRAM, NFS_V3, IPPROTO_TCP); got != 2049 {
		t.Errorf("GetPort = %d, want 2049", got)
	}
	if got := pm.GetPort(NFS_PROGRAM, NFS_V3, IPPROTO_UDP); got != 0 {
		t.Errorf("unregistered protocol GetPort = %d, want 0", got)
	}

	// Re-registering updates in place rather than duplicating.
	pm.RegisterService(NFS_PROGRAM, NFS_V3, IPPROTO_TCP, 12049)
	if got := pm.GetPort(NFS_PROGRAM, NFS_V3, IPPROTO_TCP); got != 12049 {
		t.Errorf("updated GetPort = %d, want 12049", got)
	}
	if got := len(pm.GetMappings()); got != 1 {
		t.Errorf("mappings = %d, want 1", got)
	}

	pm.UnregisterService(NFS_PROGRAM, NFS_V3, IPPROTO_TCP)
	if got := pm.GetPort(NFS_PROGRAM, NFS_V3, IPPROTO_TCP); got != 0 {
		t.Errorf("GetPort after unregister = %d, want 0", got)
	}
}

func TestPortmapperRegisterNFS3Services(t *testing.T) {
	pm := NewPortmapper()
	pm.SetLogger(NewNoopLogger())

	pm.RegisterNFS3Services(2049, true)
	for _, m := range []PortMapping{
		{NFS_PROGRAM, NFS_V3, IPPROTO_TCP, 2049},
		{NFS_PROGRAM, NFS_V3, IPPROTO_UDP, 2049},
		{MOUNT_PROGRAM, MOUNT_V3, IPPROTO_TCP, 2049},
		{MOUNT_PROGRAM, MOUNT_V3, IPPROTO_UDP, 2049},
	} {
		if got := pm.GetPort(m.Program, m.Version, m.Protocol); got != 2049 {
			t.Errorf("prog %d proto %d port = %d, want 2049", m.Program, m.Protocol, got)
		}
	}

	pm = NewPortmapper()
	pm.SetLogger(NewNoopLogger())
	pm.RegisterNFS3Services(2049, false)
	if got := pm.GetPort(NFS_PROGRAM, NFS_V3, IPPROTO_UDP); got != 0 {
		t.Errorf("UDP registered without udp=true: port %d", got)
	}
}

// pmapCall sends one portmap call over a record-marked TCP connection
// and returns the reply payload past the accepted-reply header.
func pmapCall(t *testing.T, addr string, vers, proc uint32, args []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial portmapper: %v", err)
	}
	defer conn.Close()

	var call bytes.Buffer
	xdrEncodeUint32(&call, 77) // xid
	xdrEncodeUint32(&call, RPC_CALL)
	xdrEncodeUint32(&call, 2)
	xdrEncodeUint32(&call, PortmapperProgram)
	xdrEncodeUint32(&call, vers)
	xdrEncodeUint32(&call, proc)
	for i := 0; i < 4; i++ { // null credential and verifier
		xdrEncodeUint32(&call, 0)
	}
	call.Write(args)

	rm := NewRecordMarkingConn(conn, conn)
	if err := rm.WriteRecord(call.Bytes()); err != nil {
		t.Fatalf("write call: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := rm.ReadRecord()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if len(reply) < 24 {
		t.Fatalf("short reply: %d bytes", len(reply))
	}
	if xid := binary.BigEndian.Uint32(reply[0:4]); xid != 77 {
		t.Fatalf("xid = %d, want 77", xid)
	}
	if status := binary.BigEndian.Uint32(reply[20:24]); status != SUCCESS {
		t.Fatalf("accept_stat = %d", status)
	}
	return reply[24:]
}

func TestPortmapperGetPortOverTCP(t *testing.T) {
	pm := NewPortmapper()
	pm.SetLogger(NewNoopLogger())

	// Pick a free port by listening and closing.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	if err := pm.StartOnPort(port); err != nil {
		t.Fatalf("StartOnPort: %v", err)
	}
	defer pm.Stop()

	pm.RegisterNFS3Services(2049, false)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	var args bytes.Buffer
	xdrEncodeUint32(&args, NFS_PROGRAM)
	xdrEncodeUint32(&args, NFS_V3)
	xdrEncodeUint32(&args, IPPROTO_TCP)
	xdrEncodeUint32(&args, 0)

	result := pmapCall(t, addr, 2, PMAPPROC_GETPORT, args.Bytes())
	if got := binary.BigEndian.Uint32(result); got != 2049 {
		t.Errorf("GETPORT = %d, want 2049", got)
	}

	// rpcbind v3 GETADDR returns a universal address for the same
	// registration.
	var rpcbArgs bytes.Buffer
	xdrEncodeUint32(&rpcbArgs, NFS_PROGRAM)
	xdrEncodeUint32(&rpcbArgs, NFS_V3)
	xdrEncodeString(&rpcbArgs, "tcp")
	xdrEncodeString(&rpcbArgs, "")
	xdrEncodeString(&rpcbArgs, "")

	result = pmapCall(t, addr, 3, 3, rpcbArgs.Bytes())
	uaddr, err := xdrDecodeString(bytes.NewReader(result))
	if err != nil {
		t.Fatalf("decode uaddr: %v", err)
	}
	if uaddr != "127.0.0.1.8.1" { // 2049 = 8*256 + 1
		t.Errorf("GETADDR uaddr = %q, want 127.0.0.1.8.1", uaddr)
	}
}

func TestPortmapperDumpOverTCP(t *testing.T) {
	pm := NewPortmapper()
	pm.SetLogger(NewNoopLogger())

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	if err := pm.StartOnPort(port); err != nil {
		t.Fatalf("StartOnPort: %v", err)
	}
	defer pm.Stop()

	result := pmapCall(t, fmt.Sprintf("127.0.0.1:%d", port), 2, PMAPPROC_DUMP, nil)

	// The self-registrations (v2/v3/v4 on tcp and udp) are all listed.
	r := bytes.NewReader(result)
	entries := 0
	for {
		more, err := xdrDecodeUint32(r)
		if err != nil || more == 0 {
			break
		}
		var m [4]uint32
		for i := range m {
			if err := binary.Read(r, binary.BigEndian, &m[i]); err != nil {
				t.Fatalf("short mapping: %v", err)
			}
		}
		if m[0] != PortmapperProgram {
			t.Errorf("unexpected program %d in dump", m[0])
		}
		entries++
	}
	if entries != 6 {
		t.Errorf("dump entries = %d, want 6", entries)
	}
}
