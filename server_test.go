package absnfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(ServerOptions{Port: -1}); err == nil {
		t.Error("negative port accepted")
	}

	server, err := NewServer(ServerOptions{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if server.options.Hostname != "localhost" {
		t.Errorf("default hostname = %q", server.options.Hostname)
	}
}

func TestListenRequiresHandler(t *testing.T) {
	server, err := NewServer(ServerOptions{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Listen(); err == nil {
		server.Stop()
		t.Error("Listen without a handler succeeded")
	}
}

func startTestServer(t *testing.T, options ExportOptions) (*Server, *AbsfsNFS, string) {
	t.Helper()
	server, n := newServerWithHandler(t, options)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	addr := fmt.Sprintf("localhost:%d", server.options.Port)
	return server, n, addr
}

// rawTCPCall writes one RPC call over a fresh TCP connection, half
// closes it, and returns the complete reply stream.
func rawTCPCall(t *testing.T, addr string, program, version, proc uint32, args []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	payload := encodeRPCCallBytes(t, RPCMsgHeader{
		Xid:       55,
		Program:   program,
		Version:   version,
		Procedure: proc,
	}, RPCCredential{Flavor: AUTH_NONE})

	if _, err := conn.Write(append(payload, args...)); err != nil {
		t.Fatalf("write call: %v", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

// parseAcceptedReply validates the accepted-reply envelope and returns
// the procedure results.
func parseAcceptedReply(t *testing.T, reply []byte) []byte {
	t.Helper()
	if len(reply) < 24 {
		t.Fatalf("reply too short: %d bytes", len(reply))
	}
	if xid := binary.BigEndian.Uint32(reply[0:4]); xid != 55 {
		t.Fatalf("xid = %d, want 55", xid)
	}
	if msgType := binary.BigEndian.Uint32(reply[4:8]); msgType != RPC_REPLY {
		t.Fatalf("msg type = %d", msgType)
	}
	if replyStat := binary.BigEndian.Uint32(reply[8:12]); replyStat != MSG_ACCEPTED {
		t.Fatalf("reply_stat = %d", replyStat)
	}
	verfLen := binary.BigEndian.Uint32(reply[16:20])
	off := 20 + int((verfLen+3)&^3)
	acceptStat := binary.BigEndian.Uint32(reply[off : off+4])
	if acceptStat != SUCCESS {
		t.Fatalf("accept_stat = %d", acceptStat)
	}
	return reply[off+4:]
}

func TestServerTCPNullRoundTrip(t *testing.T) {
	_, _, addr := startTestServer(t, ExportOptions{})
	reply := rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_NULL, nil)
	if rest := parseAcceptedReply(t, reply); len(rest) != 0 {
		t.Errorf("NULL reply carries %d result bytes", len(rest))
	}
}

func TestServerTCPGetattrRoundTrip(t *testing.T) {
	_, n, addr := startTestServer(t, ExportOptions{})
	mustWriteFile(t, n, "/wire.txt", "wire bytes")

	reply := rawTCPCall(t, addr, NFS_PROGRAM, NFS_V3, NFSPROC3_GETATTR,
		fhArg(t, handleFor(t, n, "/wire.txt")))
	rest := parseAcceptedReply(t, reply)
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Fatalf("GETATTR status = %d", st)
	}
	f := decodeFattr3(t, bytes.NewReader(rest[4:]))
	if f.Size != uint64(len("wire bytes")) {
		t.Errorf("size over the wire = %d", f.Size)
	}
}

func TestServerRandomPortAssigned(t *testing.T) {
	server, _, _ := startTestServer(t, ExportOptions{})
	if server.options.Port == 0 {
		t.Error("port 0 not replaced with the bound port")
	}
}

func TestServerStopIsClean(t *testing.T) {
	server, _ := newServerWithHandler(t, ExportOptions{})
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	// The port is released: a second server can bind it.
	relisten, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", server.options.Port))
	if err != nil {
		t.Errorf("port still held after Stop: %v", err)
	} else {
		relisten.Close()
	}
}

func TestServerRejectsDisallowedIP(t *testing.T) {
	// The accept loop drops connections from outside AllowedIPs before
	// any RPC is read.
	_, _, addr := startTestServer(t, ExportOptions{AllowedIPs: []string{"198.51.100.1"}})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection from a disallowed address not closed")
	}
}

func TestServerUDPRoundTrip(t *testing.T) {
	server, n, _ := startTestServer(t, ExportOptions{EnableUDP: true})
	mustWriteFile(t, n, "/u.txt", "u")

	udpAddr := fmt.Sprintf("localhost:%d", server.options.Port)
	conn, err := net.Dial("udp", udpAddr)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()

	payload := encodeRPCCallBytes(t, RPCMsgHeader{
		Xid:       55,
		Program:   NFS_PROGRAM,
		Version:   NFS_V3,
		Procedure: NFSPROC3_GETATTR,
	}, RPCCredential{Flavor: AUTH_NONE})
	payload = append(payload, fhArg(t, handleFor(t, n, "/u.txt"))...)

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write datagram: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 65536)
	nread, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	rest := parseAcceptedReply(t, buf[:nread])
	if st := binary.BigEndian.Uint32(rest[:4]); st != NFS_OK {
		t.Errorf("udp GETATTR status = %d", st)
	}
}

func TestIsConnectionResetError(t *testing.T) {
	if isConnectionResetError(nil) {
		t.Error("nil classified as reset")
	}
	if !isConnectionResetError(fmt.Errorf("read tcp: connection reset by peer")) {
		t.Error("reset-by-peer not classified")
	}
	if !isConnectionResetError(io.EOF) {
		t.Error("EOF not classified")
	}
}
