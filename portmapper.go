package absnfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Portmapper constants (RFC 1833)
const (
	PortmapperPort    = 111
	PortmapperProgram = 100000
	PortmapperVersion = 2

	// Portmapper procedures
	PMAPPROC_NULL    = 0
	PMAPPROC_SET     = 1
	PMAPPROC_UNSET   = 2
	PMAPPROC_GETPORT = 3
	PMAPPROC_DUMP    = 4
	PMAPPROC_CALLIT  = 5

	// Transport protocols
	IPPROTO_TCP = 6
	IPPROTO_UDP = 17
)

// PortMapping is one (program, version, protocol) -> port registration.
type PortMapping struct {
	Program  uint32
	Version  uint32
	Protocol uint32 // IPPROTO_TCP or IPPROTO_UDP
	Port     uint32
}

// Portmapper is an embedded RFC 1833 portmap/rpcbind service. Running
// it lets stock mount clients discover the NFS3 and MOUNT3 ports with
// rpcinfo/showmount instead of needing explicit port= mount options.
// It speaks portmap v2 plus the rpcbind v3/v4 subset those clients
// actually call (NULL/SET/UNSET/GETADDR/DUMP).
type Portmapper struct {
	mu       sync.RWMutex
	mappings []PortMapping
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   Logger
}

// NewPortmapper creates an unstarted portmapper with no registrations.
func NewPortmapper() *Portmapper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Portmapper{
		mappings: make([]PortMapping, 0),
		ctx:      ctx,
		cancel:   cancel,
		logger:   NewGoKitLogger(&LogConfig{Level: "info"}),
	}
}

// SetLogger replaces the portmapper's logger, for embedding into a
// process that already has one configured.
func (pm *Portmapper) SetLogger(logger Logger) {
	if logger != nil {
		pm.logger = logger
	}
}

// RegisterService records (or updates) a service registration.
func (pm *Portmapper) RegisterService(prog, vers, prot, port uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i, m := range pm.mappings {
		if m.Program == prog && m.Version == vers && m.Protocol == prot {
			pm.mappings[i].Port = port
			pm.logger.Debug("portmap mapping updated",
				LogField{Key: "prog", Value: prog},
				LogField{Key: "vers", Value: vers},
				LogField{Key: "proto", Value: prot},
				LogField{Key: "port", Value: port})
			return
		}
	}

	pm.mappings = append(pm.mappings, PortMapping{
		Program:  prog,
		Version:  vers,
		Protocol: prot,
		Port:     port,
	})

	pm.logger.Debug("portmap mapping registered",
		LogField{Key: "prog", Value: prog},
		LogField{Key: "vers", Value: vers},
		LogField{Key: "proto", Value: prot},
		LogField{Key: "port", Value: port})
}

// RegisterNFS3Services registers the NFS3 and MOUNT3 program/version
// pairs this server serves on port, on TCP and optionally UDP.
func (pm *Portmapper) RegisterNFS3Services(port uint32, udp bool) {
	pm.RegisterService(NFS_PROGRAM, NFS_V3, IPPROTO_TCP, port)
	pm.RegisterService(MOUNT_PROGRAM, MOUNT_V3, IPPROTO_TCP, port)
	if udp {
		pm.RegisterService(NFS_PROGRAM, NFS_V3, IPPROTO_UDP, port)
		pm.RegisterService(MOUNT_PROGRAM, MOUNT_V3, IPPROTO_UDP, port)
	}
}

// UnregisterService removes a registration if present.
func (pm *Portmapper) UnregisterService(prog, vers, prot uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i, m := range pm.mappings {
		if m.Program == prog && m.Version == vers && m.Protocol == prot {
			pm.mappings = append(pm.mappings[:i], pm.mappings[i+1:]...)
			pm.logger.Debug("portmap mapping unregistered",
				LogField{Key: "prog", Value: prog},
				LogField{Key: "vers", Value: vers},
				LogField{Key: "proto", Value: prot})
			return
		}
	}
}

// GetPort returns the registered port for a service, or 0.
func (pm *Portmapper) GetPort(prog, vers, prot uint32) uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, m := range pm.mappings {
		if m.Program == prog && m.Version == vers && m.Protocol == prot {
			return m.Port
		}
	}
	return 0
}

// GetMappings returns a snapshot of every registration.
func (pm *Portmapper) GetMappings() []PortMapping {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make([]PortMapping, len(pm.mappings))
	copy(result, pm.mappings)
	return result
}

// Start listens on the well-known portmapper port (111, requires
// privileges).
func (pm *Portmapper) Start() error {
	return pm.StartOnPort(PortmapperPort)
}

// StartOnPort listens on a custom port, which lets tests run without
// root.
func (pm *Portmapper) StartOnPort(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	pm.listener = listener

	// Register portmapper itself (v2 = portmap, v3/v4 = rpcbind)
	for _, vers := range []uint32{2, 3, 4} {
		pm.RegisterService(PortmapperProgram, vers, IPPROTO_TCP, uint32(port))
		pm.RegisterService(PortmapperProgram, vers, IPPROTO_UDP, uint32(port))
	}

	pm.logger.Info("portmapper started", LogField{Key: "port", Value: port})

	pm.wg.Add(1)
	go pm.acceptLoop()

	return nil
}

// Stop shuts the portmapper down, waiting up to five seconds for
// in-flight connections to drain.
func (pm *Portmapper) Stop() error {
	pm.cancel()

	if pm.listener != nil {
		pm.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for portmapper shutdown")
	}
}

func (pm *Portmapper) acceptLoop() {
	defer pm.wg.Done()

	for {
		select {
		case <-pm.ctx.Done():
			return
		default:
			if tcpListener, ok := pm.listener.(*net.TCPListener); ok {
				tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
			}

			conn, err := pm.listener.Accept()
			if err != nil {
				select {
				case <-pm.ctx.Done():
					return
				default:
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						continue
					}
					pm.logger.Warn("portmap accept error", LogField{Key: "err", Value: err})
					continue
				}
			}

			pm.wg.Add(1)
			go func() {
				defer pm.wg.Done()
				pm.handleConnection(conn)
			}()
		}
	}
}

func (pm *Portmapper) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Portmap over TCP uses RFC 1831 record marking, unlike the NFS
	// listener which reads calls directly off the stream.
	rmConn := NewRecordMarkingConn(conn, conn)

	for {
		select {
		case <-pm.ctx.Done():
			return
		default:
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))

			data, err := rmConn.ReadRecord()
			if err != nil {
				if err != io.EOF {
					pm.logger.Debug("portmap read error", LogField{Key: "err", Value: err})
				}
				return
			}

			reply, err := pm.handleCall(data)
			if err != nil {
				pm.logger.Debug("portmap call error", LogField{Key: "err", Value: err})
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := rmConn.WriteRecord(reply); err != nil {
				pm.logger.Debug("portmap write error", LogField{Key: "err", Value: err})
				return
			}
		}
	}
}

func (pm *Portmapper) handleCall(data []byte) ([]byte, error) {
	r := bytes.NewReader(data)

	xid, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read XID: %w", err)
	}
	msgType, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message type: %w", err)
	}
	if msgType != RPC_CALL {
		return nil, fmt.Errorf("expected RPC call, got %d", msgType)
	}
	if _, err := xdrDecodeUint32(r); err != nil { // RPC version
		return nil, fmt.Errorf("failed to read RPC version: %w", err)
	}
	program, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}
	version, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	procedure, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure: %w", err)
	}

	// Credentials and verifier carry nothing a portmapper needs.
	if err := pm.skipAuth(r); err != nil {
		return nil, fmt.Errorf("failed to skip credentials: %w", err)
	}
	if err := pm.skipAuth(r); err != nil {
		return nil, fmt.Errorf("failed to skip verifier: %w", err)
	}

	pm.logger.Debug("portmap call",
		LogField{Key: "prog", Value: program},
		LogField{Key: "vers", Value: version},
		LogField{Key: "proc", Value: procedure})

	if program != PortmapperProgram {
		return pm.makeReply(xid, PROG_UNAVAIL, nil), nil
	}

	// v2 = classic portmap; v3/v4 = rpcbind (RFC 1833).
	if version != 2 && version != 3 && version != 4 {
		return pm.makeReply(xid, PROG_MISMATCH, nil), nil
	}

	var result []byte
	if version == 2 {
		switch procedure {
		case PMAPPROC_NULL:
			result = nil
		case PMAPPROC_SET:
			result = pm.handleSet(r)
		case PMAPPROC_UNSET:
			result = pm.handleUnset(r)
		case PMAPPROC_GETPORT:
			result = pm.handleGetPort(r)
		case PMAPPROC_DUMP:
			result = pm.handleDump()
		default:
			return pm.makeReply(xid, PROC_UNAVAIL, nil), nil
		}
	} else {
		// rpcbind procedure numbers: 3 is GETADDR rather than GETPORT,
		// and the argument is an rpcb struct rather than a mapping.
		switch procedure {
		case 0: // RPCBPROC_NULL
			result = nil
		case 1: // RPCBPROC_SET
			result = pm.handleRpcbSet(r)
		case 2: // RPCBPROC_UNSET
			result = pm.handleRpcbUnset(r)
		case 3: // RPCBPROC_GETADDR
			result = pm.handleGetAddr(r)
		case 4: // RPCBPROC_DUMP
			result = pm.handleRpcbDump()
		default:
			return pm.makeReply(xid, PROC_UNAVAIL, nil), nil
		}
	}

	return pm.makeReply(xid, MSG_ACCEPTED, result), nil
}

func (pm *Portmapper) skipAuth(r io.Reader) error {
	if _, err := xdrDecodeUint32(r); err != nil { // flavor
		return err
	}
	length, err := xdrDecodeUint32(r)
	if err != nil {
		return err
	}
	if length > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return err
		}
	}
	return nil
}

func (pm *Portmapper) handleGetPort(r io.Reader) []byte {
	var prog, vers, prot, port uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)
	binary.Read(r, binary.BigEndian, &prot)
	binary.Read(r, binary.BigEndian, &port) // ignored

	resultPort := pm.GetPort(prog, vers, prot)

	pm.logger.Debug("portmap GETPORT",
		LogField{Key: "prog", Value: prog},
		LogField{Key: "vers", Value: vers},
		LogField{Key: "proto", Value: prot},
		LogField{Key: "port", Value: resultPort})

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, resultPort)
	return buf.Bytes()
}

func (pm *Portmapper) handleDump() []byte {
	var buf bytes.Buffer
	for _, m := range pm.GetMappings() {
		binary.Write(&buf, binary.BigEndian, uint32(1))
		binary.Write(&buf, binary.BigEndian, m.Program)
		binary.Write(&buf, binary.BigEndian, m.Version)
		binary.Write(&buf, binary.BigEndian, m.Protocol)
		binary.Write(&buf, binary.BigEndian, m.Port)
	}
	binary.Write(&buf, binary.BigEndian, uint32(0))
	return buf.Bytes()
}

func (pm *Portmapper) handleSet(r io.Reader) []byte {
	var prog, vers, prot, port uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)
	binary.Read(r, binary.BigEndian, &prot)
	binary.Read(r, binary.BigEndian, &port)

	pm.RegisterService(prog, vers, prot, port)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	return buf.Bytes()
}

func (pm *Portmapper) handleUnset(r io.Reader) []byte {
	var prog, vers, prot, port uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)
	binary.Read(r, binary.BigEndian, &prot)
	binary.Read(r, binary.BigEndian, &port) // ignored

	pm.UnregisterService(prog, vers, prot)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	return buf.Bytes()
}

// handleGetAddr answers rpcbind v3/v4 GETADDR with a universal address
// string ("127.0.0.1.8.1" for port 2049).
func (pm *Portmapper) handleGetAddr(r io.Reader) []byte {
	// rpcb argument: r_prog, r_vers, r_netid, r_addr, r_owner.
	var prog, vers uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)

	netid, _ := xdrDecodeString(r)
	xdrDecodeString(r) // r_addr
	xdrDecodeString(r) // r_owner

	var prot uint32
	if netid == "tcp" || netid == "tcp6" {
		prot = IPPROTO_TCP
	} else {
		prot = IPPROTO_UDP
	}

	port := pm.GetPort(prog, vers, prot)

	pm.logger.Debug("portmap GETADDR",
		LogField{Key: "prog", Value: prog},
		LogField{Key: "vers", Value: vers},
		LogField{Key: "netid", Value: netid},
		LogField{Key: "port", Value: port})

	// Universal addresses append the port as two dot-separated decimal
	// octets; an empty string means not registered.
	var uaddr string
	if port > 0 {
		portHi := port / 256
		portLo := port % 256
		if netid == "tcp6" || netid == "udp6" {
			uaddr = fmt.Sprintf("::1.%d.%d", portHi, portLo)
		} else {
			uaddr = fmt.Sprintf("127.0.0.1.%d.%d", portHi, portLo)
		}
	}

	var buf bytes.Buffer
	xdrEncodeString(&buf, uaddr)
	return buf.Bytes()
}

func (pm *Portmapper) handleRpcbSet(r io.Reader) []byte {
	var prog, vers uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)

	netid, _ := xdrDecodeString(r)
	uaddr, _ := xdrDecodeString(r)
	xdrDecodeString(r) // r_owner

	var port uint32
	var prot uint32 = IPPROTO_TCP
	if netid == "udp" || netid == "udp6" {
		prot = IPPROTO_UDP
	}

	if uaddr != "" {
		var a, b, c, d, hi, lo int
		if _, err := fmt.Sscanf(uaddr, "%d.%d.%d.%d.%d.%d", &a, &b, &c, &d, &hi, &lo); err == nil {
			port = uint32(hi*256 + lo)
		}
	}

	if port > 0 {
		pm.RegisterService(prog, vers, prot, port)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	return buf.Bytes()
}

func (pm *Portmapper) handleRpcbUnset(r io.Reader) []byte {
	var prog, vers uint32
	binary.Read(r, binary.BigEndian, &prog)
	binary.Read(r, binary.BigEndian, &vers)

	netid, _ := xdrDecodeString(r)
	xdrDecodeString(r) // r_addr
	xdrDecodeString(r) // r_owner

	var prot uint32 = IPPROTO_TCP
	if netid == "udp" || netid == "udp6" {
		prot = IPPROTO_UDP
	}

	pm.UnregisterService(prog, vers, prot)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	return buf.Bytes()
}

func (pm *Portmapper) handleRpcbDump() []byte {
	var buf bytes.Buffer
	for _, m := range pm.GetMappings() {
		binary.Write(&buf, binary.BigEndian, uint32(1))
		binary.Write(&buf, binary.BigEndian, m.Program)
		binary.Write(&buf, binary.BigEndian, m.Version)

		netid := "tcp"
		if m.Protocol == IPPROTO_UDP {
			netid = "udp"
		}
		xdrEncodeString(&buf, netid)

		portHi := m.Port / 256
		portLo := m.Port % 256
		xdrEncodeString(&buf, fmt.Sprintf("0.0.0.0.%d.%d", portHi, portLo))

		xdrEncodeString(&buf, "superuser")
	}
	binary.Write(&buf, binary.BigEndian, uint32(0))
	return buf.Bytes()
}

func (pm *Portmapper) makeReply(xid uint32, status uint32, data []byte) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, xid)
	binary.Write(&buf, binary.BigEndian, uint32(RPC_REPLY))
	binary.Write(&buf, binary.BigEndian, uint32(MSG_ACCEPTED))
	binary.Write(&buf, binary.BigEndian, uint32(0)) // verifier flavor
	binary.Write(&buf, binary.BigEndian, uint32(0)) // verifier length

	if status == MSG_ACCEPTED {
		binary.Write(&buf, binary.BigEndian, uint32(SUCCESS))
		if data != nil {
			buf.Write(data)
		}
	} else {
		binary.Write(&buf, binary.BigEndian, status)
	}

	return buf.Bytes()
}
