package absnfs

import (
	"bytes"
	"io"
)

// MOUNT3 procedure numbers (RFC 1813 appendix I).
const (
	MOUNTPROC3_NULL    = 0
	MOUNTPROC3_MNT     = 1
	MOUNTPROC3_DUMP    = 2
	MOUNTPROC3_UMNT    = 3
	MOUNTPROC3_UMNTALL = 4
	MOUNTPROC3_EXPORT  = 5
)

var mountProcedureNames = map[uint32]string{
	MOUNTPROC3_NULL:    "MNT_NULL",
	MOUNTPROC3_MNT:     "MNT",
	MOUNTPROC3_DUMP:    "DUMP",
	MOUNTPROC3_UMNT:    "UMNT",
	MOUNTPROC3_UMNTALL: "UMNTALL",
	MOUNTPROC3_EXPORT:  "EXPORT",
}

// handleMountCall dispatches one MOUNT3 procedure call. The RPC
// version check (rq_vers==MOUNT_V3) already happened in HandleCall,
// which rejects any other MOUNT version with PROG_MISMATCH before this
// ever runs.
func (h *NFSProcedureHandler) handleMountCall(call *RPCCall, body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	name, ok := mountProcedureNames[call.Header.Procedure]
	if !ok {
		reply.AcceptStatus = PROC_UNAVAIL
		return reply, nil
	}
	stop := h.server.handler.RecordOperationStart(name)
	var result *RPCReply
	var err error
	switch call.Header.Procedure {
	case MOUNTPROC3_NULL:
		reply.Data = []byte{}
		result, err = reply, nil
	case MOUNTPROC3_MNT:
		result, err = h.handleMnt(body, reply, authCtx)
	case MOUNTPROC3_DUMP:
		result, err = h.handleDump(reply)
	case MOUNTPROC3_UMNT:
		result, err = h.handleUmnt(body, reply, authCtx)
	case MOUNTPROC3_UMNTALL:
		result, err = h.handleUmntall(reply, authCtx)
	case MOUNTPROC3_EXPORT:
		result, err = h.handleExport(reply)
	}
	status := resultStatus(result)
	if result != nil && (call.Header.Procedure == MOUNTPROC3_DUMP || call.Header.Procedure == MOUNTPROC3_EXPORT) {
		// DUMP and EXPORT results are bare lists with no status word.
		status = MNT3_OK
	}
	stop(status)
	return result, err
}

// handleMnt serves MNT: canonicalise the requested path, check export
// policy and the backend's mount-acceptance hook, build a directory
// filehandle, and record the mount.
func (h *NFSProcedureHandler) handleMnt(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	var buf bytes.Buffer

	dirpath, err := xdrDecodeString(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	if len(dirpath) > NFS3_MAXPATHLEN {
		xdrEncodeUint32(&buf, MNT3ERR_NAMETOOLONG)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	realPath, err := n.backend.RealPath(dirpath)
	if err != nil {
		xdrEncodeUint32(&buf, MNT3ERR_NOENT)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	if !n.exports.Accept(authCtx.ClientIP, realPath) || !n.backend.AcceptMount(authCtx.ClientIP, realPath) {
		xdrEncodeUint32(&buf, MNT3ERR_ACCES)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	st, err := n.backend.Lstat(realPath)
	if err != nil {
		xdrEncodeUint32(&buf, MNT3ERR_NOENT)
		reply.Data = buf.Bytes()
		return reply, nil
	}
	if !st.Mode.IsDir() {
		xdrEncodeUint32(&buf, MNT3ERR_NOTDIR)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	if n.rateLimiter != nil && n.options.EnableRateLimiting {
		if !n.rateLimiter.AllowOperation(authCtx.ClientIP, OpTypeMount) {
			xdrEncodeUint32(&buf, MNT3ERR_ACCES)
			reply.Data = buf.Bytes()
			return reply, nil
		}
	}

	handle := fhComp(st.Ino, realPath)
	if n.mounts.Add(authCtx.ClientIP, realPath) {
		// A crashed client never sends UMNT, so new entries are gated by
		// the mount-table caps; a duplicate MNT reuses its existing slot.
		if n.rateLimiter != nil && n.options.EnableRateLimiting {
			if !n.rateLimiter.AllocateMountEntry(authCtx.ClientIP) {
				n.mounts.Remove(authCtx.ClientIP, realPath)
				xdrEncodeUint32(&buf, MNT3ERR_ACCES)
				reply.Data = buf.Bytes()
				return reply, nil
			}
		}
	}

	xdrEncodeUint32(&buf, MNT3_OK)
	if err := xdrEncodeFileHandle(&buf, handle); err != nil {
		return nil, err
	}
	xdrEncodeUint32(&buf, 1) // auth_flavors<> count
	xdrEncodeUint32(&buf, AUTH_SYS)
	reply.Data = buf.Bytes()
	return reply, nil
}

// handleDump returns the mount list verbatim: MOUNTPROC3_DUMP's result
// is a bare mountlist with no status discriminant.
func (h *NFSProcedureHandler) handleDump(reply *RPCReply) (*RPCReply, error) {
	var buf bytes.Buffer
	for _, e := range h.server.handler.mounts.Dump() {
		xdrEncodeUint32(&buf, 1)
		xdrEncodeString(&buf, e.Hostname)
		xdrEncodeString(&buf, e.Path)
	}
	xdrEncodeUint32(&buf, 0)
	reply.Data = buf.Bytes()
	return reply, nil
}

// handleUmnt removes the mount entry for (client, path). Removal must
// tolerate an entry whose export no longer resolves, so a failed
// RealPath falls back to a lexical normpath rather than erroring.
func (h *NFSProcedureHandler) handleUmnt(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirpath, err := xdrDecodeString(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.backend.RealPath(dirpath)
	if err != nil {
		path = normpath(dirpath)
	}
	removed := n.mounts.Remove(authCtx.ClientIP, path)
	if removed > 0 && n.rateLimiter != nil {
		n.rateLimiter.ReleaseMountEntry(authCtx.ClientIP, removed)
	}
	reply.Data = []byte{}
	return reply, nil
}

// handleUmntall removes every mount entry recorded for the calling host.
func (h *NFSProcedureHandler) handleUmntall(reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	removed := n.mounts.RemoveAll(authCtx.ClientIP)
	if removed > 0 && n.rateLimiter != nil {
		n.rateLimiter.ReleaseMountEntry(authCtx.ClientIP, removed)
	}
	reply.Data = []byte{}
	return reply, nil
}

// handleExport returns the mount-protocol view of the export table: one
// exportnode per export, each carrying its permitted host patterns as
// the group list (no netgroup expansion, matching what the table
// actually stores).
func (h *NFSProcedureHandler) handleExport(reply *RPCReply) (*RPCReply, error) {
	var buf bytes.Buffer
	for _, item := range h.server.handler.exports.items() {
		xdrEncodeUint32(&buf, 1)
		xdrEncodeString(&buf, item.Path)
		for _, host := range item.Hosts {
			xdrEncodeUint32(&buf, 1)
			xdrEncodeString(&buf, host.Pattern)
		}
		xdrEncodeUint32(&buf, 0)
	}
	xdrEncodeUint32(&buf, 0)
	reply.Data = buf.Bytes()
	return reply, nil
}
