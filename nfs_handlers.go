package absnfs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// NFSProcedureHandler dispatches decoded RPC calls for both the NFS3
// and MOUNT3 programs against one Server/AbsfsNFS pair.
type NFSProcedureHandler struct {
	server *Server
}

// nfsHandler is the function type every NFS3 procedure handler in
// nfs_proc_handlers.go implements.
type nfsHandler func(h *NFSProcedureHandler, body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error)

// nfsHandlers maps NFS3 procedure numbers to their handler functions.
var nfsHandlers = map[uint32]nfsHandler{
	NFSPROC3_NULL:        (*NFSProcedureHandler).handleNull,
	NFSPROC3_GETATTR:     (*NFSProcedureHandler).handleGetattr,
	NFSPROC3_SETATTR:     (*NFSProcedureHandler).handleSetattr,
	NFSPROC3_LOOKUP:      (*NFSProcedureHandler).handleLookup,
	NFSPROC3_ACCESS:      (*NFSProcedureHandler).handleAccess,
	NFSPROC3_READLINK:    (*NFSProcedureHandler).handleReadlink,
	NFSPROC3_READ:        (*NFSProcedureHandler).handleRead,
	NFSPROC3_WRITE:       (*NFSProcedureHandler).handleWrite,
	NFSPROC3_CREATE:      (*NFSProcedureHandler).handleCreate,
	NFSPROC3_MKDIR:       (*NFSProcedureHandler).handleMkdir,
	NFSPROC3_SYMLINK:     (*NFSProcedureHandler).handleSymlink,
	NFSPROC3_MKNOD:       (*NFSProcedureHandler).handleMknod,
	NFSPROC3_REMOVE:      (*NFSProcedureHandler).handleRemove,
	NFSPROC3_RMDIR:       (*NFSProcedureHandler).handleRmdir,
	NFSPROC3_RENAME:      (*NFSProcedureHandler).handleRename,
	NFSPROC3_LINK:        (*NFSProcedureHandler).handleLink,
	NFSPROC3_READDIR:     (*NFSProcedureHandler).handleReaddir,
	NFSPROC3_READDIRPLUS: (*NFSProcedureHandler).handleReaddirplus,
	NFSPROC3_FSSTAT:      (*NFSProcedureHandler).handleFsstat,
	NFSPROC3_FSINFO:      (*NFSProcedureHandler).handleFsinfo,
	NFSPROC3_PATHCONF:    (*NFSProcedureHandler).handlePathconf,
	NFSPROC3_COMMIT:      (*NFSProcedureHandler).handleCommit,
}

var nfsProcedureNames = map[uint32]string{
	NFSPROC3_NULL:        "NULL",
	NFSPROC3_GETATTR:     "GETATTR",
	NFSPROC3_SETATTR:     "SETATTR",
	NFSPROC3_LOOKUP:      "LOOKUP",
	NFSPROC3_ACCESS:      "ACCESS",
	NFSPROC3_READLINK:    "READLINK",
	NFSPROC3_READ:        "READ",
	NFSPROC3_WRITE:       "WRITE",
	NFSPROC3_CREATE:      "CREATE",
	NFSPROC3_MKDIR:       "MKDIR",
	NFSPROC3_SYMLINK:     "SYMLINK",
	NFSPROC3_MKNOD:       "MKNOD",
	NFSPROC3_REMOVE:      "REMOVE",
	NFSPROC3_RMDIR:       "RMDIR",
	NFSPROC3_RENAME:      "RENAME",
	NFSPROC3_LINK:        "LINK",
	NFSPROC3_READDIR:     "READDIR",
	NFSPROC3_READDIRPLUS: "READDIRPLUS",
	NFSPROC3_FSSTAT:      "FSSTAT",
	NFSPROC3_FSINFO:      "FSINFO",
	NFSPROC3_PATHCONF:    "PATHCONF",
	NFSPROC3_COMMIT:      "COMMIT",
}

func procedureName(proc uint32) string {
	if name, ok := nfsProcedureNames[proc]; ok {
		return name
	}
	return "UNKNOWN"
}

// HandleCall validates the RPC envelope (program/version/auth) and
// dispatches to the MOUNT3 or NFS3 procedure table.
func (h *NFSProcedureHandler) HandleCall(call *RPCCall, body io.Reader, authCtx *AuthContext) (*RPCReply, error) {
	reply := &RPCReply{
		Header:       call.Header,
		Status:       MSG_ACCEPTED,
		AcceptStatus: SUCCESS,
		Verifier:     RPCVerifier{Flavor: AUTH_NONE, Body: []byte{}},
	}

	var wantVersion uint32
	switch call.Header.Program {
	case MOUNT_PROGRAM:
		wantVersion = MOUNT_V3
	case NFS_PROGRAM:
		wantVersion = NFS_V3
	default:
		reply.AcceptStatus = PROG_UNAVAIL
		return reply, nil
	}
	if call.Header.Version != wantVersion {
		reply.AcceptStatus = PROG_MISMATCH
		if h.server.handler.logger != nil {
			h.server.handler.logger.Debug("program version mismatch",
				LogField{Key: "program", Value: call.Header.Program},
				LogField{Key: "version", Value: call.Header.Version},
				LogField{Key: "client_ip", Value: authCtx.ClientIP})
		}
		return reply, nil
	}

	authResult := ValidateAuthentication(authCtx, h.server.handler.exports, h.server.handler.options)
	if !authResult.Allowed {
		reply.Status = MSG_DENIED
		reply.AcceptStatus = AUTH_BADCRED
		if h.server.handler.logger != nil {
			h.server.handler.logger.Warn("authentication denied",
				LogField{Key: "reason", Value: authResult.Reason},
				LogField{Key: "client_ip", Value: authCtx.ClientIP})
		}
		return reply, nil
	}

	switch call.Header.Program {
	case MOUNT_PROGRAM:
		return h.handleMountCall(call, body, reply, authCtx)
	case NFS_PROGRAM:
		return h.handleNFSCall(call, body, reply, authCtx)
	}
	return reply, nil
}

func (h *NFSProcedureHandler) handleNFSCall(call *RPCCall, body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	fn, ok := nfsHandlers[call.Header.Procedure]
	if !ok {
		reply.AcceptStatus = PROC_UNAVAIL
		return reply, nil
	}

	name := procedureName(call.Header.Procedure)
	stop := h.server.handler.RecordOperationStart(name)
	result, err := fn(h, body, reply, authCtx)
	stop(resultStatus(result))
	return result, err
}

// resultStatus extracts the nfsstat3/mountstat3 value that handlers with
// a status-first reply write as the first 4 bytes of their pre-encoded
// reply body, for metrics labelling. handleMountCall substitutes
// MNT3_OK for DUMP and EXPORT, whose replies carry no status.
func resultStatus(reply *RPCReply) uint32 {
	if reply == nil {
		return NFSERR_SERVERFAULT
	}
	data, ok := reply.Data.([]byte)
	if !ok || len(data) < 4 {
		return NFS_OK
	}
	return binary.BigEndian.Uint32(data[:4])
}

// statusOnlyReply builds a reply body consisting of just the status
// code, used by every handler's error paths.
func statusOnlyReply(reply *RPCReply, status uint32) (*RPCReply, error) {
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, status)
	reply.Data = buf.Bytes()
	return reply, nil
}
