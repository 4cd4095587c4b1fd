package absnfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"
)

// xdrDecodeBool / xdrEncodeBool read and write an XDR bool, which is
// just a 4-byte 0/1 discriminant.
func xdrDecodeBool(r io.Reader) (bool, error) {
	v, err := xdrDecodeUint32(r)
	return v != 0, err
}

func xdrEncodeBool(w io.Writer, b bool) error {
	var v uint32
	if b {
		v = 1
	}
	return xdrEncodeUint32(w, v)
}

// xdrEncodeOpaque writes an opaque<> (length-prefixed, 4-byte padded
// byte string), the same wire shape as a string but without the UTF-8
// framing implied by xdrEncodeString.
func xdrEncodeOpaque(w io.Writer, data []byte) error {
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

func xdrDecodeOpaque(r io.Reader, max uint32) ([]byte, error) {
	length, err := xdrDecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if length > max {
		return nil, &NotSupportedError{Operation: "opaque", Reason: "length exceeds limit"}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if pad := xdrPad(int(length)); pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decodeDirOp reads the common (dir filehandle, name) pair shared by
// every directory-mutating procedure's arguments.
func decodeDirOp(body io.Reader) (dirFH []byte, name string, err error) {
	dirFH, err = xdrDecodeFileHandle(body)
	if err != nil {
		return nil, "", err
	}
	name, err = xdrDecodeString(body)
	return dirFH, name, err
}

// sattr3 is the decoded form of an NFS3 sattr3: each field's "set" flag
// is what the wire's set_mode3/set_uid3/... discriminants carry.
type sattr3 struct {
	modeSet bool
	mode    os.FileMode

	uidSet bool
	uid    uint32

	gidSet bool
	gid    uint32

	sizeSet bool
	size    uint64

	atimeHow uint32
	atime    time.Time

	mtimeHow uint32
	mtime    time.Time
}

func decodeSattr3(r io.Reader) (sattr3, error) {
	var s sattr3

	if set, err := xdrDecodeBool(r); err != nil {
		return s, err
	} else if set {
		m, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		s.modeSet = true
		s.mode = os.FileMode(m & 0o7777)
	}
	if set, err := xdrDecodeBool(r); err != nil {
		return s, err
	} else if set {
		v, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		s.uidSet = true
		s.uid = v
	}
	if set, err := xdrDecodeBool(r); err != nil {
		return s, err
	} else if set {
		v, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		s.gidSet = true
		s.gid = v
	}
	if set, err := xdrDecodeBool(r); err != nil {
		return s, err
	} else if set {
		v, err := xdrDecodeUint64(r)
		if err != nil {
			return s, err
		}
		s.sizeSet = true
		s.size = v
	}

	how, err := xdrDecodeUint32(r)
	if err != nil {
		return s, err
	}
	s.atimeHow = how
	if how == SET_TO_CLIENT_TIME {
		sec, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		nsec, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		s.atime = time.Unix(int64(sec), int64(nsec))
	}

	how, err = xdrDecodeUint32(r)
	if err != nil {
		return s, err
	}
	s.mtimeHow = how
	if how == SET_TO_CLIENT_TIME {
		sec, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		nsec, err := xdrDecodeUint32(r)
		if err != nil {
			return s, err
		}
		s.mtime = time.Unix(int64(sec), int64(nsec))
	}

	return s, nil
}

type fileTooLargeErr struct{}

func (fileTooLargeErr) Error() string { return "file too large" }

var errFileTooLarge error = fileTooLargeErr{}

type invalidArgumentErr struct{}

func (invalidArgumentErr) Error() string { return "invalid argument" }

var errInvalidArgument error = invalidArgumentErr{}

// applySattr3 applies a decoded sattr3 to path through the backend,
// stopping at the first failing field. Every field is applied by path
// (never by opening the target): opening a device node can trigger a
// driver load, and opening a symlink follows it. For the same reason a
// size change is refused outright on symlinks and special nodes, where
// truncate would dereference the link or poke the device.
func (n *AbsfsNFS) applySattr3(path string, sa sattr3) error {
	if sa.sizeSet {
		cur, err := n.backend.Lstat(path)
		if err != nil {
			return err
		}
		if cur.Mode&(os.ModeSymlink|os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0 {
			return &os.PathError{Op: "truncate", Path: path, Err: errInvalidArgument}
		}
	}
	if sa.modeSet {
		if err := n.backend.Chmod(path, sa.mode); err != nil {
			return err
		}
	}
	if sa.uidSet || sa.gidSet {
		uid, gid := -1, -1
		if sa.uidSet {
			uid = int(sa.uid)
		}
		if sa.gidSet {
			gid = int(sa.gid)
		}
		if err := n.backend.Lchown(path, uid, gid); err != nil {
			return err
		}
	}
	if sa.sizeSet {
		if n.options.MaxFileSize > 0 && int64(sa.size) > n.options.MaxFileSize {
			return &os.PathError{Op: "truncate", Path: path, Err: errFileTooLarge}
		}
		if err := n.backend.Truncate(path, int64(sa.size)); err != nil {
			return err
		}
	}
	if sa.atimeHow != DONT_CHANGE || sa.mtimeHow != DONT_CHANGE {
		cur, err := n.backend.Lstat(path)
		if err != nil {
			return err
		}
		atime, mtime := cur.Atime, cur.Mtime
		now := time.Now()
		switch sa.atimeHow {
		case SET_TO_CLIENT_TIME:
			atime = sa.atime
		case SET_TO_SERVER_TIME:
			atime = now
		}
		switch sa.mtimeHow {
		case SET_TO_CLIENT_TIME:
			mtime = sa.mtime
		case SET_TO_SERVER_TIME:
			mtime = now
		}
		if err := n.backend.Utime(path, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (h *NFSProcedureHandler) handleNull(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	reply.Data = []byte{}
	return reply, nil
}

func (h *NFSProcedureHandler) handleGetattr(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	st, err := n.backend.Lstat(path)
	if err != nil {
		// The handle resolved but the object vanished between resolution
		// and stat: treat it the same as any other now-dead handle.
		return statusOnlyReply(reply, NFSERR_STALE)
	}
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeFattr3(&buf, path, st)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleSetattr(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	sa, err := decodeSattr3(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	guardSet, err := xdrDecodeBool(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	var guardSec uint32
	if guardSet {
		if guardSec, err = xdrDecodeUint32(body); err != nil {
			reply.AcceptStatus = GARBAGE_ARGS
			return reply, nil
		}
		if _, err = xdrDecodeUint32(body); err != nil { // guard nseconds, unused
			reply.AcceptStatus = GARBAGE_ARGS
			return reply, nil
		}
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	before := n.wccFor(path)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, path, wccPair{before: before, after: before})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	if before == nil {
		return fail(NFSERR_STALE)
	}
	pol := n.resolveAccess(authCtx, path)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}
	if guardSet {
		sec, _ := nfstime3(before.Ctime)
		if sec != guardSec {
			return fail(NFSERR_NOT_SYNC)
		}
	}
	if err := n.applySattr3(path, sa); err != nil {
		return fail(mapError(err))
	}

	after := n.wccFor(path)
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, path, wccPair{before: before, after: after})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleLookup(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirAttr := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writePostOpAttr(&buf, dirPath, dirAttr)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	objStat, err := n.backend.Lstat(objPath)
	if err != nil {
		return fail(mapError(err))
	}

	// LOOKUP3resok carries a bare nfs_fh3, unlike CREATE's optional
	// post_op_fh3.
	handle := fhComp(objStat.Ino, objPath)
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	if err := xdrEncodeFileHandle(&buf, handle); err != nil {
		return nil, err
	}
	n.writePostOpAttr(&buf, objPath, &objStat)
	n.writePostOpAttr(&buf, dirPath, dirAttr)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleAccess(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	requested, err := xdrDecodeUint32(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	st, statErr := n.backend.Lstat(path)
	if statErr != nil {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, staleOr(statErr))
		n.writePostOpAttr(&buf, path, nil)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, path)
	var granted uint32
	switch {
	case n.options.BruteForce:
		// BruteForce advertises every bit the caller asked for and lets
		// the backend be the sole authority on the follow-up operation.
		granted = requested
	case pol.allowed:
		granted = accessBits(st, requested, pol.readOnly)
	}
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, &st)
	xdrEncodeUint32(&buf, granted)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleReadlink(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	st, statErr := n.backend.Lstat(path)
	var stPtr *Stat
	if statErr == nil {
		stPtr = &st
	}

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writePostOpAttr(&buf, path, stPtr)
		reply.Data = buf.Bytes()
		return reply, nil
	}
	if statErr != nil {
		return fail(staleOr(statErr))
	}
	// Testing the symlink bit with a proper comparison (not an
	// assignment) is the fix for the captured source's READLINK type
	// check.
	if st.Mode&os.ModeSymlink == 0 {
		return fail(NFSERR_INVAL)
	}

	target, err := n.backend.Readlink(path)
	if err != nil {
		return fail(mapError(err))
	}
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, stPtr)
	xdrEncodeString(&buf, target)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleRead(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	offset, err := xdrDecodeUint64(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	count, err := xdrDecodeUint32(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	st, statErr := n.backend.Lstat(path)
	var stPtr *Stat
	if statErr == nil {
		stPtr = &st
	}

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writePostOpAttr(&buf, path, stPtr)
		reply.Data = buf.Bytes()
		return reply, nil
	}
	if statErr != nil {
		return fail(staleOr(statErr))
	}
	pol := n.resolveAccess(authCtx, path)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}

	max := uint32(n.maxTransferSize(authCtx.UDP))
	if count > max {
		count = max
	}

	f, err := n.backend.Open(path)
	if err != nil {
		return fail(mapError(err))
	}
	defer f.Close()

	data := make([]byte, count)
	read := 0
	if count > 0 {
		nread, rerr := f.ReadAt(data, int64(offset))
		read = nread
		if rerr != nil && rerr != io.EOF {
			return fail(mapError(rerr))
		}
	}
	data = data[:read]
	eof := uint64(offset)+uint64(read) >= uint64(st.Size)

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, stPtr)
	xdrEncodeUint32(&buf, uint32(read))
	xdrEncodeBool(&buf, eof)
	xdrEncodeOpaque(&buf, data)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleWrite(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	offset, err := xdrDecodeUint64(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	if _, err = xdrDecodeUint32(body); err != nil { // count, redundant with opaque length
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	// stable_how is decoded but not honoured as written: every write
	// is upgraded to FILE_SYNC below.
	if _, err = xdrDecodeUint32(body); err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	data, err := xdrDecodeOpaque(body, uint32(NFS3_MAXDATA_TCP))
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	before := n.wccFor(path)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, path, wccPair{before: before, after: before})
		reply.Data = buf.Bytes()
		return reply, nil
	}
	if before == nil {
		return fail(NFSERR_STALE)
	}
	pol := n.resolveAccess(authCtx, path)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}
	if n.options.MaxFileSize > 0 && int64(offset)+int64(len(data)) > n.options.MaxFileSize {
		return fail(NFSERR_FBIG)
	}

	f, err := n.backend.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fail(mapError(err))
	}
	// Every write is synced regardless of the requested stability, so
	// the reply always reports FILE_SYNC: there is never unstable data
	// for a later COMMIT to flush.
	written, werr := f.WriteAt(data, int64(offset))
	if serr := f.Sync(); serr != nil && werr == nil {
		werr = serr
	}
	f.Close()
	if werr != nil {
		return fail(mapError(werr))
	}

	after := n.wccFor(path)
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, path, wccPair{before: before, after: after})
	xdrEncodeUint32(&buf, uint32(written))
	xdrEncodeUint32(&buf, FILE_SYNC)
	buf.Write(n.writeVerf[:])
	reply.Data = buf.Bytes()
	return reply, nil
}

// decodeCreateHow3 reads a CREATE3args' createhow3 union.
func decodeCreateHow3(r io.Reader) (mode uint32, sa sattr3, verf [8]byte, err error) {
	mode, err = xdrDecodeUint32(r)
	if err != nil {
		return
	}
	switch mode {
	case UNCHECKED, GUARDED:
		sa, err = decodeSattr3(r)
	case EXCLUSIVE:
		_, err = io.ReadFull(r, verf[:])
	}
	return
}

func modeOrDefault(sa sattr3) os.FileMode {
	if sa.modeSet {
		return sa.mode
	}
	return 0o644
}

func (h *NFSProcedureHandler) createSuccess(n *AbsfsNFS, dirPath string, dirBefore *Stat, objPath string, objStat Stat, reply *RPCReply) (*RPCReply, error) {
	handle := fhComp(objStat.Ino, objPath)
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	xdrEncodeUint32(&buf, 1)
	if err := xdrEncodeFileHandle(&buf, handle); err != nil {
		return nil, err
	}
	n.writePostOpAttr(&buf, objPath, &objStat)
	n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleCreate(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	mode, sa, verf, err := decodeCreateHow3(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}

	existing, statErr := n.backend.Lstat(objPath)

	switch mode {
	case EXCLUSIVE:
		if statErr == nil {
			if createVerifierMatches(verf, existing) {
				return h.createSuccess(n, dirPath, dirBefore, objPath, existing, reply)
			}
			return fail(NFSERR_EXIST)
		}
		f, err := n.backend.OpenFile(objPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return fail(mapError(err))
		}
		f.Close()
		atimeSec, mtimeSec := packCreateVerifier(verf)
		n.backend.Utime(objPath, time.Unix(int64(atimeSec), 0), time.Unix(int64(mtimeSec), 0))
	case GUARDED:
		if statErr == nil {
			return fail(NFSERR_EXIST)
		}
		f, err := n.backend.OpenFile(objPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, modeOrDefault(sa))
		if err != nil {
			return fail(mapError(err))
		}
		f.Close()
		n.applySattr3(objPath, sa)
	default: // UNCHECKED
		flags := os.O_WRONLY | os.O_CREATE
		if statErr != nil {
			flags |= os.O_EXCL
		} else {
			flags |= os.O_TRUNC
		}
		f, err := n.backend.OpenFile(objPath, flags, modeOrDefault(sa))
		if err != nil {
			return fail(mapError(err))
		}
		f.Close()
		n.applySattr3(objPath, sa)
	}

	objStat, err := n.backend.Lstat(objPath)
	if err != nil {
		return fail(mapError(err))
	}
	return h.createSuccess(n, dirPath, dirBefore, objPath, objStat, reply)
}

func (h *NFSProcedureHandler) handleMkdir(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	sa, err := decodeSattr3(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if err := n.backend.Mkdir(objPath, modeOrDefault(sa)); err != nil {
		return fail(mapError(err))
	}
	n.applySattr3(objPath, sa)

	objStat, err := n.backend.Lstat(objPath)
	if err != nil {
		return fail(mapError(err))
	}
	return h.createSuccess(n, dirPath, dirBefore, objPath, objStat, reply)
}

func (h *NFSProcedureHandler) handleSymlink(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	sa, err := decodeSattr3(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	target, err := xdrDecodeString(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if err := n.backend.Symlink(target, objPath); err != nil {
		return fail(mapError(err))
	}
	n.applySattr3(objPath, sa) // best-effort: most backends ignore symlink mode bits

	objStat, err := n.backend.Lstat(objPath)
	if err != nil {
		return fail(mapError(err))
	}
	return h.createSuccess(n, dirPath, dirBefore, objPath, objStat, reply)
}

// unixPathMax bounds AF_UNIX socket path names, per sys/un.h's sun_path.
const unixPathMax = 108

func (h *NFSProcedureHandler) handleMknod(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	ftype, err := xdrDecodeUint32(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	var sa sattr3
	var rdev uint64
	switch ftype {
	case NF3CHR, NF3BLK:
		if sa, err = decodeSattr3(body); err != nil {
			reply.AcceptStatus = GARBAGE_ARGS
			return reply, nil
		}
		major, err1 := xdrDecodeUint32(body)
		minor, err2 := xdrDecodeUint32(body)
		if err1 != nil || err2 != nil {
			reply.AcceptStatus = GARBAGE_ARGS
			return reply, nil
		}
		rdev = uint64(major)<<8 | uint64(minor)
	case NF3SOCK, NF3FIFO:
		if sa, err = decodeSattr3(body); err != nil {
			reply.AcceptStatus = GARBAGE_ARGS
			return reply, nil
		}
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	switch ftype {
	case NF3REG, NF3DIR, NF3LNK:
		return fail(NFSERR_INVAL)
	case NF3CHR, NF3BLK, NF3SOCK, NF3FIFO:
		// supported below
	default:
		return fail(NFSERR_BADTYPE)
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if ftype == NF3SOCK && len(objPath) > unixPathMax {
		return fail(NFSERR_NAMETOOLONG)
	}

	var fm os.FileMode
	switch ftype {
	case NF3CHR:
		fm = os.ModeDevice | os.ModeCharDevice
	case NF3BLK:
		fm = os.ModeDevice
	case NF3SOCK:
		fm = os.ModeSocket
	case NF3FIFO:
		fm = os.ModeNamedPipe
	}
	fm |= modeOrDefault(sa).Perm()

	if err := n.backend.Mknod(objPath, fm, rdev); err != nil {
		return fail(mapError(err))
	}
	n.applySattr3(objPath, sa)

	objStat, err := n.backend.Lstat(objPath)
	if err != nil {
		return fail(mapError(err))
	}
	return h.createSuccess(n, dirPath, dirBefore, objPath, objStat, reply)
}

func (h *NFSProcedureHandler) handleRemove(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if st, err := n.backend.Lstat(objPath); err == nil && st.Mode.IsDir() {
		return fail(NFSERR_ISDIR)
	}
	if err := n.backend.Remove(objPath); err != nil {
		return fail(mapError(err))
	}

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleRmdir(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	objPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if err := n.backend.Rmdir(objPath); err != nil {
		return fail(mapError(err))
	}

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleRename(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fromDirFH, fromName, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	toDirFH, toName, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	fromDir, err := n.resolvePath(fromDirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	toDir, err := n.resolvePath(toDirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	fromBefore := n.wccFor(fromDir)
	toBefore := n.wccFor(toDir)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, fromDir, wccPair{before: fromBefore, after: n.wccFor(fromDir)})
		n.writeWccData(&buf, toDir, wccPair{before: toBefore, after: n.wccFor(toDir)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	fromPol := n.resolveAccess(authCtx, fromDir)
	toPol := n.resolveAccess(authCtx, toDir)
	if !fromPol.allowed || !toPol.allowed {
		return fail(NFSERR_ACCES)
	}
	if fromPol.readOnly || toPol.readOnly {
		return fail(NFSERR_ROFS)
	}

	fromPath, err := catName(fromDir, fromName)
	if err != nil {
		return fail(mapError(err))
	}
	toPath, err := catName(toDir, toName)
	if err != nil {
		return fail(mapError(err))
	}
	if err := n.backend.Rename(fromPath, toPath); err != nil {
		return fail(mapError(err))
	}

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, fromDir, wccPair{before: fromBefore, after: n.wccFor(fromDir)})
	n.writeWccData(&buf, toDir, wccPair{before: toBefore, after: n.wccFor(toDir)})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleLink(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fileFH, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	dirFH, name, err := decodeDirOp(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	filePath, err := n.resolvePath(fileFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirPath, err := n.resolvePath(dirFH)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	fileBefore := n.wccFor(filePath)
	dirBefore := n.wccFor(dirPath)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writePostOpAttr(&buf, filePath, fileBefore)
		n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
		reply.Data = buf.Bytes()
		return reply, nil
	}

	pol := n.resolveAccess(authCtx, dirPath)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	linkPath, err := catName(dirPath, name)
	if err != nil {
		return fail(mapError(err))
	}
	if err := n.backend.Link(filePath, linkPath); err != nil {
		return fail(mapError(err))
	}

	fileAfter := n.wccFor(filePath)
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, filePath, fileAfter)
	n.writeWccData(&buf, dirPath, wccPair{before: dirBefore, after: n.wccFor(dirPath)})
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleReaddir(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	cookie, err := xdrDecodeUint64(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	var cookieverf [8]byte
	if _, err := io.ReadFull(body, cookieverf[:]); err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	count, err := xdrDecodeUint32(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	dirAttr := n.wccFor(path)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writePostOpAttr(&buf, path, dirAttr)
		reply.Data = buf.Bytes()
		return reply, nil
	}

	if dirAttr == nil {
		return fail(NFSERR_STALE)
	}
	if !dirAttr.Mode.IsDir() {
		return fail(NFSERR_NOTDIR)
	}
	pol := n.resolveAccess(authCtx, path)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}

	verf := dirCookieVerf(n, path)
	if cookie != 0 && binary.BigEndian.Uint64(cookieverf[:]) != verf {
		return fail(NFSERR_BAD_COOKIE)
	}

	entries, err := n.backend.ReadDir(path)
	if err != nil {
		return fail(mapError(err))
	}

	listing := listDirectory(entries, cookie, count, 0)

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, dirAttr)
	var verfBytes [8]byte
	binary.BigEndian.PutUint64(verfBytes[:], verf)
	buf.Write(verfBytes[:])
	for _, e := range listing.Entries {
		xdrEncodeUint32(&buf, 1)
		xdrEncodeUint64(&buf, e.FileID)
		xdrEncodeString(&buf, e.Name)
		xdrEncodeUint64(&buf, e.Cookie)
	}
	xdrEncodeUint32(&buf, 0)
	xdrEncodeBool(&buf, listing.EOF)
	reply.Data = buf.Bytes()
	return reply, nil
}

// handleReaddirplus always reports NFS3ERR_NOTSUPP with absent
// dir_attributes: filehandle+attribute batches cannot be produced
// atomically from user space, so the procedure is deliberately not
// offered and clients fall back to READDIR.
func (h *NFSProcedureHandler) handleReaddirplus(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	if _, err := xdrDecodeFileHandle(body); err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFSERR_NOTSUPP)
	n.writePostOpAttr(&buf, "", nil)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleFsstat(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	attr := n.wccFor(path)
	export, _ := n.exports.Match(path)

	var buf bytes.Buffer
	if export.Removable {
		if _, err := n.backend.Lstat(path); err != nil {
			// Removable media currently absent: report the export as
			// present but empty rather than failing the call outright.
			xdrEncodeUint32(&buf, NFS_OK)
			n.writePostOpAttr(&buf, path, nil)
			for i := 0; i < 6; i++ {
				xdrEncodeUint64(&buf, 0)
			}
			xdrEncodeUint32(&buf, 1)
			reply.Data = buf.Bytes()
			return reply, nil
		}
		n.noteMediaHash(export)
	}

	fsstat, err := n.backend.Statfs(path)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, attr)
	xdrEncodeUint64(&buf, fsstat.TotalBytes)
	xdrEncodeUint64(&buf, fsstat.FreeBytes)
	xdrEncodeUint64(&buf, fsstat.AvailBytes)
	xdrEncodeUint64(&buf, fsstat.TotalFiles)
	xdrEncodeUint64(&buf, fsstat.FreeFiles)
	xdrEncodeUint64(&buf, fsstat.AvailFiles)
	xdrEncodeUint32(&buf, 1) // invarsec
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleFsinfo(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	attr := n.wccFor(path)
	max := uint32(n.maxTransferSize(authCtx.UDP))

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, attr)
	xdrEncodeUint32(&buf, max)
	xdrEncodeUint32(&buf, max)
	xdrEncodeUint32(&buf, 4096)
	xdrEncodeUint32(&buf, max)
	xdrEncodeUint32(&buf, max)
	xdrEncodeUint32(&buf, 4096)
	xdrEncodeUint32(&buf, 4096)
	xdrEncodeUint64(&buf, ^uint64(0))
	xdrEncodeUint32(&buf, 1)
	xdrEncodeUint32(&buf, 0)
	xdrEncodeUint32(&buf, FSF3_LINK|FSF3_SYMLINK|FSF3_HOMOGENEOUS|FSF3_CANSETTIME)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handlePathconf(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	attr := n.wccFor(path)

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writePostOpAttr(&buf, path, attr)
	xdrEncodeUint32(&buf, ^uint32(0))
	xdrEncodeUint32(&buf, NFS3_MAXNAMLEN)
	xdrEncodeBool(&buf, true)
	xdrEncodeBool(&buf, false)
	xdrEncodeBool(&buf, false)
	xdrEncodeBool(&buf, true)
	reply.Data = buf.Bytes()
	return reply, nil
}

func (h *NFSProcedureHandler) handleCommit(body io.Reader, reply *RPCReply, authCtx *AuthContext) (*RPCReply, error) {
	n := h.server.handler
	fhBytes, err := xdrDecodeFileHandle(body)
	if err != nil {
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	if _, err := xdrDecodeUint64(body); err != nil { // offset, unused: backend syncs the whole file
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}
	if _, err := xdrDecodeUint32(body); err != nil { // count, unused
		reply.AcceptStatus = GARBAGE_ARGS
		return reply, nil
	}

	path, err := n.resolvePath(fhBytes)
	if err != nil {
		return statusOnlyReply(reply, mapError(err))
	}
	before := n.wccFor(path)

	fail := func(status uint32) (*RPCReply, error) {
		var buf bytes.Buffer
		xdrEncodeUint32(&buf, status)
		n.writeWccData(&buf, path, wccPair{before: before, after: before})
		reply.Data = buf.Bytes()
		return reply, nil
	}
	if before == nil {
		return fail(NFSERR_STALE)
	}
	pol := n.resolveAccess(authCtx, path)
	if !pol.allowed {
		return fail(NFSERR_ACCES)
	}
	if pol.readOnly {
		return fail(NFSERR_ROFS)
	}

	after, err := n.backend.Sync(path)
	if err != nil {
		return fail(mapError(err))
	}

	var buf bytes.Buffer
	xdrEncodeUint32(&buf, NFS_OK)
	n.writeWccData(&buf, path, wccPair{before: before, after: &after})
	buf.Write(n.writeVerf[:])
	reply.Data = buf.Bytes()
	return reply, nil
}
