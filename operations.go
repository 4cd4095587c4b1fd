package absnfs

import (
	"errors"
	"os"
	"strings"
)

// errNameTooLong matches the error string mapError translates to
// NFS3ERR_NAMETOOLONG.
var errNameTooLong = errors.New("file name too long")

// catName validates a single name component against the RFC's
// forbidden characters and length bound, then joins it onto dir.
// An empty name, a name carrying a '/', or ".." is an access error,
// not a lookup miss: these are how a client escapes the export tree.
// "." is special-cased to mean "the directory itself" rather than a
// real lookup, which LOOKUP(dir-handle, ".") relies on.
func catName(dirPath, name string) (string, error) {
	if name == "" || name == ".." || strings.Contains(name, "/") {
		return "", &os.PathError{Op: "lookup", Path: name, Err: os.ErrPermission}
	}
	if len(name) > NFS3_MAXNAMLEN {
		return "", &os.PathError{Op: "lookup", Path: name, Err: errNameTooLong}
	}
	if name == "." {
		return dirPath, nil
	}
	joined := dirPath + "/" + name
	if dirPath == "/" {
		joined = "/" + name
	}
	if len(joined) > NFS3_MAXPATHLEN {
		return "", &os.PathError{Op: "lookup", Path: joined, Err: errNameTooLong}
	}
	return joined, nil
}

// effectivePolicy is the per-call access policy resolved from the
// export table (or, absent a matching export, denied outright): the
// read-only flag and the anon credential substituted when the
// caller's AUTH_SYS identity is squashed.
type effectivePolicy struct {
	allowed  bool
	readOnly bool
	uid      uint32
	gid      uint32
	secure   bool
}

// resolveAccess consults n.exports for the export covering path and
// the first ExportHost matching the caller's IP, applying
// root_squash/all_squash purely in user space: it only ever picks the
// credential substituted for the backend call, never the process's
// real UID/GID, which keeps squashing goroutine-safe.
func (n *AbsfsNFS) resolveAccess(authCtx *AuthContext, path string) effectivePolicy {
	pol := effectivePolicy{uid: 65534, gid: 65534}

	export, ok := n.exports.Match(path)
	if !ok {
		return pol
	}
	host, ok := export.HostFor(authCtx.ClientIP)
	if !ok {
		return pol
	}

	pol.allowed = true
	pol.readOnly = host.ReadOnly
	pol.secure = host.Secure
	pol.uid, pol.gid = host.AnonUID, host.AnonGID

	callerUID, callerGID := pol.uid, pol.gid
	if authCtx.AuthSys != nil {
		callerUID, callerGID = authCtx.AuthSys.UID, authCtx.AuthSys.GID
	}

	switch {
	case n.options.SingleUser:
		// SingleUser disables squashing outright: every caller keeps
		// its own AUTH_SYS identity, including root.
		pol.uid, pol.gid = callerUID, callerGID
	case host.AllSquash:
		// already squashed to AnonUID/AnonGID above
	case host.RootSquash && callerUID == 0:
		// already squashed to AnonUID/AnonGID above
	default:
		pol.uid, pol.gid = callerUID, callerGID
	}

	return pol
}

// accessBits computes the ACCESS3 reply mask optimistically: the
// server advertises the full READ/MODIFY/EXTEND/EXECUTE union without
// consulting the object's permission bits, restricted only by the
// export's read-only flag, and lets the backend filesystem be the real
// authority on the follow-up operation. Directories additionally gain
// LOOKUP when readable/executable and DELETE when modifiable, and
// never advertise EXECUTE.
func accessBits(st Stat, requested uint32, readOnly bool) uint32 {
	var avail uint32 = ACCESS3_READ | ACCESS3_MODIFY | ACCESS3_EXTEND | ACCESS3_EXECUTE
	if readOnly {
		avail &^= ACCESS3_MODIFY | ACCESS3_EXTEND
	}
	if st.Mode.IsDir() {
		if avail&(ACCESS3_READ|ACCESS3_EXECUTE) != 0 {
			avail |= ACCESS3_LOOKUP
		}
		if avail&ACCESS3_MODIFY != 0 {
			avail |= ACCESS3_DELETE
		}
		avail &^= ACCESS3_EXECUTE
	}
	return avail & requested
}

// resolvePath turns a wire filehandle into the path it denotes,
// distinguishing a structurally malformed handle (BADHANDLE) from one
// that once resolved but no longer does (STALE).
func (n *AbsfsNFS) resolvePath(fhBytes []byte) (string, error) {
	if !nfhValid(fhBytes) {
		return "", &InvalidFileHandleError{Reason: "malformed file handle"}
	}
	path, ok := fhDecomp(n.backend, fhBytes)
	if !ok {
		return "", &StaleFileHandleError{Reason: "file handle does not resolve to a live object"}
	}
	return path, nil
}

// staleOr maps a stat failure on a filehandle-addressed object. A
// handle names an object, not a path: when the object behind an
// already-resolved handle is gone, the handle is stale, which is
// distinct from a name-addressed lookup miss (NFS3ERR_NOENT).
func staleOr(err error) uint32 {
	if os.IsNotExist(err) {
		return NFSERR_STALE
	}
	return mapError(err)
}

// fattrFSID returns the fsid advertised in fattr3: st_dev truncated to
// 32 bits. Removable exports are the exception: their backing device
// can vanish and come back with a different st_dev, so they advertise
// the export's stable path-derived FSID instead.
func (n *AbsfsNFS) fattrFSID(path string, st Stat) uint32 {
	if item, ok := n.exports.Match(path); ok && item.Removable {
		return item.FSID
	}
	return st.Dev
}

// wccFor stats path for use as either half of a wcc_data pair; a failed
// stat yields a nil pointer, encoded as an absent pre/post_op_attr.
func (n *AbsfsNFS) wccFor(path string) *Stat {
	st, err := n.backend.Lstat(path)
	if err != nil {
		return nil
	}
	return &st
}

// noteMediaHash records the current content hash of a removable
// export's root and logs when it changes between FSSTAT calls. Swapped
// media invalidates every outstanding READDIR cookie automatically
// (the cookieverf is the content hash), so the observation is
// diagnostic rather than corrective.
func (n *AbsfsNFS) noteMediaHash(export ExportItem) {
	root := export.Canonical
	h := n.backend.DirectoryHash(root)
	if prev, ok := n.mediaHashes.Load(root); ok && prev.(uint32) != h {
		n.logger.Info("removable media changed",
			LogField{Key: "export", Value: root},
			LogField{Key: "hash", Value: h})
	}
	n.mediaHashes.Store(root, h)
}

// dirCookieVerf derives a READDIR cookieverf from the directory's
// current contents via FSBackend.DirectoryHash, so a cookie handed out
// against one ordering of a directory is rejected with NFS3ERR_BAD_COOKIE
// once that ordering changes, without needing a server-side table of
// past listings.
func dirCookieVerf(n *AbsfsNFS, path string) uint64 {
	return uint64(n.backend.DirectoryHash(path))
}

// maxTransferSize returns the READ/WRITE cap for the given transport,
// bounded additionally by the configured TransferSize.
func (n *AbsfsNFS) maxTransferSize(udp bool) int {
	max := NFS3_MAXDATA_TCP
	if udp {
		max = NFS3_MAXDATA_UDP
	}
	if n.options.TransferSize > 0 && n.options.TransferSize < max {
		max = n.options.TransferSize
	}
	return max
}

// Export starts serving this filesystem over NFSv3+MOUNT3 on the given
// port, binding both the TCP and (when enabled) UDP transports.
func (n *AbsfsNFS) Export(mountPath string, port int) error {
	n.mountPath = mountPath

	server, err := NewServer(ServerOptions{
		Name:     "nfs3d",
		ReadOnly: n.options.ReadOnly,
		Port:     port,
	})
	if err != nil {
		return err
	}
	server.SetHandler(n)
	n.server = server
	return server.Listen()
}

// Unexport stops serving the filesystem and releases server resources.
func (n *AbsfsNFS) Unexport() error {
	if n.server != nil {
		return n.server.Stop()
	}
	return nil
}
