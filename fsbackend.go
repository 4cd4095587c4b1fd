package absnfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// Stat is the narrow set of filesystem metadata the core needs to build
// NFS3 attributes and drive the filehandle codec. It plays the role the
// design calls FSBackend's stat structure: st_dev, st_ino, st_mode,
// st_nlink, st_uid, st_gid, st_rdev, st_size, st_blocks, and the three
// timestamps.
type Stat struct {
	Ino    uint64
	Dev    uint32
	Mode   os.FileMode
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Rdev   uint64
	Size   int64
	Blocks int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// FSStat mirrors statvfs output for FSSTAT.
type FSStat struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	TotalFiles uint64
	FreeFiles  uint64
	AvailFiles uint64
}

// DirEntry is one entry produced while enumerating a directory.
type DirEntry struct {
	Name string
	Stat Stat
}

// FSBackend is the abstract filesystem capability the core consumes. It
// exists so the NFS3 procedure engine never talks to absfs (or any other
// concrete filesystem) directly: every handler goes through this
// interface, which is what makes the core testable against an in-memory
// fake and swappable onto any absfs.FileSystem.
type FSBackend interface {
	Lstat(path string) (Stat, error)
	Open(path string) (absfs.File, error)
	OpenFile(path string, flag int, mode os.FileMode) (absfs.File, error)
	Truncate(path string, size int64) error
	Chmod(path string, mode os.FileMode) error
	Lchown(path string, uid, gid int) error
	Utime(path string, atime, mtime time.Time) error
	Mkdir(path string, mode os.FileMode) error
	Rmdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Link(oldPath, newPath string) error
	Symlink(target, newPath string) error
	Readlink(path string) (string, error)
	Mknod(path string, mode os.FileMode, rdev uint64) error
	Sync(path string) (Stat, error)
	Statfs(path string) (FSStat, error)
	ReadDir(path string) ([]DirEntry, error)
	DirectoryHash(path string) uint32

	// Fgetpath resolves the long-path fallback case of the filehandle
	// codec: an inode whose path did not fit inline.
	Fgetpath(ino uint64) (string, bool)

	// AcceptMount and RealPath back the MOUNT3 MNT handler.
	AcceptMount(clientIP string, path string) bool
	RealPath(path string) (string, error)
}

// absfsBackend adapts an absfs.FileSystem (optionally a SymlinkFileSystem)
// into an FSBackend. absfs exposes only os.FileInfo, which carries no
// inode, device, link-count or rdev fields, so this backend synthesizes
// them: a stable per-path inode from a monotonic allocator (preserved
// across rename so long-path filehandles keep resolving), a constant
// device id for the single backing filesystem, Nlink=1, and per-path
// records of the atime, type bits and device numbers the virtual
// filesystem cannot store itself. Nlink stays 1 even across Link,
// a simplification for a backend without real hardlinks.
type absfsBackend struct {
	fs  absfs.FileSystem
	sfs SymlinkFileSystem // nil if fs doesn't support symlinks/mknod

	mu       sync.Mutex
	byPath   map[string]uint64
	byIno    map[uint64]string
	nextIno  uint64
	atimes   map[string]time.Time
	nodes    map[string]specialNode
	acceptMu sync.RWMutex
	accept   func(clientIP, path string) bool
}

// specialNode records what the backing filesystem cannot: the type
// bits and device number of a Mknod-created node.
type specialNode struct {
	mode os.FileMode
	rdev uint64
}

func newAbsfsBackend(fs absfs.FileSystem) *absfsBackend {
	b := &absfsBackend{
		fs:      fs,
		byPath:  make(map[string]uint64),
		byIno:   make(map[uint64]string),
		nextIno: 2, // 1 is reserved conceptually for the root sentinel
		atimes:  make(map[string]time.Time),
		nodes:   make(map[string]specialNode),
	}
	if sfs, ok := fs.(SymlinkFileSystem); ok {
		b.sfs = sfs
	}
	b.byPath["/"] = 1
	b.byIno[1] = "/"
	return b
}

func (b *absfsBackend) inoFor(path string) uint64 {
	path = normpath(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	if ino, ok := b.byPath[path]; ok {
		return ino
	}
	ino := b.nextIno
	b.nextIno++
	b.byPath[path] = ino
	b.byIno[ino] = path
	return ino
}

// renameIno moves the inode assignment from oldPath to newPath so that a
// long-path filehandle encoded before a RENAME keeps resolving to the
// object's new location via Fgetpath.
func (b *absfsBackend) renameIno(oldPath, newPath string) {
	oldPath, newPath = normpath(oldPath), normpath(newPath)
	b.mu.Lock()
	defer b.mu.Unlock()
	if ino, ok := b.byPath[oldPath]; ok {
		delete(b.byPath, oldPath)
		b.byPath[newPath] = ino
		b.byIno[ino] = newPath
	}
	if at, ok := b.atimes[oldPath]; ok {
		delete(b.atimes, oldPath)
		b.atimes[newPath] = at
	}
	if sn, ok := b.nodes[oldPath]; ok {
		delete(b.nodes, oldPath)
		b.nodes[newPath] = sn
	}
}

func (b *absfsBackend) Fgetpath(ino uint64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byIno[ino]
	return p, ok
}

func (b *absfsBackend) Lstat(path string) (Stat, error) {
	var info os.FileInfo
	var err error
	if b.sfs != nil {
		info, err = b.sfs.Lstat(path)
	} else {
		info, err = b.fs.Stat(path)
	}
	if err != nil {
		return Stat{}, err
	}
	return b.toStat(path, info), nil
}

func (b *absfsBackend) toStat(path string, info os.FileInfo) Stat {
	mode := info.Mode()
	blocks := (info.Size() + 511) / 512
	atime := info.ModTime()
	var rdev uint64
	// absfs reports only ModTime; a separately-set atime (which the
	// EXCLUSIVE-create verifier depends on) is tracked here instead.
	// Device numbers and type bits from Mknod are tracked the same way,
	// since the backing filesystem cannot round-trip them.
	b.mu.Lock()
	if at, ok := b.atimes[normpath(path)]; ok {
		atime = at
	}
	if sn, ok := b.nodes[normpath(path)]; ok {
		mode = sn.mode&os.ModeType | mode.Perm()
		rdev = sn.rdev
	}
	b.mu.Unlock()
	return Stat{
		Ino:    b.inoFor(path),
		Dev:    1,
		Mode:   mode,
		Nlink:  1,
		Rdev:   rdev,
		Size:   info.Size(),
		Blocks: blocks,
		Atime:  atime,
		Mtime:  info.ModTime(),
		Ctime:  info.ModTime(),
	}
}

func (b *absfsBackend) Open(path string) (absfs.File, error) {
	return b.fs.OpenFile(path, os.O_RDONLY, 0)
}

func (b *absfsBackend) OpenFile(path string, flag int, mode os.FileMode) (absfs.File, error) {
	return b.fs.OpenFile(path, flag, mode)
}

func (b *absfsBackend) Truncate(path string, size int64) error {
	return b.fs.Truncate(path, size)
}

func (b *absfsBackend) Chmod(path string, mode os.FileMode) error {
	return b.fs.Chmod(path, mode)
}

func (b *absfsBackend) Lchown(path string, uid, gid int) error {
	return b.fs.Chown(path, uid, gid)
}

func (b *absfsBackend) Utime(path string, atime, mtime time.Time) error {
	if err := b.fs.Chtimes(path, atime, mtime); err != nil {
		return err
	}
	b.mu.Lock()
	b.atimes[normpath(path)] = atime
	b.mu.Unlock()
	return nil
}

func (b *absfsBackend) Mkdir(path string, mode os.FileMode) error {
	return b.fs.Mkdir(path, mode)
}

func (b *absfsBackend) Rmdir(path string) error {
	return b.fs.Remove(path)
}

func (b *absfsBackend) Remove(path string) error {
	if err := b.fs.Remove(path); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.nodes, normpath(path))
	delete(b.atimes, normpath(path))
	b.mu.Unlock()
	return nil
}

func (b *absfsBackend) Rename(oldPath, newPath string) error {
	if err := b.fs.Rename(oldPath, newPath); err != nil {
		return err
	}
	b.renameIno(oldPath, newPath)
	return nil
}

func (b *absfsBackend) Link(oldPath, newPath string) error {
	// absfs has no hardlink primitive; emulate by copying bytes for
	// regular files so LINK has observable effect, matching the spirit
	// (not the inode-sharing semantics) of a hard link on a backend that
	// cannot express one.
	src, err := b.fs.OpenFile(oldPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := b.fs.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

func (b *absfsBackend) Symlink(target, newPath string) error {
	if b.sfs == nil {
		return &NotSupportedError{Operation: "SYMLINK", Reason: "backend does not support symlinks"}
	}
	return b.sfs.Symlink(target, newPath)
}

func (b *absfsBackend) Readlink(path string) (string, error) {
	if b.sfs == nil {
		return "", &NotSupportedError{Operation: "READLINK", Reason: "backend does not support symlinks"}
	}
	return b.sfs.Readlink(path)
}

func (b *absfsBackend) Mknod(path string, mode os.FileMode, rdev uint64) error {
	// absfs has no device-node primitive. A zero-length placeholder file
	// carrying the requested mode bits lets LOOKUP/GETATTR observe the
	// right type and rdev via the stat-synthesis path below, which is
	// the best an in-process virtual filesystem can offer.
	f, err := b.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	f.Close()
	b.mu.Lock()
	b.nodes[normpath(path)] = specialNode{mode: mode, rdev: rdev}
	b.mu.Unlock()
	return nil
}

func (b *absfsBackend) Sync(path string) (Stat, error) {
	f, err := b.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return Stat{}, err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return Stat{}, err
	}
	return b.Lstat(path)
}

func (b *absfsBackend) Statfs(path string) (FSStat, error) {
	// absfs does not expose free-space accounting; report a large fixed
	// pool, matching removable-export semantics of "zeros rather than an
	// error" only for exports actually marked removable (handled by the
	// FSSTAT handler, not here).
	return FSStat{
		TotalBytes: 1 << 40,
		FreeBytes:  1 << 39,
		AvailBytes: 1 << 39,
		TotalFiles: 1 << 20,
		FreeFiles:  1 << 19,
		AvailFiles: 1 << 19,
	}, nil
}

func (b *absfsBackend) ReadDir(path string) ([]DirEntry, error) {
	f, err := b.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		childPath := filepath.ToSlash(filepath.Join(path, name))
		out = append(out, DirEntry{Name: name, Stat: b.toStat(childPath, info)})
	}
	return out, nil
}

func (b *absfsBackend) DirectoryHash(path string) uint32 {
	entries, err := b.ReadDir(path)
	if err != nil {
		return 0
	}
	var h uint32
	for _, e := range entries {
		h = fnv1a32(e.Name, h)
	}
	return h
}

func (b *absfsBackend) AcceptMount(clientIP, path string) bool {
	b.acceptMu.RLock()
	accept := b.accept
	b.acceptMu.RUnlock()
	if accept == nil {
		return true
	}
	return accept(clientIP, path)
}

func (b *absfsBackend) SetAcceptMount(f func(clientIP, path string) bool) {
	b.acceptMu.Lock()
	b.accept = f
	b.acceptMu.Unlock()
}

func (b *absfsBackend) RealPath(path string) (string, error) {
	clean := normpath(path)
	if _, err := b.fs.Stat(clean); err != nil {
		return "", err
	}
	return clean, nil
}

// normpath implements the pure-lexical canonicalisation used for
// removable exports (no realpath): collapse consecutive slashes and
// strip a trailing slash except on root.
func normpath(p string) string {
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	var kept []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// fnv1a32 implements the exact FNV-1a-32 algorithm used throughout the
// codec and export table: hval ^= byte; hval *= 0x01000193.
func fnv1a32(s string, seed uint32) uint32 {
	h := seed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 0x01000193
	}
	return h
}
