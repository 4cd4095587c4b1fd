package absnfs

// entryFixedSize is the fixed overhead of one entry3 on the wire:
// fileid (8) + name length (4) + cookie (8) + next-entry flag (4),
// before the name's own padded bytes. resokFixedSize is the fixed,
// generously rounded overhead of a READDIR3resok envelope that isn't
// entries. maxEntries bounds a single reply to the 4096-byte default
// byte_count budget client libraries commonly request.
const (
	entryFixedSize  = 24
	resokFixedSize  = 104
	maxEntries      = 170
	defaultDirCount = 4096
)

func pad4(n int) int {
	return (n + 3) &^ 3
}

func entrySize(name string) int {
	return entryFixedSize + pad4(len(name))
}

// dirListing is the result of enumerating one directory: the ordered
// entries actually returned and whether more remain beyond this reply.
// Generation is not filled in by listDirectory (it stays zero); the
// READDIR handler validates cookies against the DirectoryHash-based
// cookieverf instead.
type dirListing struct {
	Entries    []readdirEntry
	EOF        bool
	Generation uint64
}

type readdirEntry struct {
	FileID uint64
	Name   string
	Cookie uint64
}

// listDirectory enumerates every entry in a directory once (via
// FSBackend.ReadDir), assigns each one a cookie equal to its 1-based
// position, and packs as many as fit under byteCount starting just
// after startCookie.
//
// Cookie 0 always means "start from the beginning". A non-zero cookie
// must match a real position previously handed out for *this*
// generation (verified by the caller comparing cookieverf); this
// function itself only applies the position/budget slicing once a
// caller has established the cookie is meaningful.
func listDirectory(entries []DirEntry, startCookie uint64, byteCount uint32, plusSize int) dirListing {
	if byteCount > defaultDirCount {
		byteCount = defaultDirCount
	}
	budget := int(byteCount) - resokFixedSize
	if budget < 0 {
		budget = 0
	}

	out := make([]readdirEntry, 0, len(entries))
	used := 0
	count := 0
	eof := true

	for i, e := range entries {
		cookie := uint64(i + 1)
		if cookie <= startCookie {
			continue
		}
		size := entrySize(e.Name) + plusSize
		if used+size > budget || count >= maxEntries {
			eof = false
			break
		}
		out = append(out, readdirEntry{FileID: e.Stat.Ino, Name: e.Name, Cookie: cookie})
		used += size
		count++
	}

	return dirListing{Entries: out, EOF: eof}
}
