package absnfs

import (
	"os"
	"strings"
	"testing"
)

func TestCatName(t *testing.T) {
	tests := []struct {
		name     string
		dir      string
		elem     string
		want     string
		wantErr  bool
		wantStat uint32
	}{
		{"simple join", "/export", "file.txt", "/export/file.txt", false, 0},
		{"join at root", "/", "file.txt", "/file.txt", false, 0},
		{"dot is the directory itself", "/export/sub", ".", "/export/sub", false, 0},
		{"empty name", "/export", "", "", true, NFSERR_ACCES},
		{"embedded slash", "/export", "a/b", "", true, NFSERR_ACCES},
		{"escape attempt", "/export", "../etc", "", true, NFSERR_ACCES},
		{"bare dotdot", "/export", "..", "", true, NFSERR_ACCES},
		{"name too long", "/export", strings.Repeat("n", NFS3_MAXNAMLEN+1), "", true, NFSERR_NAMETOOLONG},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := catName(tt.dir, tt.elem)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("catName(%q, %q) succeeded, want error", tt.dir, tt.elem)
				}
				if st := mapError(err); st != tt.wantStat {
					t.Errorf("status = %d, want %d", st, tt.wantStat)
				}
				return
			}
			if err != nil {
				t.Fatalf("catName: %v", err)
			}
			if got != tt.want {
				t.Errorf("catName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCatNamePathLengthBoundary(t *testing.T) {
	// A joined path of exactly NFS3_MAXPATHLEN passes; one byte more
	// fails with NAMETOOLONG.
	name := strings.Repeat("n", 200)
	dir := "/" + strings.Repeat("d", NFS3_MAXPATHLEN-len(name)-2)
	joined, err := catName(dir, name)
	if err != nil {
		t.Fatalf("path of exactly %d bytes rejected: %v", NFS3_MAXPATHLEN, err)
	}
	if len(joined) != NFS3_MAXPATHLEN {
		t.Fatalf("joined length = %d, want %d", len(joined), NFS3_MAXPATHLEN)
	}

	dir += "d"
	if _, err := catName(dir, name); err == nil {
		t.Fatal("path one byte over NFS3_MAXPATHLEN accepted")
	} else if st := mapError(err); st != NFSERR_NAMETOOLONG {
		t.Errorf("status = %d, want NFSERR_NAMETOOLONG", st)
	}
}

func TestAccessBits(t *testing.T) {
	// The model is optimistic: permission bits on the object never
	// reduce what's advertised, only the export's write policy and the
	// object's directory-ness do.
	regular := Stat{Mode: 0755}
	noExec := Stat{Mode: 0644}
	dir := Stat{Mode: os.ModeDir | 0755}
	all := uint32(ACCESS3_READ | ACCESS3_LOOKUP | ACCESS3_MODIFY | ACCESS3_EXTEND | ACCESS3_DELETE | ACCESS3_EXECUTE)

	tests := []struct {
		name     string
		st       Stat
		readOnly bool
		want     uint32
	}{
		{"rw regular", regular, false,
			ACCESS3_READ | ACCESS3_MODIFY | ACCESS3_EXTEND | ACCESS3_EXECUTE},
		{"rw regular without exec bits still advertises execute", noExec, false,
			ACCESS3_READ | ACCESS3_MODIFY | ACCESS3_EXTEND | ACCESS3_EXECUTE},
		{"ro regular", regular, true,
			ACCESS3_READ | ACCESS3_EXECUTE},
		{"rw directory gains lookup+delete, drops execute", dir, false,
			ACCESS3_READ | ACCESS3_LOOKUP | ACCESS3_MODIFY | ACCESS3_EXTEND | ACCESS3_DELETE},
		{"ro directory", dir, true,
			ACCESS3_READ | ACCESS3_LOOKUP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := accessBits(tt.st, all, tt.readOnly); got != tt.want {
				t.Errorf("accessBits = %#x, want %#x", got, tt.want)
			}
		})
	}

	// The reply never advertises bits the client didn't ask about.
	if got := accessBits(regular, ACCESS3_READ, false); got != ACCESS3_READ {
		t.Errorf("requested-only mask = %#x, want %#x", got, ACCESS3_READ)
	}
}

func TestResolveAccessSquash(t *testing.T) {
	rootCred := &AuthSysCredential{UID: 0, GID: 0}
	userCred := &AuthSysCredential{UID: 1000, GID: 1000}

	tests := []struct {
		name    string
		options ExportOptions
		cred    *AuthSysCredential
		wantUID uint32
		wantGID uint32
	}{
		{"root squashed by default", ExportOptions{}, rootCred, 65534, 65534},
		{"user kept by default", ExportOptions{}, userCred, 1000, 1000},
		{"all_squash squashes everyone", ExportOptions{Squash: "all"}, userCred, 65534, 65534},
		{"no_root_squash keeps root", ExportOptions{Squash: "none"}, rootCred, 0, 0},
		{"custom anon identity", ExportOptions{Squash: "all", AnonUID: 40, AnonGID: 41}, userCred, 40, 41},
		{"singleuser overrides squash", ExportOptions{Squash: "all", SingleUser: true}, rootCred, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNFS(t, tt.options)
			authCtx := &AuthContext{ClientIP: "192.0.2.9", AuthSys: tt.cred}
			pol := n.resolveAccess(authCtx, "/some/file")
			if !pol.allowed {
				t.Fatal("access denied by wildcard export")
			}
			if pol.uid != tt.wantUID || pol.gid != tt.wantGID {
				t.Errorf("effective identity = %d/%d, want %d/%d",
					pol.uid, pol.gid, tt.wantUID, tt.wantGID)
			}
		})
	}
}

func TestResolveAccessDeniedIP(t *testing.T) {
	n := newTestNFS(t, ExportOptions{AllowedIPs: []string{"10.0.0.0/24"}})

	pol := n.resolveAccess(&AuthContext{ClientIP: "10.0.0.5"}, "/data")
	if !pol.allowed {
		t.Error("address inside the allowed network denied")
	}

	pol = n.resolveAccess(&AuthContext{ClientIP: "192.0.2.1"}, "/data")
	if pol.allowed {
		t.Error("address outside the allowed network granted")
	}
}

func TestResolveAccessReadOnly(t *testing.T) {
	n := newTestNFS(t, ExportOptions{ReadOnly: true})
	pol := n.resolveAccess(&AuthContext{ClientIP: "127.0.0.1"}, "/data")
	if !pol.allowed || !pol.readOnly {
		t.Errorf("policy = %+v, want allowed read-only", pol)
	}
}

func TestResolvePath(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})
	if err := n.fs.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	st, err := n.backend.Lstat("/dir")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}

	path, err := n.resolvePath(fhComp(st.Ino, "/dir"))
	if err != nil || path != "/dir" {
		t.Errorf("resolvePath = %q, %v; want \"/dir\", nil", path, err)
	}

	if _, err := n.resolvePath([]byte{1, 2, 3}); mapError(err) != NFSERR_BADHANDLE {
		t.Errorf("malformed handle mapped to %d, want NFSERR_BADHANDLE", mapError(err))
	}

	longHandle := encodeHandleRaw(424242, fhLenLongPath, "")
	if _, err := n.resolvePath(longHandle); mapError(err) != NFSERR_STALE {
		t.Errorf("unresolvable handle mapped to %d, want NFSERR_STALE", mapError(err))
	}
}

func TestMaxTransferSize(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})
	if got := n.maxTransferSize(false); got != NFS3_MAXDATA_TCP {
		t.Errorf("tcp max = %d, want %d", got, NFS3_MAXDATA_TCP)
	}
	if got := n.maxTransferSize(true); got != NFS3_MAXDATA_UDP {
		t.Errorf("udp max = %d, want %d", got, NFS3_MAXDATA_UDP)
	}

	n = newTestNFS(t, ExportOptions{TransferSize: 4096})
	if got := n.maxTransferSize(false); got != 4096 {
		t.Errorf("configured tcp max = %d, want 4096", got)
	}
	if got := n.maxTransferSize(true); got != 4096 {
		t.Errorf("configured udp max = %d, want 4096", got)
	}
}

func TestDirCookieVerfTracksMutation(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})
	if err := n.fs.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := n.fs.Create("/dir/a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	before := dirCookieVerf(n, "/dir")

	f, err = n.fs.Create("/dir/b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	after := dirCookieVerf(n, "/dir")
	if before == after {
		t.Error("cookieverf unchanged after directory mutation")
	}
}

func TestFattrFSID(t *testing.T) {
	// A fixed export advertises the backing device id.
	n := newTestNFS(t, ExportOptions{})
	st, err := n.backend.Lstat("/")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if got := n.fattrFSID("/", st); got != st.Dev {
		t.Errorf("fixed-export fsid = %#x, want st_dev %#x", got, st.Dev)
	}

	// A removable export advertises its stable path-derived FSID, with
	// the top bit forced, so the id survives the media being swapped.
	n = newTestNFS(t, ExportOptions{Removable: true})
	fsid := n.fattrFSID("/anything", st)
	if fsid&0x80000000 == 0 {
		t.Errorf("removable fsid = %#x, top bit not forced", fsid)
	}
	if fsid != n.fattrFSID("/anything/else", st) {
		t.Error("removable fsid differs within one export")
	}
}

func TestWccFor(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})
	if st := n.wccFor("/"); st == nil {
		t.Error("wccFor(/) = nil for a live object")
	}
	if st := n.wccFor("/missing"); st != nil {
		t.Error("wccFor returned attributes for a missing object")
	}
}
