package absnfs

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ExportHost is one client (or client pattern) permitted to mount an
// export, with its own access flags.
type ExportHost struct {
	Pattern    string // hostname, IP, or CIDR; "*" matches any client
	ReadOnly   bool
	RootSquash bool
	AllSquash  bool
	AnonUID    uint32
	AnonGID    uint32
	Secure     bool
	Removable  bool
}

// matches reports whether clientIP satisfies this host's pattern.
func (h ExportHost) matches(clientIP string) bool {
	if h.Pattern == "*" || h.Pattern == "" {
		return true
	}
	if strings.Contains(h.Pattern, "/") {
		ipnet, err := parseIPNetwork(h.Pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(clientIP)
		return ip != nil && ipnet.Contains(ip)
	}
	return h.Pattern == clientIP
}

// parseIPNetwork accepts both host-spec network forms an exports file
// allows: "addr/bits" (standard CIDR) and "addr/mask" (dotted-quad
// mask), the latter not understood by net.ParseCIDR.
func parseIPNetwork(spec string) (*net.IPNet, error) {
	if _, ipnet, err := net.ParseCIDR(spec); err == nil {
		return ipnet, nil
	}
	addrPart, maskPart, ok := strings.Cut(spec, "/")
	if !ok {
		return nil, fmt.Errorf("malformed network %q", spec)
	}
	ip := net.ParseIP(addrPart).To4()
	maskIP := net.ParseIP(maskPart).To4()
	if ip == nil || maskIP == nil {
		return nil, fmt.Errorf("malformed network %q", spec)
	}
	mask := net.IPMask(maskIP)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

// resolveHostname resolves a bare (non-IP, non-CIDR) host-spec token
// to a single A record. Failure to resolve leaves the pattern as the
// literal hostname, which then matches nothing: an unresolvable host
// entry fails closed rather than open.
func resolveHostname(spec string) string {
	if net.ParseIP(spec) != nil || strings.Contains(spec, "/") || spec == "*" {
		return spec
	}
	ips, err := net.LookupIP(spec)
	if err != nil {
		log.Printf("exports: could not resolve hostname %q: %v", spec, err)
		return spec
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return spec
}

// ExportItem is one exported path with its canonical form, stable fsid,
// and permitted host list.
type ExportItem struct {
	Path      string // as configured
	Canonical string // realpath'd (fixed media) or lexically normalized (removable)
	Removable bool
	FSID      uint32
	Hosts     []ExportHost
}

func newFSID(path string) uint32 {
	h := fnv1a32(path, 2166136261) // FNV-1a-32 offset basis
	// Force the top bit so a 32-bit fsid never collides with the
	// reserved 0 value used for "no filesystem" in some clients.
	return h | 0x80000000
}

// ExportTable holds every configured export, matched by longest-prefix
// on the client-requested path. It supports hot reload: Reload builds a
// fresh table and atomically swaps it in, so in-flight lookups against
// the old table are never blocked or torn.
type ExportTable struct {
	ptr atomic.Value // holds []ExportItem
	mu  sync.Mutex   // serializes Reload callers
}

func NewExportTable(items []ExportItem) *ExportTable {
	t := &ExportTable{}
	t.ptr.Store(items)
	return t
}

func (t *ExportTable) items() []ExportItem {
	return t.ptr.Load().([]ExportItem)
}

// Reload atomically replaces the export list.
func (t *ExportTable) Reload(items []ExportItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptr.Store(items)
}

// Match finds the export covering path by longest-prefix match, so
// the most specific of several nested exports wins (e.g. "/srv" and
// "/srv/public").
func (t *ExportTable) Match(path string) (ExportItem, bool) {
	path = normpath(path)
	var best ExportItem
	found := false
	for _, e := range t.items() {
		candidate := normpath(e.Path)
		if path == candidate || strings.HasPrefix(path, candidate+"/") || candidate == "/" {
			if !found || len(candidate) > len(normpath(best.Path)) {
				best = e
				found = true
			}
		}
	}
	return best, found
}

// AllowsClient reports whether any export admits clientIP, the cheap
// per-call gate applied before a procedure resolves its specific path
// against the table.
func (t *ExportTable) AllowsClient(clientIP string) bool {
	for _, e := range t.items() {
		for _, h := range e.Hosts {
			if h.matches(clientIP) {
				return true
			}
		}
	}
	return false
}

// Accept reports whether clientIP may mount path at all (used by the
// backend's AcceptMount hook, which in turn backs MOUNT3's MNT check).
func (t *ExportTable) Accept(clientIP, path string) bool {
	export, ok := t.Match(path)
	if !ok {
		return false
	}
	for _, h := range export.Hosts {
		if h.matches(clientIP) {
			return true
		}
	}
	return false
}

// HostFor returns the first ExportHost entry (in listed order) matching clientIP
// within export, used to resolve the squash/read-only policy applied to
// one connection.
func (export ExportItem) HostFor(clientIP string) (ExportHost, bool) {
	for _, h := range export.Hosts {
		if h.matches(clientIP) {
			return h, true
		}
	}
	return ExportHost{}, false
}

// rejectDotDot guards against a configured export path containing a
// ".." component, which could escape its own tree.
func rejectDotDot(path string) error {
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("export path %q contains '..'", path)
		}
	}
	return nil
}

// loadExportTable builds the export table either from an exports file
// (when ExportOptions.ExportsPath is set) or synthesizes a single
// wildcard export from the legacy AllowedIPs/Squash/ReadOnly fields.
// The backend canonicalises fixed exports-file entries via RealPath;
// the synthesized root export needs no resolution.
func loadExportTable(options ExportOptions, backend FSBackend) (*ExportTable, error) {
	if options.ExportsPath != "" {
		items, err := parseExportsFile(options.ExportsPath, backend)
		if err != nil {
			return nil, err
		}
		return NewExportTable(items), nil
	}

	hosts := []ExportHost{}
	if len(options.AllowedIPs) == 0 {
		hosts = append(hosts, ExportHost{
			Pattern:    "*",
			ReadOnly:   options.ReadOnly,
			RootSquash: options.Squash != "none",
			AllSquash:  options.Squash == "all",
			AnonUID:    options.AnonUID,
			AnonGID:    options.AnonGID,
			Secure:     options.Secure,
		})
	} else {
		for _, ip := range options.AllowedIPs {
			hosts = append(hosts, ExportHost{
				Pattern:    ip,
				ReadOnly:   options.ReadOnly,
				RootSquash: options.Squash != "none",
				AllSquash:  options.Squash == "all",
				AnonUID:    options.AnonUID,
				AnonGID:    options.AnonGID,
				Secure:     options.Secure,
			})
		}
	}

	path := "/"
	if err := rejectDotDot(path); err != nil {
		return nil, err
	}
	return NewExportTable([]ExportItem{{
		Path:      path,
		Canonical: normpath(path),
		Removable: options.Removable,
		FSID:      newFSID(path),
		Hosts:     hosts,
	}}), nil
}

// parseExportsFile reads an exports(5)-style file:
//
//	/export/path host1(rw,no_root_squash) host2(ro)
//	/export/other *(ro,all_squash,anonuid=65534,anongid=65534)
//
// Each line is one export path followed by any number of host specs,
// each carrying its own comma-separated option list.
//
// An export counts as removable only when every host marks it so; a
// removable export skips realpath (the backing media may be absent
// right now) and is canonicalised lexically. A fixed export must
// resolve through the backend's RealPath or the entry is rejected.
func parseExportsFile(path string, backend FSBackend) ([]ExportItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []ExportItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("exports file %s: malformed line %q", path, line)
		}
		exportPath := fields[0]
		if err := rejectDotDot(exportPath); err != nil {
			return nil, err
		}
		hosts := make([]ExportHost, 0, len(fields)-1)
		for _, hostSpec := range fields[1:] {
			host, err := parseHostSpec(hostSpec)
			if err != nil {
				return nil, fmt.Errorf("exports file %s: %w", path, err)
			}
			hosts = append(hosts, host)
		}
		removable := len(hosts) > 0
		for _, h := range hosts {
			if !h.Removable {
				removable = false
			}
		}
		canonical := normpath(exportPath)
		if !removable {
			resolved, err := backend.RealPath(exportPath)
			if err != nil {
				log.Printf("exports: rejecting %s: path does not resolve: %v", exportPath, err)
				continue
			}
			canonical = resolved
		}
		items = append(items, ExportItem{
			Path:      exportPath,
			Canonical: canonical,
			Removable: removable,
			FSID:      newFSID(exportPath),
			Hosts:     hosts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// parseHostSpec parses one "pattern(opt,opt,...)" token.
func parseHostSpec(spec string) (ExportHost, error) {
	host := ExportHost{AnonUID: 65534, AnonGID: 65534, RootSquash: true}
	open := strings.IndexByte(spec, '(')
	if open < 0 {
		host.Pattern = resolveHostname(spec)
		return host, nil
	}
	if !strings.HasSuffix(spec, ")") {
		return host, fmt.Errorf("malformed host spec %q", spec)
	}
	host.Pattern = resolveHostname(spec[:open])
	opts := strings.Split(spec[open+1:len(spec)-1], ",")
	for _, opt := range opts {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "ro":
			host.ReadOnly = true
		case opt == "rw":
			host.ReadOnly = false
		case opt == "root_squash":
			host.RootSquash = true
		case opt == "no_root_squash":
			host.RootSquash = false
		case opt == "all_squash":
			host.AllSquash = true
		case opt == "no_all_squash":
			host.AllSquash = false
		case opt == "secure":
			host.Secure = true
		case opt == "insecure":
			host.Secure = false
		case opt == "removable":
			host.Removable = true
		case opt == "fixed":
			host.Removable = false
		case strings.HasPrefix(opt, "anonuid="):
			v, err := strconv.ParseUint(opt[len("anonuid="):], 10, 32)
			if err != nil {
				return host, fmt.Errorf("bad anonuid in %q", spec)
			}
			host.AnonUID = uint32(v)
		case strings.HasPrefix(opt, "anongid="):
			v, err := strconv.ParseUint(opt[len("anongid="):], 10, 32)
			if err != nil {
				return host, fmt.Errorf("bad anongid in %q", spec)
			}
			host.AnonGID = uint32(v)
		case opt == "":
		default:
			// Unknown options are warned and ignored, not rejected, so an
			// exports file written for a richer server still loads.
			log.Printf("exports: unknown option %q in host spec %q, ignoring", opt, spec)
		}
	}
	return host, nil
}
