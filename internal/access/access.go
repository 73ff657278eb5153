// Package access makes the allow/deny decision for a transfer request.
//
// The decision pipeline is pure apart from one os.Stat on the target, used
// for overwrite protection and the read-side size ceiling. Actual file opens
// happen in the transfer engine after the request has been cleared.
package access

import (
	"net/netip"
	"os"

	"tftpd-server/internal/config"
	"tftpd-server/internal/pathutil"
	"tftpd-server/internal/proto"
)

// Direction distinguishes the two transfer shapes.
type Direction int

const (
	// DirRead is an RRQ: the server sends.
	DirRead Direction = iota
	// DirWrite is a WRQ: the server receives.
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// Reason discriminates why a request was denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPeerDenied
	ReasonReadDisabled
	ReasonWriteDisabled
	ReasonBadFilename
	ReasonTraversal
	ReasonDirectoryDenied
	ReasonExtensionDenied
	ReasonFileExists
	ReasonTooLarge
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerDenied:
		return "peer not allowed"
	case ReasonReadDisabled:
		return "read disabled"
	case ReasonWriteDisabled:
		return "write disabled"
	case ReasonBadFilename:
		return "invalid filename"
	case ReasonTraversal:
		return "path escapes root"
	case ReasonDirectoryDenied:
		return "directory not allowed"
	case ReasonExtensionDenied:
		return "extension not allowed"
	case ReasonFileExists:
		return "file exists"
	case ReasonTooLarge:
		return "file too large"
	}
	return "allowed"
}

// ErrorCode maps a denial onto the wire error taxonomy.
func (r Reason) ErrorCode() proto.ErrorCode {
	switch r {
	case ReasonFileExists:
		return proto.ErrFileExists
	case ReasonTooLarge:
		return proto.ErrDiskFull
	default:
		return proto.ErrAccessViolation
	}
}

// Decision is the outcome of Check. When Allowed, RelPath is the normalized
// relative filename and AbsPath the contained on-disk target.
type Decision struct {
	Allowed bool
	Reason  Reason
	RelPath string
	AbsPath string
}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Checker applies the configured security policy. It is immutable after New
// and safe for concurrent use.
type Checker struct {
	cfg      config.SecurityConfig
	fs       config.FilesystemConfig
	exact    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	exts     map[string]struct{}
}

// New builds a Checker from a validated configuration. Allowed client entries
// are pre-parsed; config.Validate has already rejected malformed ones.
func New(cfg *config.Config) *Checker {
	c := &Checker{
		cfg: cfg.Security,
		fs:  cfg.Filesystem,
	}
	if len(cfg.Security.AllowedClients) > 0 {
		c.exact = make(map[netip.Addr]struct{})
		for _, entry := range cfg.Security.AllowedClients {
			if p, err := netip.ParsePrefix(entry); err == nil {
				c.prefixes = append(c.prefixes, p)
				continue
			}
			if a, err := netip.ParseAddr(entry); err == nil {
				c.exact[a.Unmap()] = struct{}{}
			}
		}
	}
	if len(cfg.Security.AllowedExtensions) > 0 {
		c.exts = make(map[string]struct{}, len(cfg.Security.AllowedExtensions))
		for _, e := range cfg.Security.AllowedExtensions {
			c.exts[e] = struct{}{}
		}
	}
	return c
}

// PeerAllowed reports whether the peer address passes the allowlist. An empty
// allowlist admits everyone.
func (c *Checker) PeerAllowed(addr netip.Addr) bool {
	if c.exact == nil && len(c.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	if _, ok := c.exact[addr]; ok {
		return true
	}
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Check runs the validation pipeline for a (filename, peer, direction)
// request. Any failure short-circuits.
func (c *Checker) Check(filename string, peer netip.Addr, dir Direction) Decision {
	if !c.PeerAllowed(peer) {
		return deny(ReasonPeerDenied)
	}

	switch dir {
	case DirRead:
		if !c.cfg.ReadEnabled {
			return deny(ReasonReadDisabled)
		}
	case DirWrite:
		if !c.cfg.WriteEnabled {
			return deny(ReasonWriteDisabled)
		}
	}

	rel, err := pathutil.Normalize(filename)
	if err != nil {
		return deny(ReasonBadFilename)
	}

	abs, err := pathutil.Join(c.fs.RootDirectory, rel)
	if err != nil {
		return deny(ReasonTraversal)
	}

	if len(c.fs.AllowedDirectories) > 0 {
		reqDir := pathutil.Dir(rel)
		ok := false
		for _, allowed := range c.fs.AllowedDirectories {
			if reqDir == allowed || hasDirPrefix(reqDir, allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return deny(ReasonDirectoryDenied)
		}
	}

	if c.exts != nil {
		if _, ok := c.exts[pathutil.Ext(rel)]; !ok {
			return deny(ReasonExtensionDenied)
		}
	}

	st, statErr := os.Stat(abs)
	if dir == DirWrite {
		if statErr == nil && c.cfg.OverwriteProtection {
			return deny(ReasonFileExists)
		}
	} else if statErr == nil && c.cfg.MaxFileSize > 0 && st.Size() > 0 &&
		uint64(st.Size()) > c.cfg.MaxFileSize {
		return deny(ReasonTooLarge)
	}

	return Decision{Allowed: true, RelPath: rel, AbsPath: abs}
}

// MaxFileSize exposes the configured write ceiling for the engine's running
// check. 0 means unlimited.
func (c *Checker) MaxFileSize() uint64 { return c.cfg.MaxFileSize }

func hasDirPrefix(dir, prefix string) bool {
	return len(dir) > len(prefix) && dir[:len(prefix)] == prefix && dir[len(prefix)] == '/'
}
