package discovery

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Scope is the directory every location of a source must stay under. Its
// base is either an absolute URL or an origin-relative path like /dicoms/.
type Scope struct {
	base *url.URL
}

// NewScope parses base; a trailing slash is added when missing.
func NewScope(base string) (*Scope, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base %q: %w", base, err)
	}
	if (u.Scheme == "") != (u.Host == "") {
		return nil, fmt.Errorf("base %q must be an absolute URL or a path", base)
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &Scope{base: u}, nil
}

// Base returns the normalized base.
func (s *Scope) Base() string {
	return s.base.String()
}

// Absolute reports whether the base carries a scheme and host.
func (s *Scope) Absolute() bool {
	return s.base.Host != ""
}

// Normalize resolves loc against the base and returns its canonical form,
// and whether it lies inside the scope. A path scope rejects every location
// that names a host.
func (s *Scope) Normalize(loc string) (string, bool) {
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	u := s.base.ResolveReference(ref)
	u.Fragment = ""

	if u.Scheme != s.base.Scheme || u.Host != s.base.Host {
		return "", false
	}

	dir := strings.HasSuffix(u.Path, "/")
	cleaned := path.Clean("/" + u.Path)
	if dir && cleaned != "/" {
		cleaned += "/"
	}
	u.Path = cleaned
	u.RawPath = ""

	if !strings.HasPrefix(u.Path, s.base.Path) {
		return "", false
	}
	return u.String(), true
}
