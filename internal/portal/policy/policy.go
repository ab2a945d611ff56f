// Package policy decides which paths need a session, which are always public,
// and where unauthenticated visitors are sent. The route guard and the
// history blocker share one Policy so their path lists cannot drift.
package policy

import (
	"net/url"
	"strings"
)

// DefaultLoginPath is where unauthenticated visitors are redirected.
const DefaultLoginPath = "/login"

// NextParam carries the originally requested path through the login page.
const NextParam = "next"

// ForceParam requests the onboarding debug bypass.
const ForceParam = "force"

// DefaultProtectedPrefixes lists the path prefixes requiring a validated session.
var DefaultProtectedPrefixes = []string{
	"/dashboard",
	"/profile",
	"/messaging",
	"/marketplace/item",
	"/marketplace/create",
	"/marketplace/edit",
	"/properties",
	"/requests",
	"/onboarding",
	"/roommate-match",
	"/life-services/apply",
}

// DefaultPublicPaths lists paths that stay reachable without a session.
var DefaultPublicPaths = []string{
	"/",
	"/login",
	"/signup",
	"/help",
	"/terms",
	"/privacy",
	"/cookies",
	"/cookie-settings",
}

// bypassPrefix is the only prefix the debug bypass may apply to.
const bypassPrefix = "/onboarding"

// Location is a parsed navigation target.
type Location struct {
	Path  string
	Query url.Values
	Hash  string
}

// ParseLocation parses a path with optional query and fragment. Absolute URLs are reduced to their path.
func ParseLocation(raw string) Location {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{Path: CleanPath(raw), Query: url.Values{}}
	}
	return Location{Path: CleanPath(u.Path), Query: u.Query(), Hash: u.Fragment}
}

// String renders the location back into a relative URL.
func (l Location) String() string {
	var b strings.Builder
	b.WriteString(CleanPath(l.Path))
	if encoded := l.Query.Encode(); encoded != "" {
		b.WriteByte('?')
		b.WriteString(encoded)
	}
	if l.Hash != "" {
		b.WriteByte('#')
		b.WriteString(l.Hash)
	}
	return b.String()
}

// Policy holds the protected and public path lists.
type Policy struct {
	protected []string
	public    map[string]struct{}
	loginPath string
}

// Option customises a Policy.
type Option func(*Policy)

// WithExtraProtected adds protected prefixes on top of the defaults.
func WithExtraProtected(prefixes ...string) Option {
	return func(p *Policy) {
		for _, prefix := range prefixes {
			if cleaned := CleanPath(prefix); cleaned != "/" {
				p.protected = append(p.protected, cleaned)
			}
		}
	}
}

// WithLoginPath overrides the login path.
func WithLoginPath(path string) Option {
	return func(p *Policy) {
		if strings.TrimSpace(path) != "" {
			p.loginPath = CleanPath(path)
		}
	}
}

// New builds a Policy from the default lists.
func New(opts ...Option) *Policy {
	p := &Policy{
		protected: append([]string(nil), DefaultProtectedPrefixes...),
		public:    make(map[string]struct{}, len(DefaultPublicPaths)),
		loginPath: DefaultLoginPath,
	}
	for _, path := range DefaultPublicPaths {
		p.public[path] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoginPath returns the login route.
func (p *Policy) LoginPath() string {
	return p.loginPath
}

// IsProtected reports whether path falls under a protected prefix. Matching is
// per path segment, so "/profile" protects "/profile/edit" but not "/profiles".
func (p *Policy) IsProtected(path string) bool {
	path = CleanPath(path)
	for _, prefix := range p.protected {
		if hasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsPublic reports whether path is always reachable without a session.
func (p *Policy) IsPublic(path string) bool {
	_, ok := p.public[CleanPath(path)]
	return ok
}

// Bypass reports whether validation may be skipped for loc. Only the
// onboarding prefix honours the local debug flag or a force query parameter.
func (p *Policy) Bypass(loc Location, debugFlag bool) bool {
	if !hasPathPrefix(CleanPath(loc.Path), bypassPrefix) {
		return false
	}
	if debugFlag {
		return true
	}
	switch strings.ToLower(loc.Query.Get(ForceParam)) {
	case "true", "1":
		return true
	}
	return false
}

// LoginRedirect returns the login URL carrying from as the post-login target.
func (p *Policy) LoginRedirect(from string) string {
	from = strings.TrimSpace(from)
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") {
		return p.loginPath
	}
	if CleanPath(ParseLocation(from).Path) == p.loginPath {
		return p.loginPath
	}
	q := url.Values{}
	q.Set(NextParam, from)
	return p.loginPath + "?" + q.Encode()
}

// SafeNext validates a post-login redirect target, falling back to fallback
// for anything that is not a local path.
func SafeNext(next, fallback string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return fallback
	}
	return next
}

// CleanPath normalises a request path: leading slash, no trailing slash.
func CleanPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}
	return path
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
