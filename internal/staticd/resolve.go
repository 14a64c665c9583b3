package staticd

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrRootUnavailable means the content root vanished or stopped being a
// directory after startup. Requests are dropped without a response.
var ErrRootUnavailable = errors.New("content root unavailable")

var errBadEscape = errors.New("invalid percent-encoding")

const indexFile = "index.html"

// PathResolver maps request paths to files under a content root.
type PathResolver struct {
	root          string // canonical: absolute, symlinks resolved
	showExtension bool
}

// NewPathResolver canonicalizes contentRoot once. A root that cannot be
// resolved is a startup error.
func NewPathResolver(contentRoot string, showExtension bool) (*PathResolver, error) {
	abs, err := filepath.Abs(contentRoot)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("content root: %s is not a directory", canon)
	}
	return &PathResolver{root: canon, showExtension: showExtension}, nil
}

func (r *PathResolver) Root() string { return r.root }

// Resolve runs the containment gates over rawPath and then applies the
// extension-visibility rules.
func (r *PathResolver) Resolve(rawPath string) (ResolvedTarget, error) {
	if strings.Contains(rawPath, "..") {
		return forbidden(), nil
	}
	if i := strings.IndexAny(rawPath, "?#"); i >= 0 {
		rawPath = rawPath[:i]
	}
	decoded, err := decodePath(rawPath)
	if err != nil {
		return forbidden(), nil
	}
	if strings.Contains(decoded, "..") || strings.IndexByte(decoded, 0) >= 0 {
		return forbidden(), nil
	}
	if !strings.HasPrefix(decoded, "/") {
		return notFound(), nil
	}
	if st, err := os.Stat(r.root); err != nil || !st.IsDir() {
		return ResolvedTarget{}, ErrRootUnavailable
	}

	if r.showExtension {
		return r.resolveShowExtension(decoded), nil
	}
	return r.resolveHideExtension(decoded), nil
}

func (r *PathResolver) resolveShowExtension(p string) ResolvedTarget {
	if p == "/" {
		return redirectTo("/" + indexFile)
	}

	canon, info, kind := r.locate(p)
	switch kind {
	case TargetForbidden:
		return forbidden()
	case TargetNotFound:
		if hasExtension(p) || strings.HasSuffix(p, "/") {
			return notFound()
		}
		return r.serveRegular(p + ".html")
	}

	if info.IsDir() {
		if !strings.HasSuffix(p, "/") {
			return redirectTo(escapePath(p + "/"))
		}
		t := r.serveRegular(p + indexFile)
		t.DirectoryIndex = t.Kind == TargetServe
		return t
	}
	if !info.Mode().IsRegular() || strings.HasSuffix(p, "/") {
		return notFound()
	}
	return serveFile(canon, false)
}

func (r *PathResolver) resolveHideExtension(p string) ResolvedTarget {
	trailingSlash := strings.HasSuffix(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		t := r.serveRegular("/" + indexFile)
		t.DirectoryIndex = t.Kind == TargetServe
		return t
	}

	if strings.HasSuffix(p, ".html") {
		clean := strings.TrimSuffix(p, ".html")
		if !strings.HasSuffix(clean, "/") {
			clean += "/"
		}
		if r.isRegular(clean + indexFile) {
			return redirectTo(escapePath(clean))
		}
		return r.serveRegular(p)
	}

	if hasExtension(p) {
		return r.serveRegular(p)
	}

	page := func() ResolvedTarget { return r.serveRegular(p + ".html") }
	dirIndex := func() ResolvedTarget {
		t := r.serveRegular(p + "/" + indexFile)
		t.DirectoryIndex = t.Kind == TargetServe
		return t
	}
	first, second := page, dirIndex
	if trailingSlash {
		first, second = dirIndex, page
	}
	t := first()
	if t.Kind != TargetNotFound {
		return t
	}
	return second()
}

// serveRegular resolves p and serves it only if it is a regular file.
func (r *PathResolver) serveRegular(p string) ResolvedTarget {
	canon, info, kind := r.locate(p)
	if kind != TargetServe {
		return ResolvedTarget{Kind: kind}
	}
	if !info.Mode().IsRegular() {
		return notFound()
	}
	return serveFile(canon, false)
}

func (r *PathResolver) isRegular(p string) bool {
	_, info, kind := r.locate(p)
	return kind == TargetServe && info.Mode().IsRegular()
}

// locate joins the URL path p under the root, canonicalizes it and checks
// containment. kind is TargetServe when the path exists inside the root.
func (r *PathResolver) locate(p string) (string, fs.FileInfo, TargetKind) {
	candidate, ok := joinUnderRoot(r.root, p)
	if !ok {
		return "", nil, TargetForbidden
	}
	canon, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", nil, TargetNotFound
	}
	if !contained(r.root, canon) {
		return "", nil, TargetForbidden
	}
	info, err := os.Stat(canon)
	if err != nil {
		return "", nil, TargetNotFound
	}
	return canon, info, TargetServe
}

// joinUnderRoot splits p into segments, drops empty and "." segments and
// refuses "..". The result can never leave root lexically.
func joinUnderRoot(root, p string) (string, bool) {
	segs := strings.Split(p, "/")
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, root)
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", false
		}
		if strings.ContainsRune(s, filepath.Separator) && filepath.Separator != '/' {
			return "", false
		}
		parts = append(parts, s)
	}
	return filepath.Join(parts...), true
}

// contained reports whether candidate is root or lies beneath it on a path
// separator boundary.
func contained(root, candidate string) bool {
	if candidate == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(candidate, prefix)
}

func hasExtension(p string) bool {
	return path.Ext(path.Base(p)) != ""
}

// decodePath percent-decodes s, mapping '+' to a space.
func decodePath(s string) (string, error) {
	if !strings.ContainsAny(s, "%+") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%':
			if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
				return "", errBadEscape
			}
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		case '+':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
