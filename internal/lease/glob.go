package lease

import (
	"path"
	"strings"
)

// matchGlob matches a workspace-relative path against a glob pattern.
// Supports the forms the area table uses: "dir/**" (any depth below dir),
// "**/x" (x at any depth), and plain patterns, which match against both the
// full path and the basename so "*.css" covers nested files.
func matchGlob(pattern, relPath string) bool {
	relPath = strings.TrimPrefix(relPath, "./")

	switch {
	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
	case strings.HasPrefix(pattern, "**/"):
		suffix := strings.TrimPrefix(pattern, "**/")
		if ok, _ := path.Match(suffix, path.Base(relPath)); ok {
			return true
		}
		// Also allow the suffix to match a trailing multi-segment path.
		return strings.HasSuffix(relPath, "/"+suffix)
	case strings.Contains(pattern, "/"):
		ok, _ := path.Match(pattern, relPath)
		return ok
	default:
		if ok, _ := path.Match(pattern, path.Base(relPath)); ok {
			return true
		}
		ok, _ := path.Match(pattern, relPath)
		return ok
	}
}
