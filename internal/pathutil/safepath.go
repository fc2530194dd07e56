package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// IsRepoPath reports whether p is a usable repository-relative file path:
// non-empty, forward-slash separated, no leading or trailing slash, no empty
// or dot segments, no NUL or backslash.
func IsRepoPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	if strings.ContainsAny(p, "\\\x00") || strings.Contains(p, "//") {
		return false
	}
	return !HasDotSegments(p)
}

// TrimRoot strips a source root directory ("public" or "public/") from p.
// ok is false when p is outside root. An empty root keeps p unchanged.
func TrimRoot(p, root string) (string, bool) {
	root = strings.Trim(root, "/")
	if root == "" {
		return p, true
	}
	rest, found := strings.CutPrefix(p, root+"/")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// JoinKey prefixes key with a key prefix, normalising the separator.
func JoinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
