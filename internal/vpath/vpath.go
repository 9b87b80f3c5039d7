// Package vpath normalizes the virtual paths the dashboard sends for remote
// file and log operations. Virtual paths are always forward-slash absolute;
// Windows drives are addressed as /C/..., never C:\.
package vpath

import (
	"errors"
	"strings"
)

var (
	// ErrTraversal rejects any path containing a ".." segment.
	ErrTraversal = errors.New("Path traversal is not allowed.")
	// ErrDriveColon rejects Windows-style drive syntax.
	ErrDriveColon = errors.New("Virtual paths must not contain ':'. Use '/C/...' on Windows.")
)

// Normalize canonicalizes a virtual path: backslashes become slashes, the
// result is absolute, empty and "." segments are dropped, ".." and ":" are
// rejected, and no trailing slash remains except on root. Normalize is
// idempotent: Normalize(Normalize(p)) == Normalize(p) for every accepted p.
func Normalize(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/", nil
	}
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if strings.Contains(trimmed, ":") {
		return "", ErrDriveColon
	}

	segments := strings.Split(trimmed, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ErrTraversal
		default:
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(kept, "/"), nil
}

// IsWithinRoot reports whether a normalized path is inside a normalized
// session root. Root "/" admits everything; otherwise the path must equal
// the root or extend it by whole segments.
func IsWithinRoot(root, path string) bool {
	if root == "/" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}
