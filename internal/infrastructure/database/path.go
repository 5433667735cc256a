package database

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// memoryKeyPrefix prefixes registry keys of shared-memory databases so they
// can never collide with filesystem paths.
const memoryKeyPrefix = "memory:"

// NormalizePath turns a filesystem path or file: URL into the canonical
// absolute path used as the registry key.
//
// Existing paths are resolved through symlinks. For a path that does not exist
// yet, the parent directory is canonicalised and the file name re-appended.
//
// Parameters:
//   - p: Filesystem path or file: URL
//
// Returns:
//   - string: Canonical absolute path
//   - error: *IllegalPathError if the path has no usable parent or cannot be resolved
func NormalizePath(p string) (string, error) {
	fsPath, err := pathFromURL(p)
	if err != nil {
		return "", &IllegalPathError{Path: p, Err: err}
	}
	if fsPath == "" {
		return "", &IllegalPathError{Path: p}
	}

	abs, err := filepath.Abs(fsPath)
	if err != nil {
		return "", &IllegalPathError{Path: p, Err: err}
	}

	if _, statErr := os.Stat(abs); statErr == nil {
		canonical, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", &IllegalPathError{Path: p, Err: err}
		}
		return canonical, nil
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return "", &IllegalPathError{Path: p, Err: statErr}
	}

	name := filepath.Base(abs)
	parent := filepath.Dir(abs)
	if name == "" || name == string(filepath.Separator) || name == "." || parent == abs {
		return "", &IllegalPathError{Path: p}
	}

	canonicalParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", &IllegalPathError{Path: p, Err: err}
	}
	return filepath.Join(canonicalParent, name), nil
}

// pathFromURL returns the filesystem path of a file: URL, or p unchanged.
// Query parameters on the URL are ignored; the manager chooses its own flags.
func pathFromURL(p string) (string, error) {
	if !strings.HasPrefix(p, "file:") {
		return p, nil
	}

	u, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", errors.New("file URL with a remote host")
	}
	if u.Opaque != "" {
		// file:relative/name.db
		return url.PathUnescape(u.Opaque)
	}
	return u.Path, nil
}

// memoryKey returns the registry key for a shared-memory database.
func memoryKey(name string) string {
	return memoryKeyPrefix + name
}

// removeDatabaseFiles deletes a database file and its WAL side files.
func removeDatabaseFiles(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix) //nolint:errcheck // Side files may not exist
	}
	return nil
}

// isRegularFile reports whether path names an existing regular file.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
