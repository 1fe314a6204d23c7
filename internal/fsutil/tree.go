package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// skipDirs are never descended into when walking or sizing a workspace.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
	"dist":         {},
	"build":        {},
	".next":        {},
	".nuxt":        {},
	"_site":        {},
	"public":       {},
	"out":          {},
}

// Entry is one file found by a bounded walk.
type Entry struct {
	// Rel is the path relative to the walk root, using forward slashes.
	Rel  string
	Name string
	Size int64
}

// WalkDepth lists regular files under root up to maxDepth directory levels
// (depth 1 = root entries only). Skipped directories and unreadable entries
// are ignored rather than surfaced; the walk is total.
func WalkDepth(root string, maxDepth int) []Entry {
	var entries []Entry
	walkDir(root, "", 1, maxDepth, &entries)
	return entries
}

func walkDir(abs, rel string, depth, maxDepth int, out *[]Entry) {
	if depth > maxDepth {
		return
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		name := de.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		if de.IsDir() {
			if _, skip := skipDirs[name]; skip {
				continue
			}
			walkDir(filepath.Join(abs, name), childRel, depth+1, maxDepth, out)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		*out = append(*out, Entry{Rel: childRel, Name: name, Size: info.Size()})
	}
}

// DirSizeMB estimates the content size of a tree in megabytes, excluding
// node_modules, VCS directories, and known build-output directories.
func DirSizeMB(root string) float64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}

// Exists reports whether the path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir reports whether the path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ListDirNames returns the names of subdirectories directly under root.
func ListDirNames(root string) []string {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() && !strings.HasPrefix(de.Name(), ".") {
			names = append(names, de.Name())
		}
	}
	return names
}
