package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListPlotDirs returns every directory under root whose path contains marker,
// in lexical walk order.
func ListPlotDirs(root, marker string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.Contains(path, marker) {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

// FilesWithExt returns the regular files directly inside dir with the given
// extension, sorted by name. The extension match ignores case.
func FilesWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if HasExt(e.Name(), ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstWithExt returns the lexicographically first file in dir with ext, or "".
func FirstWithExt(dir, ext string) (string, error) {
	files, err := FilesWithExt(dir, ext)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[0], nil
}

// WalkFilesWithExt returns all files under root with ext, skipping any
// directory whose path contains exclude (when exclude is non-empty).
func WalkFilesWithExt(root, ext, exclude string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if exclude != "" && strings.Contains(path, exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if HasExt(d.Name(), ext) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// HasExt reports whether name ends with ext, ignoring case.
func HasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

// Stem returns the base name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
