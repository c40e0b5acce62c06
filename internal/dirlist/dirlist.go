// Package dirlist enumerates the regular files of a single directory.
package dirlist

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one regular file found in the scanned directory.
type Entry struct {
	Name string // base name, used as the transfer name
	Path string // path to open on the local filesystem
	Size int64
}

// Listing is the result of scanning one directory.
type Listing struct {
	Root       string  // absolute directory path
	Entries    []Entry // sorted by Name
	TotalBytes int64
}

// Count returns the number of entries.
func (l Listing) Count() int {
	return len(l.Entries)
}

// All yields (name, path) pairs in name order.
func (l Listing) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, e := range l.Entries {
			if !yield(e.Name, e.Path) {
				return
			}
		}
	}
}

// Scan lists the regular files directly inside dir. Subdirectories, symlinks,
// special files and hidden entries (leading '.') are skipped. Entries that
// cannot be inspected are skipped and reported in a joined error alongside the
// partial listing.
func Scan(dir string) (Listing, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Listing{}, fmt.Errorf("path does not exist: %s", dir)
		}
		return Listing{}, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return Listing{}, fmt.Errorf("not a directory: %s", dir)
	}

	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return Listing{}, fmt.Errorf("cannot get absolute path: %w", err)
	}

	dirEntries, err := os.ReadDir(absRoot)
	if err != nil {
		return Listing{}, fmt.Errorf("cannot read directory: %w", err)
	}

	listing := Listing{Root: absRoot, Entries: make([]Entry, 0, len(dirEntries))}
	var scanErrors []error
	for _, d := range dirEntries {
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !d.Type().IsRegular() {
			continue
		}
		fi, err := d.Info()
		if err != nil {
			scanErrors = append(scanErrors, fmt.Errorf("cannot get info for %s: %w", name, err))
			continue
		}
		listing.Entries = append(listing.Entries, Entry{
			Name: name,
			Path: filepath.Join(absRoot, name),
			Size: fi.Size(),
		})
		listing.TotalBytes += fi.Size()
	}

	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})

	if len(scanErrors) > 0 {
		return listing, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return listing, nil
}
