// Package resolve finds candidate byte sources for torrent file entries. Two
// independent roots are indexed by basename: a raw root holding decompressed
// content, and a partial root holding possibly-truncated compressed
// downloads. Directory structure under either root is deliberately ignored.
package resolve

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Candidate is one file found under a search root.
type Candidate struct {
	// Basename the candidate was indexed under.
	Name string
	// Full path on disk.
	Path string
	Size int64
}

func (me Candidate) Open() (*os.File, error) {
	return os.Open(me.Path)
}

func (me Candidate) Bytes() ([]byte, error) {
	return os.ReadFile(me.Path)
}

// Resolver indexes the two roots once at construction. Lookups never touch
// the filesystem again.
type Resolver struct {
	raw     map[string][]Candidate
	partial map[string][]Candidate
}

// NewResolver walks both roots. An empty root path yields an empty index. A
// root that exists but can't be walked is a setup error; a root that simply
// doesn't exist indexes as empty, since absence of candidates is a normal,
// reportable condition.
func NewResolver(rawRoot, partialRoot string) (*Resolver, error) {
	ret := &Resolver{}
	var err error
	if ret.raw, err = indexRoot(rawRoot); err != nil {
		return nil, fmt.Errorf("indexing raw root: %w", err)
	}
	if ret.partial, err = indexRoot(partialRoot); err != nil {
		return nil, fmt.Errorf("indexing partial root: %w", err)
	}
	return ret, nil
}

func indexRoot(root string) (map[string][]Candidate, error) {
	idx := make(map[string][]Candidate)
	if root == "" {
		return idx, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return idx, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := d.Name()
		idx[name] = append(idx[name], Candidate{
			Name: name,
			Path: path,
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// order sorts candidates into the documented trial order: exact size matches
// first when an expected size is known, then lexicographic by path. Paths are
// unique within a root so the order is total and reproducible; modification
// times are deliberately not consulted.
func order(cands []Candidate, expectedSize int64) []Candidate {
	ret := append([]Candidate(nil), cands...)
	sort.Slice(ret, func(i, j int) bool {
		if expectedSize >= 0 {
			im, jm := ret[i].Size == expectedSize, ret[j].Size == expectedSize
			if im != jm {
				return im
			}
		}
		return ret[i].Path < ret[j].Path
	})
	return ret
}

// Raw returns raw candidates for basename. expectedSize < 0 means no size
// preference.
func (me *Resolver) Raw(basename string, expectedSize int64) []Candidate {
	return order(me.raw[basename], expectedSize)
}

// Partial returns partial candidates for basename.
func (me *Resolver) Partial(basename string, expectedSize int64) []Candidate {
	return order(me.partial[basename], expectedSize)
}

// RawBasename derives the raw (decompressed) basename for a compressed one.
// Beyond stripping the codec extension it recognizes level-marker double
// extensions seen in archived data ("x.bz6.bz2", "x.pbz9.bz2" both map to
// "x").
func RawBasename(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if ext != ".bz2" {
		return base
	}
	inner := strings.ToLower(filepath.Ext(base))
	if len(inner) >= 2 {
		marker := strings.TrimPrefix(inner[1:], "p")
		if len(marker) == 3 && strings.HasPrefix(marker, "bz") && marker[2] >= '1' && marker[2] <= '9' {
			return strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	return base
}
