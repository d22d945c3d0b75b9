package seedrecover

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/seedrecover/index"
)

// outputWriter persists resolved files. With a target root, outputs mirror
// the torrent's internal layout under targetRoot/<torrent name>/. Without
// one, recovery is in-place: the matched partial candidate's path is
// overwritten (or the entry's path under the partial root when no partial
// candidate existed).
type outputWriter struct {
	targetRoot  string
	inPlaceRoot string
	overwrite   bool
	dryRun      bool
}

func (me *outputWriter) inPlace() bool { return me.targetRoot == "" }

// destination returns where the entry's bytes belong. candidatePath is the
// matched partial candidate's path, or empty.
func (me *outputWriter) destination(idx *index.Index, entry *index.FileEntry, candidatePath string) string {
	if !me.inPlace() {
		return filepath.Join(append([]string{me.targetRoot, idx.Name()}, entry.Path...)...)
	}
	if candidatePath != "" {
		return candidatePath
	}
	return filepath.Join(append([]string{me.inPlaceRoot}, entry.Path...)...)
}

// refuses reports whether writing to dst must be skipped up front: the
// destination already exists and overwriting wasn't requested. In-place
// verification of the candidate at dst is not a write and is never refused.
func (me *outputWriter) refuses(dst string) bool {
	if me.overwrite {
		return false
	}
	_, err := os.Stat(dst)
	return err == nil
}

// write streams src to dst via a temporary file in the destination
// directory, renamed into place on success. Dry runs do nothing.
func (me *outputWriter) write(dst string, src source) error {
	if me.dryRun {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	// CreateTemp opens 0600; recovered seed data should come out 0644.
	if err = f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	r, err := src.openSection(0, src.size())
	if err != nil {
		f.Close()
		return err
	}
	_, err = io.Copy(f, r)
	r.Close()
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return fmt.Errorf("writing %v: %w", dst, err)
	}
	return os.Rename(tmp, dst)
}

// persist writes src to its destination unless the bytes already live there.
func (me *outputWriter) persist(dst string, src source) error {
	if fs, ok := src.(fileSource); ok && fs.path == dst {
		// In-place verified candidate; nothing to do.
		return nil
	}
	return me.write(dst, src)
}
