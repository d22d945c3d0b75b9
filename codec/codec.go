// Package codec exposes compressors as a uniform capability for the recovery
// engine: compress raw bytes under a given parameter combination, and report
// unavailability up front instead of failing per call. It also knows enough
// of each archive format's framing to parse headers and check trailers
// without recompressing.
package codec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
)

// Params is one point in a compressor's search space. Fields irrelevant to a
// codec are ignored or rejected per trial; a rejected trial is not an error
// for the file.
type Params struct {
	Level int
	// Omit original name and timestamp from the archive header (gzip -n).
	NoName bool
	// gzip --rsyncable. Only external gzip produces this.
	Rsyncable bool
	// xz -e.
	Extreme bool
}

func (me Params) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-%d", me.Level)
	if me.Extreme {
		sb.WriteString(" -e")
	}
	if me.NoName {
		sb.WriteString(" -n")
	}
	if me.Rsyncable {
		sb.WriteString(" --rsyncable")
	}
	return sb.String()
}

type Codec interface {
	// Short identity used in grids, reports and logs.
	Name() string
	// Filename extension claimed, with the dot.
	Extension() string
	// Non-nil means the codec cannot run at all (external binary missing).
	// Checked once per run; the whole parameter space is then skipped.
	Available() error
	// Compress raw under p. Must be deterministic for fixed (raw, p).
	Compress(ctx context.Context, raw []byte, p Params) ([]byte, error)
	// NewReader decompresses the codec's format, for round-trip checks and
	// trailer verification.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// RawSizer is implemented by codecs whose framing records the decompressed
// size, letting the engine reject raw candidates of the wrong length before
// compressing anything.
type RawSizer interface {
	// RawSize returns the decompressed size recorded in the archive, if the
	// framing carries one that can be read from a possibly-truncated
	// candidate of the given size.
	RawSize(archive io.ReaderAt, archiveSize int64) (g.Option[int64], error)
}

// RawVerifier is implemented by codecs that can check a raw byte stream
// against an archive's own integrity data (trailer checksum, or full
// decompress-and-compare) without producing any output.
type RawVerifier interface {
	VerifyRaw(raw io.Reader, archive io.ReaderAt, archiveSize int64) (bool, error)
}

// Registry holds codecs in a fixed order. Several codecs may claim the same
// extension (library gzip and external gzip); they are tried in registration
// order.
type Registry struct {
	codecs []Codec

	mu     sync.Mutex
	warned map[string]struct{}
}

func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: codecs}
}

// DefaultRegistry returns the codecs in their documented trial order.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewGzip(),
		NewGzipCli(),
		NewBzip2(),
		NewXz(),
		NewZstd(),
	)
}

func (me *Registry) All() []Codec { return me.codecs }

// ForExtension returns the codecs claiming ext (lower-cased, with dot), in
// registration order.
func (me *Registry) ForExtension(ext string) (ret []Codec) {
	ext = strings.ToLower(ext)
	for _, c := range me.codecs {
		if c.Extension() == ext {
			ret = append(ret, c)
		}
	}
	return
}

// Extensions returns the distinct extensions the registry handles.
func (me *Registry) Extensions() (ret []string) {
	seen := make(map[string]struct{})
	for _, c := range me.codecs {
		if _, ok := seen[c.Extension()]; ok {
			continue
		}
		seen[c.Extension()] = struct{}{}
		ret = append(ret, c.Extension())
	}
	return
}

// Usable reports whether the codec can run, logging the reason at most once
// per registry when it can't. Unavailability is never fatal.
func (me *Registry) Usable(c Codec, logger log.Logger) bool {
	err := c.Available()
	if err == nil {
		return true
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.warned == nil {
		me.warned = make(map[string]struct{})
	}
	if _, ok := me.warned[c.Name()]; !ok {
		me.warned[c.Name()] = struct{}{}
		logger.Levelf(log.Warning, "codec %v unavailable, skipping its parameter space: %v", c.Name(), err)
	}
	return false
}
