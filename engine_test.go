package seedrecover

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/seedrecover/codec"
	"github.com/anacrolix/seedrecover/index"
	"github.com/anacrolix/seedrecover/resolve"
)

type fixtureFile struct {
	path []string
	data []byte
	attr string
	sha1 []byte
}

// buildIndex hashes the concatenated file contents into a piece table the way
// a torrent creator would.
func buildIndex(t *testing.T, name string, pieceLength int64, files []fixtureFile) *index.Index {
	t.Helper()
	var all []byte
	var specs []index.FileSpec
	for _, f := range files {
		specs = append(specs, index.FileSpec{Path: f.path, Length: int64(len(f.data)), Attr: f.attr, Sha1: f.sha1})
		all = append(all, f.data...)
	}
	var pieces []byte
	for off := int64(0); off < int64(len(all)); off += pieceLength {
		end := min(off+pieceLength, int64(len(all)))
		h := sha1.Sum(all[off:end])
		pieces = append(pieces, h[:]...)
	}
	idx, err := index.New(name, specs, pieceLength, pieces, index.Sha1DigestSize)
	require.NoError(t, err)
	return idx
}

func writeFixture(t *testing.T, root, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newResolver(t *testing.T, rawRoot, partialRoot string) *resolve.Resolver {
	t.Helper()
	r, err := resolve.NewResolver(rawRoot, partialRoot)
	require.NoError(t, err)
	return r
}

func runEngine(t *testing.T, cfg Config) *Report {
	t.Helper()
	eng, err := New(cfg)
	require.NoError(t, err)
	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	return report
}

func gzipData(t *testing.T, raw []byte, level int) []byte {
	t.Helper()
	data, err := codec.NewGzip().Compress(context.Background(), raw, codec.Params{Level: level})
	require.NoError(t, err)
	return data
}

// patternBytes fills n bytes from a small PRNG so fixtures are deterministic
// but don't compress to anything tidy.
func patternBytes(n int, seed uint32) []byte {
	b := make([]byte, n)
	x := seed*2654435761 + 1
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}

func gzipOnly() *codec.Registry {
	return codec.NewRegistry(codec.NewGzip())
}

func TestFastPathVerified(t *testing.T) {
	archive := gzipData(t, []byte("the contents that were torrented"), 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	partial := t.TempDir()
	writeFixture(t, partial, "data.txt.gz", archive)
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: target,
	})
	require.True(t, report.Ok())
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusVerified, outcomes[0].Status)
	assert.EqualValues(t, len(archive), outcomes[0].ResolvedLength)
	got, err := os.ReadFile(filepath.Join(target, "t", "data.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
	fi, err := os.Stat(filepath.Join(target, "t", "data.txt.gz"))
	require.NoError(t, err)
	assert.EqualValues(t, 0o644, fi.Mode().Perm())
}

func TestRecoveredFromRaw(t *testing.T) {
	raw := []byte("raw content that was compressed before being torrented, raw content repeated")
	archive := gzipData(t, raw, 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	rawRoot := t.TempDir()
	writeFixture(t, rawRoot, "data.txt", raw)
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, ""),
		Registry:    gzipOnly(),
		RawFallback: true,
		TargetRoot:  target,
	})
	require.True(t, report.Ok())
	o := report.Outcomes()[0]
	require.Equal(t, StatusRecovered, o.Status)
	assert.Equal(t, "gzip", o.Codec)
	assert.Empty(t, o.Attempts)
	// The reported parameters reproduce the archive bytes exactly.
	again, err := codec.NewGzip().Compress(context.Background(), raw, o.Params)
	require.NoError(t, err)
	assert.Equal(t, archive, again)
	got, err := os.ReadFile(filepath.Join(target, "t", "data.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestRecoveredFromRawWithTruncatedPartial(t *testing.T) {
	raw := bytes.Repeat([]byte("content that was compressed before being torrented\n"), 10)
	archive := gzipData(t, raw, 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	rawRoot := t.TempDir()
	writeFixture(t, rawRoot, "data.txt", raw)
	partial := t.TempDir()
	// A download that died partway: valid header, no trailer. The last bytes
	// are mid-stream deflate data and must not be read as a size record.
	writeFixture(t, partial, "data.txt.gz", archive[:len(archive)/2])
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, partial),
		Registry:    gzipOnly(),
		RawFallback: true,
		TargetRoot:  target,
	})
	require.True(t, report.Ok())
	o := report.Outcomes()[0]
	require.Equal(t, StatusRecovered, o.Status)
	got, err := os.ReadFile(filepath.Join(target, "t", "data.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

// recordingCodec remembers every raw input it was asked to compress.
type recordingCodec struct {
	codec.Codec
	mu   sync.Mutex
	raws [][]byte
}

func (me *recordingCodec) Compress(ctx context.Context, raw []byte, p codec.Params) ([]byte, error) {
	me.mu.Lock()
	me.raws = append(me.raws, raw)
	me.mu.Unlock()
	return me.Codec.Compress(ctx, raw, p)
}

func TestPerFileHashSelectsRawCandidate(t *testing.T) {
	rawRight := []byte("the revision that was actually compressed into the torrent")
	rawWrong := []byte("an older revision sharing the basename, differing content")
	archive := gzipData(t, rawRight, 6)
	digest := sha1.Sum(rawRight)
	idx := buildIndex(t, "t", 16, []fixtureFile{
		{path: []string{"data.txt.gz"}, data: archive, sha1: digest[:]},
	})
	rawRoot := t.TempDir()
	// The wrong candidate sorts first by path; the per-file hash should
	// outrank that.
	writeFixture(t, rawRoot, "a/data.txt", rawWrong)
	writeFixture(t, rawRoot, "z/data.txt", rawRight)
	rec := &recordingCodec{Codec: codec.NewGzip()}
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, ""),
		Registry:    codec.NewRegistry(rec),
		RawFallback: true,
		TargetRoot:  t.TempDir(),
	})
	require.True(t, report.Ok())
	assert.Equal(t, StatusRecovered, report.Outcomes()[0].Status)
	require.NotEmpty(t, rec.raws)
	for _, r := range rec.raws {
		assert.Equal(t, rawRight, r)
	}
}

// gatedCodec succeeds at level 1, but only once the level 2 trial is
// definitely in flight; the level 2 trial blocks until cancelled.
type gatedCodec struct {
	archive         []byte
	blockedInFlight chan struct{}
}

func (me *gatedCodec) Name() string      { return "gated" }
func (me *gatedCodec) Extension() string { return ".gz" }
func (me *gatedCodec) Available() error  { return nil }

func (me *gatedCodec) Compress(ctx context.Context, raw []byte, p codec.Params) ([]byte, error) {
	if p.Level == 2 {
		close(me.blockedInFlight)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	<-me.blockedInFlight
	return me.archive, nil
}

func (me *gatedCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func TestFirstSuccessCancelsLaterTrials(t *testing.T) {
	archive := patternBytes(40, 11)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	rawRoot := t.TempDir()
	writeFixture(t, rawRoot, "data.txt", []byte("raw"))
	c := &gatedCodec{archive: archive, blockedInFlight: make(chan struct{})}
	// Run would never return if the win at level 1 didn't cancel the blocked
	// level 2 trial.
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, ""),
		Registry:    codec.NewRegistry(c),
		Grid:        codec.Grid{Default: map[string][]codec.Params{"gated": {{Level: 1}, {Level: 2}}}},
		RawFallback: true,
		Parallelism: 2,
		TargetRoot:  t.TempDir(),
	})
	require.True(t, report.Ok())
	o := report.Outcomes()[0]
	assert.Equal(t, StatusRecovered, o.Status)
	assert.Equal(t, "gated", o.Codec)
	assert.Equal(t, 1, o.Params.Level)
}

func TestUnresolvedListsAttempts(t *testing.T) {
	// No gzip level of this raw candidate can produce a 5 byte archive.
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: []byte("xxxxx")}})
	rawRoot := t.TempDir()
	writeFixture(t, rawRoot, "data.txt", patternBytes(1<<10, 7))
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, ""),
		Registry:    gzipOnly(),
		RawFallback: true,
		TargetRoot:  t.TempDir(),
	})
	require.False(t, report.Ok())
	o := report.Outcomes()[0]
	require.Equal(t, StatusUnresolved, o.Status)
	want := []string{
		"gzip -1", "gzip -2", "gzip -3", "gzip -4", "gzip -5",
		"gzip -6", "gzip -7", "gzip -8", "gzip -9",
	}
	assert.Equal(t, want, o.Attempts)
	assert.Contains(t, o.Diagnostic, "parameter space exhausted")
}

func TestUnresolvedNoCandidate(t *testing.T) {
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: []byte("xxxxx")}})
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, "", ""),
		Registry:    gzipOnly(),
		RawFallback: true,
		TargetRoot:  t.TempDir(),
	})
	o := report.Outcomes()[0]
	assert.Equal(t, StatusUnresolved, o.Status)
	assert.Equal(t, "no candidate", o.Diagnostic)
}

// boundaryFiles is a layout with every notable boundary shape under a 16 byte
// piece: piece 1 spans a/b, piece 3 spans b/c, piece 4 spans c/d, and c is
// small enough to have no piece of its own.
func boundaryFiles() []fixtureFile {
	return []fixtureFile{
		{path: []string{"a.gz"}, data: patternBytes(25, 1)},
		{path: []string{"b.gz"}, data: patternBytes(30, 2)},
		{path: []string{"c.gz"}, data: patternBytes(10, 3)},
		{path: []string{"d.gz"}, data: patternBytes(40, 4)},
	}
}

func TestBoundaryPieceFailureSpreads(t *testing.T) {
	files := boundaryFiles()
	idx := buildIndex(t, "t", 16, files)
	partial := t.TempDir()
	for _, f := range files {
		writeFixture(t, partial, f.path[0], f.data)
	}
	// c has no interior pieces, so a corrupt byte-complete candidate can only
	// be caught once its shared pieces are hashed against both neighbors.
	writeFixture(t, partial, "c.gz", patternBytes(10, 99))
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: target,
	})
	require.False(t, report.Ok())
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 4)

	assert.Equal(t, StatusVerified, outcomes[0].Status)

	for i, wantPiece := range map[int]int{1: 3, 2: 3, 3: 4} {
		o := outcomes[i]
		assert.Equal(t, StatusError, o.Status, o.Path)
		require.True(t, o.FailingPiece.Ok, o.Path)
		assert.Equal(t, wantPiece, o.FailingPiece.Value, o.Path)
	}

	// Only the file whose boundary pieces all validated was written.
	_, err := os.Stat(filepath.Join(target, "t", "a.gz"))
	assert.NoError(t, err)
	for _, name := range []string{"b.gz", "c.gz", "d.gz"} {
		_, err := os.Stat(filepath.Join(target, "t", name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestBoundaryNeighborUnresolved(t *testing.T) {
	files := boundaryFiles()
	idx := buildIndex(t, "t", 16, files)
	partial := t.TempDir()
	for _, f := range files {
		if f.path[0] == "c.gz" {
			continue
		}
		writeFixture(t, partial, f.path[0], f.data)
	}
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: t.TempDir(),
	})
	require.False(t, report.Ok())
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 4)
	assert.Equal(t, StatusVerified, outcomes[0].Status)
	assert.Empty(t, outcomes[0].Diagnostic)
	assert.Equal(t, StatusUnresolved, outcomes[2].Status)
	// b and d keep verified status but flag the pieces they share with c.
	for _, i := range []int{1, 3} {
		assert.Equal(t, StatusVerified, outcomes[i].Status, outcomes[i].Path)
		assert.Contains(t, outcomes[i].Diagnostic, "not validated", outcomes[i].Path)
	}
}

func TestPaddingValidatesSharedPiece(t *testing.T) {
	files := []fixtureFile{
		{path: []string{"a.gz"}, data: patternBytes(25, 5)},
		{path: []string{".pad", "7"}, data: make([]byte, 7), attr: "p"},
	}
	idx := buildIndex(t, "t", 16, files)
	partial := t.TempDir()
	writeFixture(t, partial, "a.gz", files[0].data)
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: t.TempDir(),
	})
	require.True(t, report.Ok())
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusVerified, outcomes[0].Status)
	// The piece shared with the padding file validated against implicit
	// zeroes, so no unchecked-piece diagnostic.
	assert.Empty(t, outcomes[0].Diagnostic)
	assert.Equal(t, StatusSkipped, outcomes[1].Status)
	assert.Equal(t, "padding file", outcomes[1].Diagnostic)
}

func TestDryRunWritesNothing(t *testing.T) {
	archive := gzipData(t, []byte("dry run contents"), 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	partial := t.TempDir()
	writeFixture(t, partial, "data.txt.gz", archive)
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: target,
		DryRun:     true,
	})
	require.True(t, report.Ok())
	assert.Equal(t, StatusVerified, report.Outcomes()[0].Status)
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExistingDestinationSkipped(t *testing.T) {
	archive := gzipData(t, []byte("already recovered once"), 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	partial := t.TempDir()
	writeFixture(t, partial, "data.txt.gz", archive)
	target := t.TempDir()
	writeFixture(t, target, "t/data.txt.gz", []byte("stale"))

	cfg := Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: target,
	}
	report := runEngine(t, cfg)
	o := report.Outcomes()[0]
	assert.Equal(t, StatusSkipped, o.Status)
	assert.Contains(t, o.Diagnostic, "destination exists")

	cfg.Overwrite = true
	report = runEngine(t, cfg)
	assert.Equal(t, StatusVerified, report.Outcomes()[0].Status)
	got, err := os.ReadFile(filepath.Join(target, "t", "data.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestInPlaceRecovery(t *testing.T) {
	raw := []byte("in place recovery raw content, long enough to span pieces")
	archive := gzipData(t, raw, 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	rawRoot := t.TempDir()
	writeFixture(t, rawRoot, "data.txt", raw)
	partial := t.TempDir()
	report := runEngine(t, Config{
		Index:       idx,
		Resolver:    newResolver(t, rawRoot, partial),
		Registry:    gzipOnly(),
		RawFallback: true,
		PartialRoot: partial,
	})
	require.True(t, report.Ok())
	assert.Equal(t, StatusRecovered, report.Outcomes()[0].Status)
	got, err := os.ReadFile(filepath.Join(partial, "data.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestZeroLengthEntry(t *testing.T) {
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"empty.gz"}}})
	target := t.TempDir()
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", ""),
		Registry:   gzipOnly(),
		TargetRoot: target,
	})
	require.True(t, report.Ok())
	assert.Equal(t, StatusVerified, report.Outcomes()[0].Status)
	fi, err := os.Stat(filepath.Join(target, "t", "empty.gz"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestUnknownExtensionSkipped(t *testing.T) {
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"notes.txt"}, data: []byte("plain")}})
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", ""),
		Registry:   gzipOnly(),
		TargetRoot: t.TempDir(),
	})
	require.True(t, report.Ok())
	o := report.Outcomes()[0]
	assert.Equal(t, StatusSkipped, o.Status)
	assert.Contains(t, o.Diagnostic, "no codec")
}

func TestFileFilter(t *testing.T) {
	// Piece aligned so the filtered-out file doesn't block boundary checks.
	files := []fixtureFile{
		{path: []string{"a.gz"}, data: patternBytes(16, 8)},
		{path: []string{"b.gz"}, data: patternBytes(16, 9)},
	}
	idx := buildIndex(t, "t", 16, files)
	partial := t.TempDir()
	writeFixture(t, partial, "a.gz", files[0].data)
	report := runEngine(t, Config{
		Index:      idx,
		Resolver:   newResolver(t, "", partial),
		Registry:   gzipOnly(),
		TargetRoot: t.TempDir(),
		FileFilter: "a.gz",
	})
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "a.gz", outcomes[0].Path)
	assert.Equal(t, StatusVerified, outcomes[0].Status)
}

func TestPreflight(t *testing.T) {
	raw := []byte("preflight raw content to check against the gzip trailer")
	archive := gzipData(t, raw, 6)
	idx := buildIndex(t, "t", 16, []fixtureFile{{path: []string{"data.txt.gz"}, data: archive}})
	partial := t.TempDir()
	writeFixture(t, partial, "data.txt.gz", archive)

	run := func(rawContent []byte) []PreflightResult {
		rawRoot := t.TempDir()
		writeFixture(t, rawRoot, "data.txt", rawContent)
		eng, err := New(Config{
			Index:    idx,
			Resolver: newResolver(t, rawRoot, partial),
			Registry: gzipOnly(),
		})
		require.NoError(t, err)
		results, err := eng.Preflight(context.Background())
		require.NoError(t, err)
		return results
	}

	results := run(raw)
	require.Len(t, results, 1)
	assert.Equal(t, "gzip", results[0].Codec)
	assert.True(t, results[0].Checked)
	assert.True(t, results[0].OK)

	results = run(append([]byte("tampered "), raw...))
	require.Len(t, results, 1)
	assert.True(t, results[0].Checked)
	assert.False(t, results[0].OK)
}
