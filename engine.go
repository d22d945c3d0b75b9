// Package seedrecover reconstructs exact compressed byte streams for torrent
// file entries from surviving related content: decompressed raw files and
// partially downloaded compressed files. Candidate bytes are verified against
// the torrent's piece hashes; when no byte-complete compressed candidate
// exists, a bounded search over compressor parameter combinations tries to
// reproduce the lost bytes from a raw candidate.
package seedrecover

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/seedrecover/codec"
	"github.com/anacrolix/seedrecover/index"
	"github.com/anacrolix/seedrecover/resolve"
)

type Config struct {
	Index    *index.Index
	Resolver *resolve.Resolver
	// Defaulted when nil/zero.
	PieceMap *index.PieceMap
	Registry *codec.Registry
	Grid     codec.Grid

	// Recompress raw candidates when no compressed candidate verifies.
	RawFallback bool
	// Widen the parameter grid beyond the defaults.
	BruteForce bool
	// Cap on trials per (file, raw candidate) once brute force widens the
	// grid. Zero means unbounded.
	AttemptBudget int
	// Classify every file but mutate nothing.
	DryRun    bool
	Overwrite bool
	// Outputs mirror the torrent layout under this root. Empty means
	// in-place recovery over the partial candidates.
	TargetRoot string
	// Where in-place outputs land when no partial candidate matched.
	PartialRoot string
	// Process only entries with this basename. Empty processes all.
	FileFilter string
	// Concurrent files, and concurrent trials within a file. Defaults to
	// GOMAXPROCS.
	Parallelism int
	// Nil uses log.Default.
	Logger *log.Logger
}

type Engine struct {
	idx      *index.Index
	pm       *index.PieceMap
	resolver *resolve.Resolver
	registry *codec.Registry
	grid     codec.Grid
	writer   outputWriter
	cfg      Config
	logger   log.Logger
}

// New validates cfg. Validation failures here are the only fatal errors;
// everything after is captured per file in the report.
func New(cfg Config) (*Engine, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("config: no index")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("config: no resolver")
	}
	if cfg.AttemptBudget < 0 {
		return nil, fmt.Errorf("config: negative attempt budget")
	}
	ret := &Engine{
		idx:      cfg.Index,
		pm:       cfg.PieceMap,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		grid:     cfg.Grid,
		cfg:      cfg,
		logger:   log.Default,
		writer: outputWriter{
			targetRoot:  cfg.TargetRoot,
			inPlaceRoot: cfg.PartialRoot,
			overwrite:   cfg.Overwrite,
			dryRun:      cfg.DryRun,
		},
	}
	if ret.pm == nil {
		ret.pm = index.NewPieceMap(ret.idx)
	}
	if ret.registry == nil {
		ret.registry = codec.DefaultRegistry()
	}
	if ret.grid.Default == nil {
		ret.grid = codec.DefaultGrid()
	}
	if ret.cfg.Parallelism <= 0 {
		ret.cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger != nil {
		ret.logger = *cfg.Logger
	}
	return ret, nil
}

// fileResult is a worker's provisional verdict on one file, before shared
// boundary pieces have been validated.
type fileResult struct {
	outcome Outcome
	src     source
	// Matched partial candidate path, for the in-place destination.
	candidatePath string
}

// Run attempts every requested file to completion and returns the report.
// Per-file failures never abort the batch; the returned error is non-nil only
// for context cancellation.
func (me *Engine) Run(ctx context.Context) (*Report, error) {
	report := new(Report)
	tracker := newBoundaryTracker(me.pm)
	results := make([]*fileResult, me.idx.NumFiles())

	var jobs []int
	for fi := range me.idx.NumFiles() {
		entry := me.idx.File(fi)
		if me.cfg.FileFilter != "" && entry.BasePath() != me.cfg.FileFilter {
			tracker.fileUnresolved(fi)
			continue
		}
		if skip, src := me.classify(fi); skip != nil {
			results[fi] = skip
			if src != nil {
				for _, piece := range tracker.fileResolved(fi, src) {
					me.validateShared(tracker, piece)
				}
			} else {
				tracker.fileUnresolved(fi)
			}
			continue
		}
		jobs = append(jobs, fi)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(me.cfg.Parallelism)
	for _, fi := range jobs {
		eg.Go(func() error {
			res := me.resolveFile(gctx, fi)
			results[fi] = res
			if res.src != nil {
				for _, piece := range tracker.fileResolved(fi, res.src) {
					me.validateShared(tracker, piece)
				}
			} else {
				tracker.fileUnresolved(fi)
			}
			return gctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	// Final pass in file order: fold in boundary verdicts, then persist.
	for fi, res := range results {
		if res == nil {
			continue
		}
		me.finalize(fi, res, tracker)
		report.add(res.outcome)
	}
	return report, nil
}

func (me *Engine) validateShared(tracker *boundaryTracker, piece int) {
	ok, err := tracker.validate(piece)
	if err != nil {
		me.logger.Levelf(log.Warning, "validating shared piece %v: %v", piece, err)
		return
	}
	me.logger.Levelf(log.Debug, "shared piece %v validated: %v", piece, ok)
}

// classify decides files that need no search: padding, unrecognized
// extensions, zero-length entries, and destinations that already exist
// without overwrite. Returns nil for files that go to the workers. The
// returned source, if any, feeds boundary validation.
func (me *Engine) classify(fi int) (*fileResult, source) {
	entry := me.idx.File(fi)
	outcome := Outcome{File: fi, Path: path.Join(entry.Path...)}
	if entry.Padding() {
		outcome.Status = StatusSkipped
		outcome.Diagnostic = "padding file"
		// Padding bytes are all zero by definition; neighbors can still
		// validate shared pieces against them.
		return &fileResult{outcome: outcome}, zeroSource(entry.Length)
	}
	ext := strings.ToLower(filepath.Ext(entry.BasePath()))
	if len(me.registry.ForExtension(ext)) == 0 {
		outcome.Status = StatusSkipped
		outcome.Diagnostic = fmt.Sprintf("no codec for %q", ext)
		return &fileResult{outcome: outcome}, nil
	}
	if entry.Length == 0 {
		outcome.Status = StatusVerified
		return &fileResult{outcome: outcome, src: memSource(nil)}, nil
	}
	if !me.writer.inPlace() {
		if dst := me.writer.destination(me.idx, entry, ""); me.writer.refuses(dst) {
			outcome.Status = StatusSkipped
			outcome.Diagnostic = fmt.Sprintf("destination exists: %v", dst)
			return &fileResult{outcome: outcome}, nil
		}
	}
	return nil, nil
}

// resolveFile runs the per-file pipeline: fast-path verification of a
// full-length partial candidate, then the raw-fallback recompression search.
func (me *Engine) resolveFile(ctx context.Context, fi int) *fileResult {
	entry := me.idx.File(fi)
	ext := strings.ToLower(filepath.Ext(entry.BasePath()))
	ret := &fileResult{outcome: Outcome{File: fi, Path: path.Join(entry.Path...)}}
	outcome := &ret.outcome

	partials := me.resolver.Partial(entry.BasePath(), entry.Length)
	var firstMismatch g.Option[int]
	for _, cand := range partials {
		if cand.Size != entry.Length {
			continue
		}
		src := fileSource{path: cand.Path, sz: cand.Size}
		failing, _, err := verifyInterior(me.idx, me.pm, fi, src, entry.Length)
		if err != nil {
			me.logger.Levelf(log.Warning, "verifying %v against %v: %v", outcome.Path, cand.Path, err)
			continue
		}
		if !failing.Ok {
			outcome.Status = StatusVerified
			outcome.ResolvedLength = entry.Length
			ret.src = src
			ret.candidatePath = cand.Path
			return ret
		}
		if !firstMismatch.Ok {
			firstMismatch = failing
		}
		me.logger.Levelf(log.Debug, "partial candidate %v mismatches at piece %v", cand.Path, failing.Value)
	}

	if me.cfg.RawFallback {
		if done := me.searchRaw(ctx, fi, ext, partials, ret); done {
			return ret
		}
	}

	outcome.Status = StatusUnresolved
	outcome.FailingPiece = firstMismatch
	var msg string
	switch {
	case firstMismatch.Ok:
		msg = fmt.Sprintf("partial candidate mismatched at piece %v and no trial reproduced the bytes", firstMismatch.Value)
	case len(outcome.Attempts) > 0:
		msg = "parameter space exhausted with no match"
	case len(partials) == 0:
		msg = "no candidate"
	default:
		msg = "no byte-complete partial candidate"
	}
	if outcome.Diagnostic != "" {
		outcome.Diagnostic += "; " + msg
	} else {
		outcome.Diagnostic = msg
	}
	return ret
}

// searchRaw tries to reproduce the entry's exact bytes by recompressing raw
// candidates. Returns true when ret carries a final verdict.
func (me *Engine) searchRaw(ctx context.Context, fi int, ext string, partials []resolve.Candidate, ret *fileResult) bool {
	entry := me.idx.File(fi)
	outcome := &ret.outcome
	rawName := resolve.RawBasename(entry.BasePath())
	raws := me.resolver.Raw(rawName, -1)
	if len(raws) == 0 {
		return false
	}

	// BEP 47 per-file hash, when the torrent carries one, identifies the
	// right candidate before any compression is spent on the wrong one.
	confirmed := 0
	if len(entry.Sha1) > 0 {
		var matched, rest []resolve.Candidate
		for _, raw := range raws {
			if rawSha1Matches(raw, entry.Sha1) {
				matched = append(matched, raw)
			} else {
				rest = append(rest, raw)
			}
		}
		confirmed = len(matched)
		raws = append(matched, rest...)
	}

	hdr := me.partialGzipHeader(ext, partials)
	wantRawSize := me.recordedRawSize(ext, entry.Length, partials)
	for i, raw := range raws {
		// A candidate the torrent's own per-file hash confirmed outranks the
		// framing heuristic.
		if i >= confirmed && wantRawSize.Ok && !rawSizeMatches(ext, raw.Size, wantRawSize.Value) {
			// Cheap short-circuit: the format's own framing says the raw
			// content has a different length, so no parameter combination
			// can reproduce the archive from this candidate.
			me.logger.Levelf(log.Debug, "raw candidate %v is %v bytes, archive framing records %v; skipping",
				raw.Path, raw.Size, wantRawSize.Value)
			continue
		}
		rawBytes, err := raw.Bytes()
		if err != nil {
			me.logger.Levelf(log.Warning, "reading raw candidate %v: %v", raw.Path, err)
			continue
		}
		match, attempts, truncated := me.runTrials(ctx, fi, ext, rawBytes, hdr)
		outcome.Attempts = append(outcome.Attempts, attempts...)
		if truncated {
			outcome.Diagnostic = fmt.Sprintf("attempt budget %v exhausted", me.cfg.AttemptBudget)
		}
		if match.Ok {
			outcome.Status = StatusRecovered
			outcome.ResolvedLength = entry.Length
			outcome.Codec = match.Value.codecName
			outcome.Params = match.Value.params
			outcome.Attempts = nil
			ret.src = memSource(match.Value.data)
			if len(partials) > 0 {
				ret.candidatePath = partials[0].Path
			}
			return true
		}
	}
	return false
}

type trialMatch struct {
	data      []byte
	codecName string
	params    codec.Params
}

// runTrials walks the grid for every usable codec claiming ext, in codec
// registration then grid order, compressing raw and checking the output's
// length and interior piece hashes. Trials run concurrently; selection is by
// grid position, not completion order, so the outcome is deterministic. A
// success stops launching later trials and cancels in-flight ones at later
// grid positions; earlier in-flight trials finish, since one of them could
// still take the win. Scoped to this file only.
func (me *Engine) runTrials(
	ctx context.Context,
	fi int,
	ext string,
	raw []byte,
	hdr g.Option[codec.GzipHeader],
) (match g.Option[trialMatch], attempts []string, truncated bool) {
	entry := me.idx.File(fi)
	type trial struct {
		c codec.Codec
		p codec.Params
	}
	var trials []trial
	for _, c := range me.registry.ForExtension(ext) {
		if !me.registry.Usable(c, me.logger) {
			continue
		}
		for _, p := range me.grid.For(c.Name(), me.cfg.BruteForce) {
			trials = append(trials, trial{c, p})
		}
	}
	if me.cfg.BruteForce && me.cfg.AttemptBudget > 0 && len(trials) > me.cfg.AttemptBudget {
		trials = trials[:me.cfg.AttemptBudget]
		truncated = true
	}
	for _, t := range trials {
		attempts = append(attempts, t.c.Name()+" "+t.p.String())
	}

	var (
		mu        sync.Mutex
		best      = -1
		bestMatch trialMatch
		found     chansync.SetOnce
		cancels   = make([]context.CancelFunc, len(trials))
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(me.cfg.Parallelism)
	for i, t := range trials {
		if found.IsSet() {
			mu.Lock()
			stop := best >= 0 && i > best
			mu.Unlock()
			if stop {
				// Later grid positions can no longer win; earlier in-flight
				// trials run to completion so selection stays grid-ordered.
				break
			}
		}
		eg.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			mu.Lock()
			if best >= 0 && i > best {
				mu.Unlock()
				return nil
			}
			tctx, cancel := context.WithCancel(gctx)
			cancels[i] = cancel
			mu.Unlock()
			defer cancel()
			data, err := t.c.Compress(tctx, raw, t.p)
			if err != nil {
				me.logger.Levelf(log.Debug, "%v %v on %v: %v", t.c.Name(), t.p, entry.BasePath(), err)
				return nil
			}
			if hdr.Ok && ext == ".gz" {
				data = codec.PatchGzipHeader(data, hdr.Value)
			}
			if int64(len(data)) != entry.Length {
				return nil
			}
			failing, _, err := verifyInterior(me.idx, me.pm, fi, memSource(data), entry.Length)
			if err != nil || failing.Ok {
				return nil
			}
			mu.Lock()
			if best == -1 || i < best {
				best = i
				bestMatch = trialMatch{data: data, codecName: t.c.Name(), params: t.p}
				// In-flight trials at later grid positions can't win anymore;
				// let their codecs give up.
				for j := i + 1; j < len(cancels); j++ {
					if cancels[j] != nil {
						cancels[j]()
					}
				}
			}
			mu.Unlock()
			found.Set()
			return nil
		})
	}
	eg.Wait()
	if best >= 0 {
		match.Set(bestMatch)
	}
	return
}

// partialGzipHeader parses the gzip member header from the best-ordered
// partial candidate, so trial outputs can reproduce its exact header bytes.
func (me *Engine) partialGzipHeader(ext string, partials []resolve.Candidate) (ret g.Option[codec.GzipHeader]) {
	if ext != ".gz" {
		return
	}
	for _, cand := range partials {
		f, err := cand.Open()
		if err != nil {
			continue
		}
		buf := make([]byte, 64<<10)
		n, _ := f.Read(buf)
		f.Close()
		if ret = codec.ParseGzipHeader(buf[:n]); ret.Ok {
			return
		}
	}
	return
}

// rawSha1Matches hashes the candidate's bytes against a BEP 47 per-file
// digest.
func rawSha1Matches(cand resolve.Candidate, want []byte) bool {
	f, err := cand.Open()
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return bytes.Equal(h.Sum(nil), want)
}

// recordedRawSize extracts the decompressed size an archive's own framing
// records, from the first partial candidate that yields one. Only candidates
// covering the whole entry are consulted: a truncated download ends mid
// stream, and whatever bytes sit where the trailer belongs are compressed
// data, not a size record.
func (me *Engine) recordedRawSize(ext string, length int64, partials []resolve.Candidate) (ret g.Option[int64]) {
	var sizer codec.RawSizer
	for _, c := range me.registry.ForExtension(ext) {
		if s, ok := c.(codec.RawSizer); ok {
			sizer = s
			break
		}
	}
	if sizer == nil {
		return
	}
	for _, cand := range partials {
		if cand.Size < length {
			continue
		}
		f, err := cand.Open()
		if err != nil {
			continue
		}
		ret, err = sizer.RawSize(f, cand.Size)
		f.Close()
		if err == nil && ret.Ok {
			return
		}
		ret = g.None[int64]()
	}
	return
}

// rawSizeMatches compares a raw candidate's length against the recorded
// size. gzip's ISIZE is modulo 2^32.
func rawSizeMatches(ext string, rawSize, recorded int64) bool {
	if ext == ".gz" {
		return uint32(rawSize) == uint32(recorded)
	}
	return rawSize == recorded
}

// finalize folds shared-piece verdicts into a provisional outcome and
// persists the resolved bytes.
func (me *Engine) finalize(fi int, res *fileResult, tracker *boundaryTracker) {
	outcome := &res.outcome
	switch outcome.Status {
	case StatusVerified, StatusRecovered:
	default:
		return
	}
	entry := me.idx.File(fi)
	if entry.Length == 0 && len(me.pm.SpansFor(fi)) == 0 {
		// Zero-length entries occupy no piece bytes; nothing to validate.
	} else {
		invalid, unchecked := tracker.status(fi)
		if len(invalid) > 0 {
			outcome.Status = StatusError
			outcome.FailingPiece.Set(invalid[0])
			outcome.Diagnostic = fmt.Sprintf("shared piece %v failed verification after both neighbors resolved", invalid[0])
			return
		}
		if len(unchecked) > 0 {
			outcome.Diagnostic = strings.TrimPrefix(
				outcome.Diagnostic+fmt.Sprintf("; shared pieces %v not validated (neighbor unresolved)", unchecked), "; ")
		}
	}
	dst := me.writer.destination(me.idx, entry, res.candidatePath)
	if me.writer.inPlace() && dst != res.candidatePath && me.writer.refuses(dst) {
		// In-place mode only ever replaces the matched candidate; any other
		// existing file needs the overwrite flag.
		outcome.Diagnostic = strings.TrimPrefix(
			outcome.Diagnostic+fmt.Sprintf("; not written: %v exists", dst), "; ")
		return
	}
	if err := me.writer.persist(dst, res.src); err != nil {
		outcome.Status = StatusError
		outcome.Diagnostic = fmt.Sprintf("writing output: %v", err)
	}
}
