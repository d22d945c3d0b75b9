package seedrecover

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/anacrolix/log"

	"github.com/anacrolix/seedrecover/codec"
	"github.com/anacrolix/seedrecover/resolve"
)

// PreflightResult is the verify-only verdict for one compressed entry.
type PreflightResult struct {
	Path  string
	Codec string
	// False when the check couldn't run: no candidate pair, trailer missing,
	// or the format records nothing checkable.
	Checked bool
	OK      bool
	Detail  string
}

// Preflight sanity-checks raw candidates against each archive format's own
// trailer data (gzip CRC32+ISIZE; xz and zstd by decode-and-compare) using
// partial candidates that include the trailer. It mutates nothing and
// produces no recovered files; it answers whether full reconstruction is
// worth attempting.
func (me *Engine) Preflight(ctx context.Context) (ret []PreflightResult, _ error) {
	for fi := range me.idx.NumFiles() {
		entry := me.idx.File(fi)
		if entry.Padding() || entry.Length == 0 {
			continue
		}
		if me.cfg.FileFilter != "" && entry.BasePath() != me.cfg.FileFilter {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.BasePath()))
		var verifier codec.RawVerifier
		var codecName string
		for _, c := range me.registry.ForExtension(ext) {
			if !me.registry.Usable(c, me.logger) {
				continue
			}
			if v, ok := c.(codec.RawVerifier); ok {
				verifier = v
				codecName = c.Name()
				break
			}
		}
		if len(me.registry.ForExtension(ext)) == 0 {
			continue
		}
		res := PreflightResult{Path: path.Join(entry.Path...), Codec: codecName}
		if verifier == nil {
			res.Detail = fmt.Sprintf("format %v records no checkable trailer", ext)
			ret = append(ret, res)
			continue
		}
		res = me.preflightEntry(ctx, entry.BasePath(), entry.Length, verifier, res)
		ret = append(ret, res)
	}
	return ret, nil
}

func (me *Engine) preflightEntry(ctx context.Context, basename string, length int64, verifier codec.RawVerifier, res PreflightResult) PreflightResult {
	var archive resolve.Candidate
	for _, cand := range me.resolver.Partial(basename, length) {
		// The trailer lives in the last piece; a truncated candidate can't
		// be checked.
		if cand.Size >= length {
			archive = cand
			break
		}
	}
	if archive.Path == "" {
		res.Detail = "no partial candidate covering the trailer"
		return res
	}
	raws := me.resolver.Raw(resolve.RawBasename(basename), -1)
	if len(raws) == 0 {
		res.Detail = "no raw candidate"
		return res
	}
	for _, raw := range raws {
		if ctx.Err() != nil {
			res.Detail = ctx.Err().Error()
			return res
		}
		rawF, err := raw.Open()
		if err != nil {
			continue
		}
		arF, err := archive.Open()
		if err != nil {
			rawF.Close()
			continue
		}
		ok, err := verifier.VerifyRaw(rawF, arF, length)
		rawF.Close()
		arF.Close()
		if err != nil {
			me.logger.Levelf(log.Debug, "preflight %v against %v: %v", raw.Path, archive.Path, err)
			continue
		}
		res.Checked = true
		res.OK = ok
		res.Detail = fmt.Sprintf("%v against %v", raw.Path, archive.Path)
		if ok {
			return res
		}
	}
	return res
}
