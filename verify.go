package seedrecover

import (
	"bytes"
	"fmt"
	"io"
	"os"

	g "github.com/anacrolix/generics"

	"github.com/anacrolix/seedrecover/index"
)

// source is a resolved byte provider for one file. Sections are opened per
// read so verification can stream in bounded chunks without holding
// descriptors across the whole run.
type source interface {
	openSection(off, length int64) (io.ReadCloser, error)
	size() int64
}

// memSource serves recovered bytes held in memory.
type memSource []byte

func (me memSource) openSection(off, length int64) (io.ReadCloser, error) {
	if off < 0 || off+length > int64(len(me)) {
		return nil, fmt.Errorf("section [%v, %v) outside buffer of %v bytes", off, off+length, len(me))
	}
	return io.NopCloser(bytes.NewReader(me[off : off+length])), nil
}

func (me memSource) size() int64 { return int64(len(me)) }

// fileSource serves a candidate file on disk.
type fileSource struct {
	path string
	sz   int64
}

type sectionCloser struct {
	*io.SectionReader
	f *os.File
}

func (me sectionCloser) Close() error { return me.f.Close() }

func (me fileSource) openSection(off, length int64) (io.ReadCloser, error) {
	f, err := os.Open(me.path)
	if err != nil {
		return nil, err
	}
	return sectionCloser{io.NewSectionReader(f, off, length), f}, nil
}

func (me fileSource) size() int64 { return me.sz }

// zeroSource stands in for BEP 47 padding files, whose bytes are all zero by
// definition. It lets shared pieces adjoining padding validate without a
// candidate.
type zeroSource int64

func (me zeroSource) openSection(off, length int64) (io.ReadCloser, error) {
	if off < 0 || off+length > int64(me) {
		return nil, fmt.Errorf("section [%v, %v) outside %v zero bytes", off, off+length, int64(me))
	}
	return io.NopCloser(io.LimitReader(zeroReader{}, length)), nil
}

func (me zeroSource) size() int64 { return int64(me) }

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// hashChunkSize bounds the copy buffer used when hashing candidate bytes.
const hashChunkSize = 128 << 10

// verifyPiece hashes one whole piece, streaming each contributing file's
// span from that file's source, and compares against the expected digest.
func verifyPiece(idx *index.Index, pm *index.PieceMap, piece int, srcFor func(file int) source) (bool, error) {
	h := idx.NewHash()
	buf := make([]byte, hashChunkSize)
	for _, fi := range pm.FilesTouching(piece) {
		span := pm.SpanIn(fi, piece).Unwrap()
		src := srcFor(fi)
		if src == nil {
			return false, fmt.Errorf("no source for file %v in piece %v", fi, piece)
		}
		r, err := src.openSection(span.FileOff, span.Length)
		if err != nil {
			return false, err
		}
		_, err = io.CopyBuffer(h, r, buf)
		r.Close()
		if err != nil {
			return false, err
		}
	}
	return bytes.Equal(h.Sum(nil), idx.PieceHash(piece)), nil
}

// verifyInterior checks every piece of the file that (a) no other file
// touches and (b) is fully covered by the first limit bytes of src. Returns
// the first mismatching piece on failure and the count of pieces checked.
func verifyInterior(idx *index.Index, pm *index.PieceMap, file int, src source, limit int64) (failing g.Option[int], checked int, err error) {
	for _, span := range pm.SpansFor(file) {
		if pm.Shared(span.Piece) {
			continue
		}
		if span.FileEnd() > limit {
			break
		}
		ok, err := verifyPiece(idx, pm, span.Piece, func(int) source { return src })
		if err != nil {
			return failing, checked, err
		}
		if !ok {
			failing.Set(span.Piece)
			return failing, checked, nil
		}
		checked++
	}
	return
}
