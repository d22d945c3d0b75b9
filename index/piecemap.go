package index

import (
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Span describes the bytes one piece and one file have in common: Length
// bytes starting at PieceOff within the piece, which are the same bytes as
// Length bytes starting at FileOff within the file.
type Span struct {
	Piece    int
	PieceOff int64
	FileOff  int64
	Length   int64
}

func (me Span) PieceEnd() int64 { return me.PieceOff + me.Length }

func (me Span) FileEnd() int64 { return me.FileOff + me.Length }

// PieceRange is an inclusive range of piece indices.
type PieceRange struct {
	First, Last int
}

// PieceMap precomputes, for every file, the ordered piece spans covering it,
// and for every piece, the files contributing bytes to it. Like the Index it
// is built once and read-only thereafter.
type PieceMap struct {
	index *Index
	// Per file, in file order. Zero-length files have no spans.
	spans [][]Span
	// Per piece, file indices contributing at least one byte, ascending.
	touching [][]int
}

func NewPieceMap(idx *Index) *PieceMap {
	ret := &PieceMap{
		index:    idx,
		spans:    make([][]Span, idx.NumFiles()),
		touching: make([][]int, idx.NumPieces()),
	}
	for fi := range idx.Files() {
		f := idx.File(fi)
		var total int64
		for off := f.Offset; off < f.End(); {
			piece := int(off / idx.PieceLength())
			pieceStart, pieceLen := idx.PieceBounds(piece)
			span := Span{
				Piece:    piece,
				PieceOff: off - pieceStart,
				FileOff:  off - f.Offset,
				Length:   min(pieceStart+pieceLen, f.End()) - off,
			}
			ret.spans[fi] = append(ret.spans[fi], span)
			ret.touching[piece] = append(ret.touching[piece], fi)
			total += span.Length
			off += span.Length
		}
		panicif.NotEq(total, f.Length)
	}
	return ret
}

func (me *PieceMap) Index() *Index { return me.index }

// SpansFor returns the ordered piece spans for a file. The spans concatenated
// cover exactly the file's bytes. Empty for zero-length files.
func (me *PieceMap) SpansFor(file int) []Span {
	return me.spans[file]
}

// PiecesTouched returns the inclusive piece index range the file overlaps.
// None for zero-length files, which occupy an offset but no piece bytes.
func (me *PieceMap) PiecesTouched(file int) (ret g.Option[PieceRange]) {
	spans := me.spans[file]
	if len(spans) == 0 {
		return
	}
	ret.Set(PieceRange{spans[0].Piece, spans[len(spans)-1].Piece})
	return
}

// FilesTouching returns the files contributing bytes to a piece, in file
// order.
func (me *PieceMap) FilesTouching(piece int) []int {
	return me.touching[piece]
}

// Shared reports whether the piece straddles a file boundary: more than one
// file contributes bytes to it. Shared pieces cannot be validated from either
// file alone.
func (me *PieceMap) Shared(piece int) bool {
	return len(me.touching[piece]) > 1
}

// InteriorPieces returns the pieces of the file that no other file touches.
// These are the only pieces checkable from the file's bytes alone.
func (me *PieceMap) InteriorPieces(file int) (ret []int) {
	for _, span := range me.spans[file] {
		if !me.Shared(span.Piece) {
			ret = append(ret, span.Piece)
		}
	}
	return
}

// SharedPieces returns the file's boundary pieces, the complement of
// InteriorPieces within the file's span list.
func (me *PieceMap) SharedPieces(file int) (ret []int) {
	for _, span := range me.spans[file] {
		if me.Shared(span.Piece) {
			ret = append(ret, span.Piece)
		}
	}
	return
}

// SpanIn returns the file's span within the given piece, if any.
func (me *PieceMap) SpanIn(file, piece int) (ret g.Option[Span]) {
	for _, span := range me.spans[file] {
		if span.Piece == piece {
			ret.Set(span)
			return
		}
	}
	return
}
