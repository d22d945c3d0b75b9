// Package index maps torrent metadata onto per-file byte ranges and piece
// extents. It consumes already-decoded metainfo: the caller supplies file
// paths, lengths, the piece length and the concatenated piece digests.
package index

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// A single file entry from the torrent info dictionary.
type FileSpec struct {
	// Path segments relative to the torrent root. Never empty for multi-file
	// torrents; a single-file torrent passes one segment (the info name).
	Path []string
	// Length in bytes. Zero is legal.
	Length int64
	// BEP 47 attributes, if present. A "p" marks a padding file.
	Attr string
	// BEP 47 per-file SHA-1 of the entry's bytes, if the torrent carries one.
	Sha1 []byte
}

// FileEntry is a FileSpec with its computed position in the concatenated
// torrent byte stream.
type FileEntry struct {
	FileSpec
	// Offset of the file's first byte in the concatenated stream. Entries are
	// contiguous: Offset is the sum of all preceding lengths.
	Offset int64
}

func (me *FileEntry) End() int64 {
	return me.Offset + me.Length
}

// BasePath returns the file's final path segment.
func (me *FileEntry) BasePath() string {
	return me.Path[len(me.Path)-1]
}

// Padding reports whether the entry is a BEP 47 padding file.
func (me *FileEntry) Padding() bool {
	for _, c := range me.Attr {
		if c == 'p' {
			return true
		}
	}
	return false
}

// DigestSize for the flat piece hash list. 20 is BEP 3 SHA-1; 32 occurs in
// flattened hybrid piece lists.
const (
	Sha1DigestSize   = sha1.Size
	Sha256DigestSize = sha256.Size
)

// Index is the read-only view of a torrent's layout: ordered file entries
// with cumulative offsets, and the flat piece hash table. Built once, never
// mutated.
type Index struct {
	name        string
	files       []FileEntry
	pieceLength int64
	pieces      []byte
	digestSize  int
	totalLength int64
}

// New validates the decoded metadata and builds an Index. pieces is the
// concatenated digest blob from the info dictionary; digestSize selects the
// piece hash function (Sha1DigestSize or Sha256DigestSize).
func New(name string, files []FileSpec, pieceLength int64, pieces []byte, digestSize int) (*Index, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece length %v: must be positive", pieceLength)
	}
	switch digestSize {
	case Sha1DigestSize, Sha256DigestSize:
	default:
		return nil, fmt.Errorf("unsupported piece digest size %v", digestSize)
	}
	if len(pieces)%digestSize != 0 {
		return nil, fmt.Errorf("pieces blob length %v is not a multiple of digest size %v", len(pieces), digestSize)
	}
	ret := &Index{
		name:        name,
		pieceLength: pieceLength,
		pieces:      pieces,
		digestSize:  digestSize,
	}
	var offset int64
	for i, fs := range files {
		if len(fs.Path) == 0 {
			return nil, fmt.Errorf("file %v has no path", i)
		}
		if fs.Length < 0 {
			return nil, fmt.Errorf("file %q has negative length", fs.Path)
		}
		if len(fs.Sha1) != 0 && len(fs.Sha1) != Sha1DigestSize {
			return nil, fmt.Errorf("file %q has %v byte sha1", fs.Path, len(fs.Sha1))
		}
		ret.files = append(ret.files, FileEntry{FileSpec: fs, Offset: offset})
		offset += fs.Length
	}
	ret.totalLength = offset
	wantPieces := int((offset + pieceLength - 1) / pieceLength)
	if gotPieces := len(pieces) / digestSize; gotPieces != wantPieces {
		return nil, fmt.Errorf("have %v piece hashes, total length %v with piece length %v needs %v",
			gotPieces, offset, pieceLength, wantPieces)
	}
	if wantPieces > 0 {
		last := offset - pieceLength*int64(wantPieces-1)
		if last <= 0 || last > pieceLength {
			return nil, fmt.Errorf("last piece length %v out of range (0, %v]", last, pieceLength)
		}
	}
	return ret, nil
}

func (me *Index) Name() string { return me.name }

func (me *Index) Files() []FileEntry { return me.files }

func (me *Index) NumFiles() int { return len(me.files) }

func (me *Index) File(i int) *FileEntry { return &me.files[i] }

func (me *Index) PieceLength() int64 { return me.pieceLength }

func (me *Index) TotalLength() int64 { return me.totalLength }

func (me *Index) NumPieces() int { return len(me.pieces) / me.digestSize }

// PieceBounds returns the piece's extent in the concatenated stream. The last
// piece is short unless the total length is piece-aligned.
func (me *Index) PieceBounds(piece int) (start, length int64) {
	start = int64(piece) * me.pieceLength
	length = min(me.pieceLength, me.totalLength-start)
	return
}

// PieceHash returns the expected digest for a piece. The returned slice
// aliases the pieces blob and must not be modified.
func (me *Index) PieceHash(piece int) []byte {
	return me.pieces[piece*me.digestSize : (piece+1)*me.digestSize]
}

func (me *Index) DigestSize() int { return me.digestSize }

// NewHash returns a fresh hash matching the piece digest size.
func (me *Index) NewHash() hash.Hash {
	if me.digestSize == Sha256DigestSize {
		return sha256.New()
	}
	return sha1.New()
}
