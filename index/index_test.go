package index

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specs(lengths ...int64) (ret []FileSpec) {
	for i, l := range lengths {
		ret = append(ret, FileSpec{Path: []string{"f" + string(rune('a'+i))}, Length: l})
	}
	return
}

func blankPieces(n int) []byte {
	return make([]byte, n*Sha1DigestSize)
}

func TestNewValidation(t *testing.T) {
	for _, _case := range []struct {
		name        string
		pieceLength int64
		files       []FileSpec
		numPieces   int
		ok          bool
	}{
		{"empty torrent", 5, nil, 0, true},
		{"single aligned", 5, specs(10), 2, true},
		{"single short last", 5, specs(11), 3, true},
		{"multi", 5, specs(1, 12), 3, true},
		{"multi zero length", 5, specs(4, 0, 12), 4, true},
		{"zero piece length", 0, specs(4), 1, false},
		{"too few pieces", 5, specs(11), 2, false},
		{"too many pieces", 5, specs(11), 4, false},
	} {
		t.Run(_case.name, func(t *testing.T) {
			idx, err := New("t", _case.files, _case.pieceLength, blankPieces(_case.numPieces), Sha1DigestSize)
			if !_case.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, _case.numPieces, idx.NumPieces())
		})
	}
}

func TestOffsetsContiguous(t *testing.T) {
	idx, err := New("t", specs(4, 0, 12, 7), 5, blankPieces(5), Sha1DigestSize)
	require.NoError(t, err)
	var offset int64
	for fi := range idx.NumFiles() {
		f := idx.File(fi)
		assert.EqualValues(t, offset, f.Offset)
		offset += f.Length
	}
	assert.EqualValues(t, 23, idx.TotalLength())
}

func TestPieceBounds(t *testing.T) {
	idx, err := New("t", specs(23), 5, blankPieces(5), Sha1DigestSize)
	require.NoError(t, err)
	start, length := idx.PieceBounds(0)
	assert.EqualValues(t, 0, start)
	assert.EqualValues(t, 5, length)
	start, length = idx.PieceBounds(4)
	assert.EqualValues(t, 20, start)
	assert.EqualValues(t, 3, length)
}

func TestPieceHashAliases(t *testing.T) {
	pieces := blankPieces(2)
	copy(pieces[sha1.Size:], []byte("0123456789abcdefghij"))
	idx, err := New("t", specs(10), 5, pieces, Sha1DigestSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdefghij"), idx.PieceHash(1))
}

func TestBadDigestSize(t *testing.T) {
	_, err := New("t", specs(10), 5, blankPieces(2), 19)
	assert.Error(t, err)
}

func TestBadFileSha1(t *testing.T) {
	files := specs(10)
	files[0].Sha1 = []byte("too short")
	_, err := New("t", files, 5, blankPieces(2), Sha1DigestSize)
	assert.Error(t, err)
}

func TestPadding(t *testing.T) {
	f := FileEntry{FileSpec: FileSpec{Path: []string{".pad", "11"}, Attr: "p"}}
	assert.True(t, f.Padding())
	assert.Equal(t, "11", f.BasePath())
	f.Attr = ""
	assert.False(t, f.Padding())
}
