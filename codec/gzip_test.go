package codec

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGzipHeaderPlain(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	hdr := ParseGzipHeader(compressed)
	require.True(t, hdr.Ok)
	assert.EqualValues(t, 0, hdr.Value.MTime)
	assert.Nil(t, hdr.Value.Name)
	assert.Nil(t, hdr.Value.Comment)
}

func TestParseGzipHeaderRejects(t *testing.T) {
	assert.False(t, ParseGzipHeader(nil).Ok)
	assert.False(t, ParseGzipHeader([]byte("BZh91AY")).Ok)
	// Right magic, wrong method.
	assert.False(t, ParseGzipHeader([]byte{0x1f, 0x8b, 7, 0, 0, 0, 0, 0, 0, 3}).Ok)
	// Truncated mid-name.
	bad := []byte{0x1f, 0x8b, 8, gzipFlagName, 0, 0, 0, 0, 0, 3, 'a', 'b'}
	assert.False(t, ParseGzipHeader(bad).Ok)
}

func TestParseGzipHeaderFields(t *testing.T) {
	data := []byte{0x1f, 0x8b, 8, gzipFlagName | gzipFlagComment, 0x78, 0x56, 0x34, 0x12, 2, 3}
	data = append(data, "data.tar\x00"...)
	data = append(data, "hello\x00"...)
	data = append(data, "deflate payload"...)
	hdr := ParseGzipHeader(data)
	require.True(t, hdr.Ok)
	assert.EqualValues(t, 0x12345678, hdr.Value.MTime)
	assert.EqualValues(t, 3, hdr.Value.OS)
	assert.Equal(t, []byte("data.tar"), hdr.Value.Name)
	assert.Equal(t, []byte("hello"), hdr.Value.Comment)
	s := hdr.Value.String()
	assert.Contains(t, s, "FNAME")
	assert.Contains(t, s, `"data.tar"`)
}

func TestPatchGzipHeaderRoundTrip(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	want := GzipHeader{
		MTime: 1234567890,
		OS:    3,
		Flags: gzipFlagName,
		Name:  []byte("fox.txt"),
	}
	patched := PatchGzipHeader(compressed, want)
	got := ParseGzipHeader(patched)
	require.True(t, got.Ok)
	assert.Equal(t, want, got.Value)
	// The payload still decompresses to the same bytes.
	r, err := NewGzip().NewReader(bytes.NewReader(patched))
	require.NoError(t, err)
	back, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, testRaw, back)
}

func TestPatchGzipHeaderStripsFields(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	orig := ParseGzipHeader(compressed)
	require.True(t, orig.Ok)
	named := PatchGzipHeader(compressed, GzipHeader{Flags: gzipFlagName, Name: []byte("x")})
	require.NotEqual(t, compressed, named)
	restored := PatchGzipHeader(named, orig.Value)
	assert.Equal(t, compressed, restored)
}

func TestReadGzipTrailer(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	tr, err := ReadGzipTrailer(bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	require.True(t, tr.Ok)
	assert.Equal(t, crc32.ChecksumIEEE(testRaw), tr.Value.CRC32)
	assert.EqualValues(t, len(testRaw), tr.Value.ISize)

	// Too short to carry a trailer.
	tr, err = ReadGzipTrailer(bytes.NewReader(compressed[:4]), 4)
	require.NoError(t, err)
	assert.False(t, tr.Ok)
}

func TestGzipRawSize(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	sz, err := NewGzip().(RawSizer).RawSize(bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	require.True(t, sz.Ok)
	assert.EqualValues(t, len(testRaw), sz.Value)
}

func TestGzipVerifyRaw(t *testing.T) {
	compressed, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6})
	require.NoError(t, err)
	v := NewGzip().(RawVerifier)
	ok, err := v.VerifyRaw(bytes.NewReader(testRaw), bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := append([]byte("x"), testRaw...)
	ok, err = v.VerifyRaw(bytes.NewReader(tampered), bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGzipRejectsRsyncable(t *testing.T) {
	_, err := NewGzip().Compress(context.Background(), testRaw, Params{Level: 6, Rsyncable: true})
	assert.Error(t, err)
}
