package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	g "github.com/anacrolix/generics"
	"github.com/dsnet/compress/bzip2"
)

// Bzip2Header is the whole of bzip2's framing metadata: "BZh" plus the block
// size digit. No timestamps or names to patch.
type Bzip2Header struct {
	Level int
}

func (me Bzip2Header) String() string {
	return fmt.Sprintf("compression level: %v\nblock size: %v bytes", me.Level, me.Level*100000)
}

func ParseBzip2Header(data []byte) (ret g.Option[Bzip2Header]) {
	if len(data) < 4 || !bytes.HasPrefix(data, []byte("BZh")) {
		return
	}
	level := int(data[3] - '0')
	if level < 1 || level > 9 {
		return
	}
	ret.Set(Bzip2Header{Level: level})
	return
}

// bzip2Codec compresses with github.com/dsnet/compress. The standard library
// only decompresses bzip2.
type bzip2Codec struct{}

func NewBzip2() Codec { return bzip2Codec{} }

func (bzip2Codec) Name() string { return "bzip2" }

func (bzip2Codec) Extension() string { return ".bz2" }

func (bzip2Codec) Available() error { return nil }

func (bzip2Codec) Compress(_ context.Context, raw []byte, p Params) ([]byte, error) {
	if p.Level < bzip2.BestSpeed || p.Level > bzip2.BestCompression {
		return nil, fmt.Errorf("bzip2 level %v out of range", p.Level)
	}
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: p.Level})
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(raw); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (bzip2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}
