package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	g "github.com/anacrolix/generics"
	"github.com/klauspost/compress/zstd"
)

// ZstdHeader summarizes the first frame header.
type ZstdHeader struct {
	WindowSize       uint64
	HasChecksum      bool
	FrameContentSize g.Option[uint64]
}

func (me ZstdHeader) String() string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "window size: %v", me.WindowSize)
	fmt.Fprintf(&sb, "\nchecksum: %v", me.HasChecksum)
	if me.FrameContentSize.Ok {
		fmt.Fprintf(&sb, "\ncontent size: %v", me.FrameContentSize.Value)
	}
	return sb.String()
}

func ParseZstdHeader(data []byte) (ret g.Option[ZstdHeader]) {
	var h zstd.Header
	if err := h.Decode(data); err != nil {
		return
	}
	hdr := ZstdHeader{
		WindowSize:  h.WindowSize,
		HasChecksum: h.HasCheckSum,
	}
	if h.HasFCS {
		hdr.FrameContentSize.Set(h.FrameContentSize)
	}
	ret.Set(hdr)
	return
}

type zstdCodec struct{}

func NewZstd() Codec { return zstdCodec{} }

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) Available() error { return nil }

func (zstdCodec) Compress(_ context.Context, raw []byte, p Params) ([]byte, error) {
	if p.Level < 1 || p.Level > 22 {
		return nil, fmt.Errorf("zstd level %v out of range", p.Level)
	}
	// zstd writes the frame checksum and content size by default, matching
	// the reference CLI.
	w, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(p.Level)),
		zstd.WithEncoderCRC(true))
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(raw, nil), nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (me zstdCodec) RawSize(archive io.ReaderAt, archiveSize int64) (ret g.Option[int64], err error) {
	var b [18]byte // maximal frame header
	n, err := archive.ReadAt(b[:], 0)
	if err != nil && err != io.EOF {
		return
	}
	err = nil
	hdr := ParseZstdHeader(b[:n])
	if hdr.Ok && hdr.Value.FrameContentSize.Ok {
		ret.Set(int64(hdr.Value.FrameContentSize.Value))
	}
	return
}

func (me zstdCodec) VerifyRaw(raw io.Reader, archive io.ReaderAt, archiveSize int64) (bool, error) {
	dec, err := me.NewReader(io.NewSectionReader(archive, 0, archiveSize))
	if err != nil {
		return false, nil
	}
	defer dec.Close()
	return readersEqual(raw, dec)
}

var (
	_ RawSizer    = zstdCodec{}
	_ RawVerifier = zstdCodec{}
)
