package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/klauspost/compress/gzip"
)

const (
	gzipFlagText    = 1 << 0
	gzipFlagHdrCrc  = 1 << 1
	gzipFlagExtra   = 1 << 2
	gzipFlagName    = 1 << 3
	gzipFlagComment = 1 << 4

	gzipTrailerSize = 8
)

var gzipMagic = []byte{0x1f, 0x8b}

// GzipHeader is the member header of a gzip stream, RFC 1952. Only the
// deflate method (8) is represented.
type GzipHeader struct {
	MTime   uint32
	XFL     byte
	OS      byte
	Flags   byte
	Extra   []byte
	Name    []byte
	Comment []byte
}

// ParseGzipHeader decodes a gzip member header from the start of data.
// Returns none for anything that isn't a deflate gzip stream or is truncated
// mid-header.
func ParseGzipHeader(data []byte) (ret g.Option[GzipHeader]) {
	if len(data) < 10 || !bytes.HasPrefix(data, gzipMagic) || data[2] != 8 {
		return
	}
	hdr := GzipHeader{
		Flags: data[3],
		MTime: binary.LittleEndian.Uint32(data[4:8]),
		XFL:   data[8],
		OS:    data[9],
	}
	pos := 10
	if hdr.Flags&gzipFlagExtra != 0 {
		if len(data) < pos+2 {
			return
		}
		xlen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if len(data) < pos+xlen {
			return
		}
		hdr.Extra = data[pos : pos+xlen]
		pos += xlen
	}
	for _, field := range []struct {
		flag byte
		dst  *[]byte
	}{
		{gzipFlagName, &hdr.Name},
		{gzipFlagComment, &hdr.Comment},
	} {
		if hdr.Flags&field.flag == 0 {
			continue
		}
		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 {
			return
		}
		*field.dst = data[pos : pos+end]
		pos += end + 1
	}
	// FHCRC contents are not retained.
	ret.Set(hdr)
	return
}

func (me GzipHeader) String() string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "mtime: %v\n", me.MTime)
	fmt.Fprintf(&sb, "OS: %v\n", me.OS)
	fmt.Fprintf(&sb, "flags: %08b", me.Flags)
	for _, f := range []struct {
		bit  byte
		name string
	}{
		{gzipFlagText, "FTEXT"},
		{gzipFlagHdrCrc, "FHCRC"},
		{gzipFlagExtra, "FEXTRA"},
		{gzipFlagName, "FNAME"},
		{gzipFlagComment, "FCOMMENT"},
	} {
		if me.Flags&f.bit != 0 {
			fmt.Fprintf(&sb, " %v", f.name)
		}
	}
	if me.Extra != nil {
		fmt.Fprintf(&sb, "\nextra: %v bytes", len(me.Extra))
	}
	if me.Name != nil {
		fmt.Fprintf(&sb, "\nname: %q", me.Name)
	}
	if me.Comment != nil {
		fmt.Fprintf(&sb, "\ncomment: %q", me.Comment)
	}
	return sb.String()
}

// headerLen returns the encoded length of the member header at the start of
// data, or -1 if it can't be determined.
func gzipHeaderLen(data []byte) int {
	opt := ParseGzipHeader(data)
	if !opt.Ok {
		return -1
	}
	hdr := opt.Value
	n := 10
	if hdr.Flags&gzipFlagExtra != 0 {
		n += 2 + len(hdr.Extra)
	}
	if hdr.Flags&gzipFlagName != 0 {
		n += len(hdr.Name) + 1
	}
	if hdr.Flags&gzipFlagComment != 0 {
		n += len(hdr.Comment) + 1
	}
	if hdr.Flags&gzipFlagHdrCrc != 0 {
		n += 2
	}
	if n > len(data) {
		return -1
	}
	return n
}

// PatchGzipHeader replaces the member header of a freshly compressed stream
// with one carrying hdr's fields, so a trial can reproduce the exact header
// bytes observed in a partial candidate. The deflate payload and trailer are
// untouched. Data is returned unchanged if its header can't be parsed.
func PatchGzipHeader(data []byte, hdr GzipHeader) []byte {
	oldLen := gzipHeaderLen(data)
	if oldLen < 0 {
		return data
	}
	// FHCRC would need recomputation over the synthesized header; the flag is
	// dropped rather than emitting a wrong checksum.
	flags := hdr.Flags &^ gzipFlagHdrCrc
	var out bytes.Buffer
	out.Write(gzipMagic)
	out.WriteByte(8)
	out.WriteByte(flags)
	binary.Write(&out, binary.LittleEndian, hdr.MTime)
	out.WriteByte(hdr.XFL)
	out.WriteByte(hdr.OS)
	if flags&gzipFlagExtra != 0 {
		binary.Write(&out, binary.LittleEndian, uint16(len(hdr.Extra)))
		out.Write(hdr.Extra)
	}
	if flags&gzipFlagName != 0 {
		out.Write(hdr.Name)
		out.WriteByte(0)
	}
	if flags&gzipFlagComment != 0 {
		out.Write(hdr.Comment)
		out.WriteByte(0)
	}
	out.Write(data[oldLen:])
	return out.Bytes()
}

// GzipTrailer is the fixed 8-byte member trailer: CRC-32 of the raw data and
// its length mod 2^32.
type GzipTrailer struct {
	CRC32 uint32
	ISize uint32
}

func ReadGzipTrailer(archive io.ReaderAt, archiveSize int64) (ret g.Option[GzipTrailer], err error) {
	if archiveSize < gzipTrailerSize {
		return
	}
	var b [gzipTrailerSize]byte
	if _, err = archive.ReadAt(b[:], archiveSize-gzipTrailerSize); err != nil {
		return
	}
	ret.Set(GzipTrailer{
		CRC32: binary.LittleEndian.Uint32(b[:4]),
		ISize: binary.LittleEndian.Uint32(b[4:]),
	})
	return
}

// gzipCodec compresses with the pure-Go deflate implementation. Always
// available. Header fields beyond defaults are applied by the engine through
// PatchGzipHeader.
type gzipCodec struct{}

func NewGzip() Codec { return gzipCodec{} }

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) Available() error { return nil }

func (gzipCodec) Compress(_ context.Context, raw []byte, p Params) ([]byte, error) {
	if p.Rsyncable {
		return nil, fmt.Errorf("rsyncable requires external gzip")
	}
	if p.Level < gzip.BestSpeed || p.Level > gzip.BestCompression {
		return nil, fmt.Errorf("gzip level %v out of range", p.Level)
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, p.Level)
	if err != nil {
		return nil, err
	}
	// gzip -n output: zero mtime, no name. OS byte 255 matches gzip
	// --no-name output from modern gzip builds and the Go encoder default.
	// The writer serializes uint32(ModTime.Unix()) as-is, so the epoch is the
	// value that encodes as zero; the zero time.Time would not.
	w.ModTime = time.Unix(0, 0)
	if _, err = w.Write(raw); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (me gzipCodec) RawSize(archive io.ReaderAt, archiveSize int64) (ret g.Option[int64], err error) {
	tr, err := ReadGzipTrailer(archive, archiveSize)
	if err != nil || !tr.Ok {
		return
	}
	ret.Set(int64(tr.Value.ISize))
	return
}

// VerifyRaw streams the raw candidate through CRC-32 and compares against the
// archive trailer. Never loads the raw bytes whole.
func (me gzipCodec) VerifyRaw(raw io.Reader, archive io.ReaderAt, archiveSize int64) (bool, error) {
	tr, err := ReadGzipTrailer(archive, archiveSize)
	if err != nil {
		return false, err
	}
	if !tr.Ok {
		return false, nil
	}
	crc := crc32.NewIEEE()
	n, err := io.Copy(crc, raw)
	if err != nil {
		return false, err
	}
	return crc.Sum32() == tr.Value.CRC32 && uint32(n) == tr.Value.ISize, nil
}

var (
	_ RawSizer    = gzipCodec{}
	_ RawVerifier = gzipCodec{}
)
