package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// gzipCliCodec shells out to the system gzip binary. It exists for parameter
// combinations only the real tool produces (--rsyncable, its exact header
// and deflate split behaviour). The one codec here that can genuinely be
// unavailable.
type gzipCliCodec struct {
	binary string

	lookOnce sync.Once
	lookErr  error
}

func NewGzipCli() Codec { return &gzipCliCodec{binary: "gzip"} }

func (me *gzipCliCodec) Name() string { return "gzip-cli" }

func (me *gzipCliCodec) Extension() string { return ".gz" }

func (me *gzipCliCodec) Available() error {
	me.lookOnce.Do(func() {
		_, me.lookErr = exec.LookPath(me.binary)
	})
	return me.lookErr
}

func (me *gzipCliCodec) Compress(ctx context.Context, raw []byte, p Params) ([]byte, error) {
	if err := me.Available(); err != nil {
		return nil, err
	}
	args := []string{fmt.Sprintf("-%d", p.Level)}
	if p.NoName {
		args = append(args, "-n")
	}
	if p.Rsyncable {
		args = append(args, "--rsyncable")
	}
	args = append(args, "-c")
	cmd := exec.CommandContext(ctx, me.binary, args...)
	cmd.Stdin = bytes.NewReader(raw)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%v %v: %w (%s)", me.binary, args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out.Bytes(), nil
}

func (me *gzipCliCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}
