package main

import (
	"fmt"
	"log"
	"os"

	"github.com/anacrolix/tagflag"

	"github.com/anacrolix/seedrecover/codec"
)

func main() {
	log.SetFlags(log.Flags() | log.Lshortfile)
	var args struct {
		Trailer bool `help:"also print the gzip trailer fields"`
		tagflag.StartPos
		Files []string `arity:"+"`
	}
	tagflag.Parse(&args, tagflag.Description("Prints the compression header details of each FILE."))
	code := 0
	for _, path := range args.Files {
		if err := printHeader(path, args.Trailer); err != nil {
			log.Printf("%v: %v", path, err)
			code = 1
		}
	}
	os.Exit(code)
}

func printHeader(path string, trailer bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 64<<10)
	n, _ := f.Read(buf)
	summary, ok := codec.FormatHeader(buf[:n])
	if !ok {
		return fmt.Errorf("unrecognized header")
	}
	fmt.Printf("%v: %v\n", path, summary)
	if !trailer {
		return nil
	}
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	tr, err := codec.ReadGzipTrailer(f, fi.Size())
	if err != nil {
		return err
	}
	if tr.Ok {
		fmt.Printf("crc32: %08x\nisize: %v\n", tr.Value.CRC32, tr.Value.ISize)
	}
	return nil
}
