// Recovers compressed files referenced by a .torrent from surviving raw
// and/or partially downloaded content, so the seed data matches the
// torrent's piece hashes exactly.
//
// Example run:
// $ seedrecover recover backup.torrent ./raw ./partial ./restored --raw-fallback
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/seedrecover"
	"github.com/anacrolix/seedrecover/codec"
	"github.com/anacrolix/seedrecover/index"
	"github.com/anacrolix/seedrecover/resolve"
)

var flags struct {
	Debug bool

	*RecoverCmd    `arg:"subcommand:recover"`
	*VerifyCmd     `arg:"subcommand:verify"`
	*HeaderInfoCmd `arg:"subcommand:header-info"`
	*MetainfoCmd   `arg:"subcommand:metainfo"`
}

type RecoverCmd struct {
	RawFallback   bool   `help:"recompress raw candidates when no compressed candidate verifies"`
	BruteForce    bool   `help:"widen the parameter grid beyond the defaults"`
	AttemptBudget int    `help:"cap trials per file and raw candidate under brute force"`
	Overwrite     bool   `help:"overwrite existing output files"`
	DryRun        bool   `help:"classify every file but write nothing"`
	File          string `help:"process only the entry with this basename"`
	Jobs          int    `help:"concurrent files and trials (default GOMAXPROCS)"`

	Torrent    string  `arg:"positional,required" help:"torrent file path"`
	RawDir     string  `arg:"positional,required" help:"root of decompressed raw candidates"`
	PartialDir string  `arg:"positional,required" help:"root of partially downloaded compressed candidates"`
	TargetDir  *string `arg:"positional" help:"output root; omitted means in-place over partial candidates"`
}

type VerifyCmd struct {
	Torrent    string `arg:"positional,required"`
	RawDir     string `arg:"positional,required"`
	PartialDir string `arg:"positional,required"`
	File       string `help:"check only the entry with this basename"`
}

type HeaderInfoCmd struct {
	PartialDir string `arg:"positional,required"`
}

type MetainfoCmd struct {
	Torrent string `arg:"positional,required"`
}

func main() {
	defer envpprof.Stop()
	code, err := mainErr()
	if err != nil {
		log.Printf("error in main: %v", err)
	}
	os.Exit(code)
}

func mainErr() (int, error) {
	p := arg.MustParse(&flags)
	logger := log.Default
	if !flags.Debug {
		logger = logger.FilterLevel(log.Info)
	}
	switch {
	case flags.RecoverCmd != nil:
		return recoverCmd(logger)
	case flags.VerifyCmd != nil:
		return verifyCmd(logger)
	case flags.HeaderInfoCmd != nil:
		return headerInfoCmd()
	case flags.MetainfoCmd != nil:
		return metainfoCmd()
	default:
		p.Fail("missing subcommand")
		return 1, nil
	}
}

// loadIndex decodes the torrent and hands the core already-decoded metadata.
func loadIndex(torrentPath string) (*index.Index, error) {
	mi, err := metainfo.LoadFromFile(torrentPath)
	if err != nil {
		return nil, fmt.Errorf("loading %v: %w", torrentPath, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	var files []index.FileSpec
	for _, fi := range info.UpvertedFiles() {
		p := fi.BestPath()
		if len(p) == 0 {
			p = []string{info.BestName()}
		}
		files = append(files, index.FileSpec{
			Path:   p,
			Length: fi.Length,
			Attr:   fi.Attr,
			Sha1:   []byte(fi.Sha1),
		})
	}
	return index.New(info.BestName(), files, info.PieceLength, info.Pieces, index.Sha1DigestSize)
}

func recoverCmd(logger log.Logger) (int, error) {
	cmd := flags.RecoverCmd
	idx, err := loadIndex(cmd.Torrent)
	if err != nil {
		return 1, err
	}
	resolver, err := resolve.NewResolver(cmd.RawDir, cmd.PartialDir)
	if err != nil {
		return 1, err
	}
	cfg := seedrecover.Config{
		Index:         idx,
		Resolver:      resolver,
		RawFallback:   cmd.RawFallback,
		BruteForce:    cmd.BruteForce,
		AttemptBudget: cmd.AttemptBudget,
		DryRun:        cmd.DryRun,
		Overwrite:     cmd.Overwrite,
		PartialRoot:   cmd.PartialDir,
		FileFilter:    cmd.File,
		Parallelism:   cmd.Jobs,
		Logger:        &logger,
	}
	if cmd.TargetDir != nil {
		cfg.TargetRoot = *cmd.TargetDir
	}
	engine, err := seedrecover.New(cfg)
	if err != nil {
		return 1, err
	}
	report, err := engine.Run(context.Background())
	if err != nil {
		return 1, err
	}
	var resolvedBytes uint64
	for _, o := range report.Outcomes() {
		fmt.Println(o)
		resolvedBytes += uint64(o.ResolvedLength)
	}
	counts := report.Counts()
	fmt.Printf("torrent: %v\n", idx.Name())
	fmt.Printf("verified: %v\nrecovered: %v\nunresolved: %v\nskipped: %v\nerrors: %v\n",
		counts[seedrecover.StatusVerified],
		counts[seedrecover.StatusRecovered],
		counts[seedrecover.StatusUnresolved],
		counts[seedrecover.StatusSkipped],
		counts[seedrecover.StatusError])
	fmt.Printf("resolved: %v\n", humanize.Bytes(resolvedBytes))
	if cmd.DryRun {
		fmt.Println("dry run: nothing written")
	}
	if !report.Ok() {
		return 2, nil
	}
	return 0, nil
}

func verifyCmd(logger log.Logger) (int, error) {
	cmd := flags.VerifyCmd
	idx, err := loadIndex(cmd.Torrent)
	if err != nil {
		return 1, err
	}
	resolver, err := resolve.NewResolver(cmd.RawDir, cmd.PartialDir)
	if err != nil {
		return 1, err
	}
	engine, err := seedrecover.New(seedrecover.Config{
		Index:      idx,
		Resolver:   resolver,
		FileFilter: cmd.File,
		Logger:     &logger,
	})
	if err != nil {
		return 1, err
	}
	results, err := engine.Preflight(context.Background())
	if err != nil {
		return 1, err
	}
	anyBad := false
	for _, r := range results {
		status := "SKIP"
		if r.Checked {
			status = "OK"
			if !r.OK {
				status = "FAIL"
				anyBad = true
			}
		}
		fmt.Printf("%v: %v (%v)\n", r.Path, status, r.Detail)
	}
	if anyBad {
		return 1, nil
	}
	return 0, nil
}

func headerInfoCmd() (int, error) {
	cmd := flags.HeaderInfoCmd
	err := filepath.WalkDir(cmd.PartialDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		buf := make([]byte, 64<<10)
		n, _ := f.Read(buf)
		f.Close()
		if s, ok := codec.FormatHeader(buf[:n]); ok {
			rel, _ := filepath.Rel(cmd.PartialDir, path)
			fmt.Printf("--- %v ---\n%v\n\n", rel, s)
		}
		return nil
	})
	if err != nil {
		return 1, err
	}
	return 0, nil
}

func metainfoCmd() (int, error) {
	mi, err := metainfo.LoadFromFile(flags.MetainfoCmd.Torrent)
	if err != nil {
		return 1, err
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return 1, err
	}
	spew.Dump(info)
	return 0, nil
}
