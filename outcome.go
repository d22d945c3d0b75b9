package seedrecover

import (
	"fmt"
	"sort"
	"sync"

	g "github.com/anacrolix/generics"

	"github.com/anacrolix/seedrecover/codec"
)

type Status string

const (
	// A full-length partial candidate's bytes matched the piece hashes.
	StatusVerified Status = "verified"
	// A codec/parameter trial over a raw candidate reproduced the bytes.
	StatusRecovered Status = "recovered"
	// Candidates and parameter space exhausted with no match, or no
	// candidate at all.
	StatusUnresolved Status = "unresolved"
	// Not attempted: padding file, unrecognized extension, or destination
	// exists without overwrite. Not counted against the run's success.
	StatusSkipped Status = "skipped"
	// A condition that invalidates a provisional result, such as a shared
	// boundary piece failing its hash after both neighbors resolved.
	StatusError Status = "error"
)

// Outcome is the report entry for one torrent file.
type Outcome struct {
	File int
	Path string

	Status         Status
	ResolvedLength int64
	// Set when Status is StatusRecovered.
	Codec  string
	Params codec.Params
	// First mismatching piece index, when verification failed.
	FailingPiece g.Option[int]
	Diagnostic   string
	// Every codec/parameter combination tried, in trial order. Populated for
	// StatusUnresolved so the exhausted space is auditable.
	Attempts []string
}

func (me Outcome) String() string {
	s := fmt.Sprintf("%v: %v", me.Path, me.Status)
	if me.Status == StatusRecovered {
		s += fmt.Sprintf(" (%v %v)", me.Codec, me.Params)
	}
	if me.FailingPiece.Ok {
		s += fmt.Sprintf(" (piece %v)", me.FailingPiece.Value)
	}
	if me.Diagnostic != "" {
		s += ": " + me.Diagnostic
	}
	return s
}

// Report accumulates outcomes, one per requested file. Append-only; safe for
// concurrent use by the file workers.
type Report struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (me *Report) add(o Outcome) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.outcomes = append(me.outcomes, o)
}

// Outcomes returns the accumulated outcomes in torrent file order.
func (me *Report) Outcomes() []Outcome {
	me.mu.Lock()
	defer me.mu.Unlock()
	ret := append([]Outcome(nil), me.outcomes...)
	sort.Slice(ret, func(i, j int) bool { return ret[i].File < ret[j].File })
	return ret
}

// Ok reports whether every non-skipped outcome reached verified or recovered.
func (me *Report) Ok() bool {
	for _, o := range me.Outcomes() {
		switch o.Status {
		case StatusVerified, StatusRecovered, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// Counts returns per-status outcome totals.
func (me *Report) Counts() map[Status]int {
	ret := make(map[Status]int)
	for _, o := range me.Outcomes() {
		ret[o.Status]++
	}
	return ret
}
