package seedrecover

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/anacrolix/seedrecover/index"
)

// boundaryTracker defers validation of pieces straddling file boundaries
// until every contributing file has a byte-complete source. It is the
// dependency graph from files to the shared pieces they touch: each shared
// piece holds a pending count of unresolved contributors, and a file
// resolving decrements its pieces' counts. A count reaching zero releases the
// piece for validation as one concatenated unit.
type boundaryTracker struct {
	pm *index.PieceMap

	mu      sync.Mutex
	pending map[int]int      // shared piece -> unresolved contributor count
	sources map[int]source   // file -> resolved byte source
	valid   *roaring.Bitmap  // shared pieces that hashed correctly
	invalid *roaring.Bitmap  // shared pieces that did not
	blocked map[int]struct{} // shared pieces with a contributor that will never resolve
}

func newBoundaryTracker(pm *index.PieceMap) *boundaryTracker {
	ret := &boundaryTracker{
		pm:      pm,
		pending: make(map[int]int),
		sources: make(map[int]source),
		valid:   roaring.New(),
		invalid: roaring.New(),
		blocked: make(map[int]struct{}),
	}
	for piece := 0; piece < pm.Index().NumPieces(); piece++ {
		if pm.Shared(piece) {
			ret.pending[piece] = len(pm.FilesTouching(piece))
		}
	}
	return ret
}

// fileResolved records the file's byte-complete source and returns the shared
// pieces whose every contributor is now resolved. Each piece is returned
// exactly once across all calls; the caller validates it.
func (me *boundaryTracker) fileResolved(file int, src source) (ready []int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.sources[file] = src
	for _, piece := range me.pm.SharedPieces(file) {
		me.pending[piece]--
		if me.pending[piece] == 0 {
			if _, bad := me.blocked[piece]; !bad {
				ready = append(ready, piece)
			}
		}
	}
	return
}

// fileUnresolved marks the file's shared pieces as never validatable this
// run. Neighbors keep their provisional outcomes; the pieces are reported
// unchecked.
func (me *boundaryTracker) fileUnresolved(file int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, piece := range me.pm.SharedPieces(file) {
		me.pending[piece]--
		me.blocked[piece] = struct{}{}
	}
}

func (me *boundaryTracker) sourceFor(file int) source {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.sources[file]
}

// validate hashes a released shared piece over the concatenated contributor
// spans.
func (me *boundaryTracker) validate(piece int) (bool, error) {
	ok, err := verifyPiece(me.pm.Index(), me.pm, piece, me.sourceFor)
	me.mu.Lock()
	defer me.mu.Unlock()
	if err != nil {
		me.blocked[piece] = struct{}{}
		return false, err
	}
	if ok {
		me.valid.AddInt(piece)
	} else {
		me.invalid.AddInt(piece)
	}
	return ok, nil
}

// status classifies the file's shared pieces after all files settled:
// invalid pieces (lowest first mismatch wins for diagnostics) and pieces that
// never got validated.
func (me *boundaryTracker) status(file int) (invalid, unchecked []int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, piece := range me.pm.SharedPieces(file) {
		switch {
		case me.invalid.ContainsInt(piece):
			invalid = append(invalid, piece)
		case !me.valid.ContainsInt(piece):
			unchecked = append(unchecked, piece)
		}
	}
	return
}
