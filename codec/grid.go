package codec

import (
	"github.com/bradfitz/iter"
)

// Grid declares, per codec name, the parameter combinations tried by default
// and the extra combinations appended under brute force. Slice order is trial
// order; the engine walks codecs in registry order and params in slice order,
// so identical inputs always reach the identical first match.
type Grid struct {
	Default    map[string][]Params
	BruteForce map[string][]Params
}

// For returns the trial params for a codec, including the widened set when
// bruteForce is set.
func (me Grid) For(codecName string, bruteForce bool) (ret []Params) {
	ret = append(ret, me.Default[codecName]...)
	if bruteForce {
		ret = append(ret, me.BruteForce[codecName]...)
	}
	return
}

// Size returns the total number of trials declared for a codec.
func (me Grid) Size(codecName string, bruteForce bool) int {
	return len(me.For(codecName, bruteForce))
}

// DefaultGrid is the documented default search space: gzip levels 1-9
// (library, then external with and without -n), bzip2 levels 1-9, xz presets
// 0-9, zstd levels 1-22. Brute force widens with gzip --rsyncable and xz -e
// variants. Callers wanting a different space construct their own Grid; the
// engine never assumes these values.
func DefaultGrid() Grid {
	ret := Grid{
		Default:    make(map[string][]Params),
		BruteForce: make(map[string][]Params),
	}
	for i := range iter.N(9) {
		ret.Default["gzip"] = append(ret.Default["gzip"], Params{Level: i + 1})
	}
	for i := range iter.N(9) {
		ret.Default["gzip-cli"] = append(ret.Default["gzip-cli"],
			Params{Level: i + 1, NoName: true},
			Params{Level: i + 1})
		ret.BruteForce["gzip-cli"] = append(ret.BruteForce["gzip-cli"],
			Params{Level: i + 1, NoName: true, Rsyncable: true},
			Params{Level: i + 1, Rsyncable: true})
	}
	for i := range iter.N(9) {
		ret.Default["bzip2"] = append(ret.Default["bzip2"], Params{Level: i + 1})
	}
	for i := range iter.N(10) {
		ret.Default["xz"] = append(ret.Default["xz"], Params{Level: i})
		ret.BruteForce["xz"] = append(ret.BruteForce["xz"], Params{Level: i, Extreme: true})
	}
	for i := range iter.N(22) {
		ret.Default["zstd"] = append(ret.Default["zstd"], Params{Level: i + 1})
	}
	return ret
}
