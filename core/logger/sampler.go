package logger

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// ratio is a sampling window: keep of every every events.
type ratio struct {
	keep  uint64
	every uint64
}

// debugGate passes a fixed share of debug events. A zero window lets
// everything through.
type debugGate struct {
	window atomic.Pointer[ratio]
	seen   atomic.Uint64
}

func newDebugGate(keep, every int) *debugGate {
	g := &debugGate{}
	g.Set(keep, every)
	return g
}

// Set swaps the window and restarts counting.
func (g *debugGate) Set(keep, every int) {
	r := &ratio{}
	if keep > 0 && every > 0 {
		r.keep = uint64(min(keep, every))
		r.every = uint64(every)
	}
	g.window.Store(r)
	g.seen.Store(0)
}

// Allow reports whether the next event is kept.
func (g *debugGate) Allow() bool {
	r := g.window.Load()
	if r == nil || r.every == 0 {
		return true
	}
	n := g.seen.Add(1) - 1
	return n%r.every < r.keep
}

// parseRatioSpec reads "keep/every" or a bare "every" meaning 1/every.
// Anything unparsable disables sampling.
func parseRatioSpec(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0
	}
	left, right, hasSlash := strings.Cut(spec, "/")
	if !hasSlash {
		left, right = "1", spec
	}
	keep, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil || keep <= 0 {
		return 0, 0
	}
	every, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil || every <= 0 {
		return 0, 0
	}
	return keep, every
}
