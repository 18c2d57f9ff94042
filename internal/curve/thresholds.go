package curve

import "sync"

// maxCachedCurves bounds how many distinct survival curves are memoized.
const maxCachedCurves = 64

// thresholdKey is everything threshold depends on.
type thresholdKey struct {
	base, min uint32
	decay     string
}

// thresholdTable holds the thresholds of one curve. ppm[i] is depth i+1;
// once flat is set every deeper depth sits on the floor.
type thresholdTable struct {
	mu   sync.Mutex
	ppm  []uint32
	flat bool
}

var (
	tablesMu sync.Mutex
	tables   = make(map[thresholdKey]*thresholdTable)
)

// thresholdsFor returns the shared table for p, or nil once the cache is full.
func thresholdsFor(p Params) *thresholdTable {
	k := thresholdKey{base: p.BaseSurvivalPPM, min: p.MinSurvivalPPM, decay: p.Decay.String()}
	tablesMu.Lock()
	defer tablesMu.Unlock()
	if t, ok := tables[k]; ok {
		return t
	}
	if len(tables) >= maxCachedCurves {
		return nil
	}
	t := &thresholdTable{}
	tables[k] = t
	return t
}

// at extends the table up to depth and reads it.
func (t *thresholdTable) at(depth int, p Params) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.flat && len(t.ppm) < depth {
		v := threshold(len(t.ppm)+1, p)
		t.ppm = append(t.ppm, v)
		t.flat = v == p.MinSurvivalPPM && !p.Decay.IsNegative()
	}
	if depth <= len(t.ppm) {
		return t.ppm[depth-1]
	}
	return p.MinSurvivalPPM
}
