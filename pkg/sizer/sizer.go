// Package sizer picks the trade input amount that maximizes net profit for
// a candidate arbitrage path, via golden-section search on a doubled
// bracket.
package sizer

import "math"

// invphi is 1/phi, used by the golden-section search to place interior
// probe points without re-evaluating the function at both ends each step.
var invphi = (math.Sqrt(5) - 1) / 2

const maxIterations = 12
const precisionFraction = 0.001 // 0.1% of bracket width

// NetFunc computes net(x) = out(x) - x - gas(x) for a candidate input x, in
// the path's input token units. It may return an error (e.g. PoolExhausted)
// if x saturates a hop.
type NetFunc func(x float64) (net float64, err error)

// Result reports the chosen input and the search's outcome.
type Result struct {
	X          float64
	Net        float64
	Iterations int
	Clamped    bool // true if bracketing failed and the result was clamped to xMax
}

// Size finds x* in [xMin, xMax] maximizing net, established by doubling the
// bracket from xMin until net turns non-positive (or xMax is hit), then
// refining with golden-section search. Ties prefer the smaller x.
func Size(xMin, xMax float64, net NetFunc) (Result, error) {
	if xMax <= xMin {
		return Result{}, errInvalidBounds
	}

	hi, clamped, err := bracket(xMin, xMax, net)
	if err != nil {
		return Result{}, err
	}

	return goldenSection(xMin, hi, clamped, net)
}

var errInvalidBounds = boundsError{}

type boundsError struct{}

func (boundsError) Error() string { return "sizer: xMax must be greater than xMin" }

// bracket doubles from xMin until net(x) turns non-positive or xMax is
// reached. Returns the upper bracket bound and whether clamping occurred
// (net never turned non-positive within xMax).
func bracket(xMin, xMax float64, net NetFunc) (float64, bool, error) {
	x := xMin
	step := xMin
	if step <= 0 {
		step = 1
	}

	for {
		x += step
		if x >= xMax {
			// The doubling overshot: probe xMax itself, and clamp only if net
			// is still positive there.
			val, err := net(xMax)
			if err != nil || val <= 0 {
				return xMax, false, nil
			}
			return xMax, true, nil
		}

		val, err := net(x)
		if err != nil {
			// A saturating hop at this probe just bounds the bracket here;
			// the search still proceeds over [xMin, x).
			return x, false, nil
		}
		if val <= 0 {
			return x, false, nil
		}
		step *= 2
	}
}

// goldenSection narrows [lo, hi] to locate the maximizer of net, stopping
// after maxIterations or once the bracket shrinks below precisionFraction
// of its initial width.
func goldenSection(lo, hi float64, clamped bool, net NetFunc) (Result, error) {
	if clamped {
		val, err := net(hi)
		if err != nil {
			return Result{}, err
		}
		return Result{X: hi, Net: val, Clamped: true}, nil
	}

	width := hi - lo
	minWidth := width * precisionFraction

	a, b := lo, hi
	c := b - invphi*(b-a)
	d := a + invphi*(b-a)

	fc, err := safeNet(net, c)
	if err != nil {
		return Result{}, err
	}
	fd, err := safeNet(net, d)
	if err != nil {
		return Result{}, err
	}

	iterations := 0
	for iterations < maxIterations && (b-a) > minWidth {
		if fc >= fd {
			b = d
			d = c
			fd = fc
			c = b - invphi*(b-a)
			fc, err = safeNet(net, c)
			if err != nil {
				return Result{}, err
			}
		} else {
			a = c
			c = d
			fc = fd
			d = a + invphi*(b-a)
			fd, err = safeNet(net, d)
			if err != nil {
				return Result{}, err
			}
		}
		iterations++
	}

	// Tie-break toward the smaller x at equal net.
	x, val := c, fc
	if fd > fc {
		x, val = d, fd
	}

	return Result{X: x, Net: val, Iterations: iterations}, nil
}

// safeNet treats a saturating probe as a sentinel low value rather than
// aborting the whole search: the golden-section steps simply steer away
// from that side of the bracket.
func safeNet(net NetFunc, x float64) (float64, error) {
	val, err := net(x)
	if err != nil {
		return math.Inf(-1), nil
	}
	return val, nil
}
