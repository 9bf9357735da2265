// Package util provides price arithmetic shared by the order-building
// paths. Option limits must land on the exchange tick grid or the broker
// rejects the order.
package util

import "math"

// OptionTick is the minimum price increment for the option combos the
// engine trades.
const OptionTick = 0.01

// RoundToTick rounds x to the nearest multiple of tick. Ties round away
// from zero. NaN, infinities, and non-positive ticks pass through.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// tickEpsilon absorbs float64 representation error so that a price already
// on the grid is not pushed a whole tick by Floor or Ceil.
const tickEpsilon = 1e-9

// FloorToTick rounds x down to a multiple of tick.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Floor(snap(x/tick)) * tick
}

// CeilToTick rounds x up to a multiple of tick.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(snap(x/tick)) * tick
}

func snap(q float64) float64 {
	if r := math.Round(q); math.Abs(q-r) < tickEpsilon {
		return r
	}
	return q
}
