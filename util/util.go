// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// GetBit32 returns the value of a given bit in a 32-bit word
func GetBit32(w uint32, bitIndex uint) bool {
	return w&(1<<bitIndex) != 0
}

// SecsToDuration converts a floating point number of seconds to a duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Limiter holds a min and max, and provides a method to check
// if a value is within the range
type Limiter struct {
	Min float64 `yaml:"Min" json:"min"`
	Max float64 `yaml:"Max" json:"max"`
}

// Check returns true if min <= input <= max
func (l Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}
