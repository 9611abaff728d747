// Package stacking plans entry slices, builds chapter-99 code stacks,
// and computes duties from verified scope facts. All money is integer
// cents and all rates are four-decimal fixed point; floats never touch
// the duty path.
package stacking

import "fmt"

// Cents is a monetary amount in integer US cents.
type Cents int64

// RateBPS is a duty rate in four-decimal fixed point: the rate times
// 10,000 (so 2500 = 25.00%).
type RateBPS int64

// Apply computes rate x value in cents, rounding half up.
func (r RateBPS) Apply(value Cents) Cents {
	product := int64(value) * int64(r)
	if product >= 0 {
		return Cents((product + 5000) / 10000)
	}
	return Cents((product - 5000) / 10000)
}

// String renders the rate as a decimal fraction, e.g. "0.2500".
func (r RateBPS) String() string {
	return fmt.Sprintf("%d.%04d", int64(r)/10000, int64(r)%10000)
}

// ratio renders numerator/denominator as a four-decimal-place rational,
// rounding half up. Used for the effective rate.
func ratio(num, den Cents) string {
	if den == 0 {
		return "0.0000"
	}
	scaled := (int64(num)*10000 + int64(den)/2) / int64(den)
	return fmt.Sprintf("%d.%04d", scaled/10000, scaled%10000)
}
