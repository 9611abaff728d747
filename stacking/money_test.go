package stacking

import "testing"

func TestRateApplyRoundsHalfUp(t *testing.T) {
	cases := []struct {
		rate  RateBPS
		value Cents
		want  Cents
	}{
		{2500, 17400, 4350},  // 25% of $174.00
		{1000, 17400, 1740},  // 10%
		{1000, 12312, 1231},  // 1231.2 rounds down
		{5000, 15, 8},        // 7.5 rounds up
		{5000, 13, 7},        // 6.5 rounds up
		{2500, 0, 0},
		{0, 17400, 0},
	}
	for _, c := range cases {
		if got := c.rate.Apply(c.value); got != c.want {
			t.Errorf("RateBPS(%d).Apply(%d) = %d, want %d", c.rate, c.value, got, c.want)
		}
	}
}

func TestRateString(t *testing.T) {
	if got := RateBPS(2500).String(); got != "0.2500" {
		t.Errorf("String() = %q", got)
	}
	if got := RateBPS(10000).String(); got != "1.0000" {
		t.Errorf("String() = %q", got)
	}
}

func TestRatio(t *testing.T) {
	cases := []struct {
		num, den Cents
		want     string
	}{
		{625000, 1000000, "0.6250"},
		{7830, 17400, "0.4500"},
		{0, 100, "0.0000"},
		{100, 0, "0.0000"},
		{1, 3, "0.3333"},
	}
	for _, c := range cases {
		if got := ratio(c.num, c.den); got != c.want {
			t.Errorf("ratio(%d, %d) = %q, want %q", c.num, c.den, got, c.want)
		}
	}
}
