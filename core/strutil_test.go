package core

import (
	"math"
	"testing"
)

func TestDecimalFormatting(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{-42, "-42"},
		{1000, "1000"},
		{math.MaxInt32, "2147483647"},
		{math.MinInt32, "-2147483648"},
	} {
		if got := itoa(tc.n); got != tc.want {
			t.Errorf("itoa(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
	if got := utoa(math.MaxUint32); got != "4294967295" {
		t.Errorf("utoa(MaxUint32) = %q", got)
	}
}
