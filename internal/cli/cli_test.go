package cli

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		values []string
		want   string
	}{
		{[]string{"", "", "b"}, "b"},
		{[]string{"a", "b"}, "a"},
		{[]string{"", ""}, ""},
		{nil, ""},
	}

	for _, c := range cases {
		if got := firstNonEmpty(c.values...); got != c.want {
			t.Fatalf("firstNonEmpty(%v) = %q, want %q", c.values, got, c.want)
		}
	}
}
