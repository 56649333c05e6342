package tcptun

import "testing"

func TestUnmapIPv4(t *testing.T) {
	cases := map[string]string{
		"[::ffff:10.0.0.1]:443": "10.0.0.1:443",
		"10.0.0.1:443":          "10.0.0.1:443",
		"[2001:db8::1]:443":     "[2001:db8::1]:443",
	}
	for in, want := range cases {
		if got := unmapIPv4(in); got != want {
			t.Errorf("unmapIPv4(%q) = %q, want %q", in, got, want)
		}
	}
}
