package urlutil

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestBuildAbsolute_JoinsWithSingleSlash(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := fmt.Sprintf("http://%s:%d",
			rapid.StringMatching(`[a-z]{3,12}`).Draw(rt, "host"),
			rapid.IntRange(1024, 9999).Draw(rt, "port"),
		) + rapid.SampledFrom([]string{"", "/", "//"}).Draw(rt, "trailing")
		segment := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "segment")
		path := rapid.SampledFrom([]string{segment, "/" + segment}).Draw(rt, "path")

		got := BuildAbsolute(base, path)
		want := strings.TrimRight(base, "/") + "/" + segment
		if got != want {
			rt.Fatalf("BuildAbsolute(%q, %q) = %q, want %q", base, path, got, want)
		}
	})
}

func TestBuildAbsolute_EdgeCases(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://localhost:5173/", "", "http://localhost:5173"},
		{"  http://localhost:5173  ", "/", "http://localhost:5173/"},
		{"http://localhost:5173", "https://other.example/x", "https://other.example/x"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := BuildAbsolute(tc.base, tc.path); got != tc.want {
			t.Errorf("BuildAbsolute(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}
