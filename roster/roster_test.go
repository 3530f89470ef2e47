package roster

import (
	"testing"
)

func TestParseRoster(t *testing.T) {
	cases := []struct {
		name    string
		raw     []string
		want    []string
		wantErr bool
	}{
		{name: "valid", raw: []string{"alpha", "bravo_1"}, want: []string{"alpha", "bravo_1"}},
		{name: "dedupes", raw: []string{"alpha", "alpha", "bravo"}, want: []string{"alpha", "bravo"}},
		{name: "strips mode sigils", raw: []string{"@mod_user", "+voiced"}, want: []string{"mod_user", "voiced"}},
		{name: "empty roster ok", raw: nil, want: []string{}},
		{name: "uppercase rejected", raw: []string{"Alpha"}, wantErr: true},
		{name: "too long rejected", raw: []string{"abcdefghijklmnopqrstuvwxyz"}, wantErr: true},
		{name: "one bad entry fails all", raw: []string{"alpha", "not valid", "bravo"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRoster(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				if got != nil {
					t.Fatalf("partial roster returned alongside error: %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoster: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestEndOfNamesChannel(t *testing.T) {
	raw := ":justinfan123.tmi.twitch.tv 366 justinfan123 #SomeChannel :End of /NAMES list"
	if got := endOfNamesChannel(raw); got != "somechannel" {
		t.Fatalf("got %q, want somechannel", got)
	}
	if got := endOfNamesChannel("garbage"); got != "" {
		t.Fatalf("expected empty channel for garbage line, got %q", got)
	}
}
