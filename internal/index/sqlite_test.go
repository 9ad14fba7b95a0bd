package index

import "testing"

func TestFTSQuery(t *testing.T) {
	tests := []struct{ in, want string }{
		{"simple", `"simple"`},
		{"two terms", `"two" "terms"`},
		{`quoted "phrase"`, `"quoted" """phrase"""`},
		{"  padded   input ", `"padded" "input"`},
		{"", ""},
		{"   ", ""},
		{"NEAR(a b)", `"NEAR(a" "b)"`}, // operators neutralized by quoting
	}
	for _, tt := range tests {
		if got := ftsQuery(tt.in); got != tt.want {
			t.Errorf("ftsQuery(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
