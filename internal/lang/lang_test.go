package lang

import "testing"

func TestCanonical(t *testing.T) {
	tests := map[string]struct {
		pref string
		want string
	}{
		"simple":     {"en", "en"},
		"region":     {"en_us", "en-US"},
		"canonical":  {"nl-NL", "nl-NL"},
		"empty":      {"", ""},
		"unparsable": {"not a language", ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Canonical(tt.pref); got != tt.want {
				t.Errorf("Canonical(%q) = %q, want %q", tt.pref, got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	supported := []string{"en", "nl", "de"}
	tests := map[string]struct {
		pref string
		want string
	}{
		"exact":    {"nl", "nl"},
		"region":   {"de-AT", "de"},
		"fallback": {"fr", "en"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Match(supported, tt.pref); got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.pref, got, tt.want)
			}
		})
	}
	if got := Match(nil, "en"); got != "" {
		t.Errorf("Match(nil, en) = %q, want empty", got)
	}
}
