// Package lang normalises the language preferences players report.
package lang

import "golang.org/x/text/language"

// Canonical parses a player-supplied language preference and returns its
// canonical BCP 47 form. Unparseable or empty preferences return "".
//
// Preferences are stored and reported as single tags; comma-separated
// preference lists are passed through untouched by the broker, so by the
// time a tag reaches storage it is a single value.
func Canonical(pref string) string {
	if pref == "" {
		return ""
	}
	tag, err := language.Parse(pref)
	if err != nil {
		return ""
	}
	return tag.String()
}

// Match picks the best supported tag for a player preference, falling back
// to the first supported tag when nothing matches.
func Match(supported []string, pref string) string {
	if len(supported) == 0 {
		return ""
	}
	tags := make([]language.Tag, 0, len(supported))
	names := make([]string, 0, len(supported))
	for _, s := range supported {
		tag, err := language.Parse(s)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		names = append(names, s)
	}
	if len(tags) == 0 {
		return ""
	}
	matcher := language.NewMatcher(tags)
	_, index, _ := matcher.Match(language.Make(pref))
	return names[index]
}
