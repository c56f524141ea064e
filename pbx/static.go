package pbx

import "strings"

// StaticDialplan is a Dialplan backed by a fixed extension list per context.
// Extensions starting with '_' are patterns: X matches 0-9, Z 1-9, N 2-9,
// '.' one or more further characters and '!' zero or more.
type StaticDialplan struct {
	Contexts map[string][]string
}

// Exists implements Dialplan.
func (d *StaticDialplan) Exists(context, exten, _ string) bool {
	for _, e := range d.Contexts[context] {
		if m, _ := match(e, exten); m {
			return true
		}
	}
	return false
}

// CanMatch implements Dialplan.
func (d *StaticDialplan) CanMatch(context, exten, _ string) bool {
	for _, e := range d.Contexts[context] {
		if m, more := match(e, exten); m || more {
			return true
		}
	}
	return false
}

// MatchMore implements Dialplan.
func (d *StaticDialplan) MatchMore(context, exten, _ string) bool {
	for _, e := range d.Contexts[context] {
		if _, more := match(e, exten); more {
			return true
		}
	}
	return false
}

// match reports whether exten matches pattern completely, and whether
// appending digits to exten could produce a (longer) match.
func match(pattern, exten string) (full, more bool) {
	if !strings.HasPrefix(pattern, "_") {
		return pattern == exten, len(pattern) > len(exten) && strings.HasPrefix(pattern, exten)
	}
	p := pattern[1:]
	i := 0
	for ; i < len(p); i++ {
		c := p[i]
		if c == '.' || c == '!' {
			rest := len(exten) - i
			if rest < 0 {
				return false, true
			}
			if c == '.' {
				return rest >= 1, true
			}
			return true, true
		}
		if i >= len(exten) {
			return false, true
		}
		if !charMatches(c, exten[i]) {
			return false, false
		}
	}
	return len(exten) == len(p), false
}

func charMatches(p, c byte) bool {
	switch p {
	case 'X', 'x':
		return c >= '0' && c <= '9'
	case 'Z', 'z':
		return c >= '1' && c <= '9'
	case 'N', 'n':
		return c >= '2' && c <= '9'
	}
	return p == c
}
