package matching

import (
	"strings"
	"unicode"
)

// Normalizer rewrites a value before it is compared or used as a blocking key.
type Normalizer func(string) string

var normalizers = map[string]Normalizer{
	"lowercase":          strings.ToLower,
	"uppercase":          strings.ToUpper,
	"trim":               strings.TrimSpace,
	"digits_only":        func(s string) string { return keep(s, unicode.IsDigit) },
	"alphanumeric":       func(s string) string { return keep(s, isAlnum) },
	"remove_whitespace":  func(s string) string { return keep(s, notSpace) },
	"remove_punctuation": func(s string) string { return keep(s, notPunct) },
	"nphone":             normalizePhone,
	"nemail":             func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
	"nname":              normalizeName,
}

// RegisterNormalizer adds or replaces a named normalizer. It is not safe to call concurrently
// with matching and is meant for process start-up.
func RegisterNormalizer(name string, fn Normalizer) {
	normalizers[name] = fn
}

func HasNormalizer(name string) bool {
	_, ok := normalizers[name]
	return ok
}

// Normalize applies the named normalizers in order. Unknown names are skipped.
func Normalize(value string, names ...string) string {
	for _, name := range names {
		if fn, ok := normalizers[name]; ok {
			value = fn(value)
		}
	}
	return value
}

func keep(s string, pred func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if pred(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAlnum(r rune) bool  { return unicode.IsLetter(r) || unicode.IsDigit(r) }
func notSpace(r rune) bool { return !unicode.IsSpace(r) }
func notPunct(r rune) bool { return !unicode.IsPunct(r) }

// normalizePhone keeps digits and drops a leading US country code.
func normalizePhone(s string) string {
	digits := keep(s, unicode.IsDigit)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

var nameSuffixes = []string{" jr", " sr", " iii", " ii", " iv", " phd", " md"}

// normalizeName lowercases, strips punctuation, collapses whitespace and drops generational suffixes.
func normalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case isAlnum(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || r == '-':
			if !space && b.Len() > 0 {
				b.WriteRune(' ')
				space = true
			}
		}
	}
	out := strings.TrimSpace(b.String())
	for _, suffix := range nameSuffixes {
		out = strings.TrimSuffix(out, suffix)
	}
	return out
}
