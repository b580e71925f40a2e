package matching

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// ScoreType names a comparison algorithm a condition can use.
type ScoreType string

const (
	ScoreExact       ScoreType = "exact"
	ScoreJaroWinkler ScoreType = "jaro_winkler"
	ScoreLevenshtein ScoreType = "levenshtein"
	ScoreSoundex     ScoreType = "soundex"
	ScoreMetaphone   ScoreType = "metaphone"
	ScoreDate        ScoreType = "date"
	ScoreNumeric     ScoreType = "numeric"
)

func (t ScoreType) Valid() bool {
	switch t {
	case ScoreExact, ScoreJaroWinkler, ScoreLevenshtein, ScoreSoundex, ScoreMetaphone, ScoreDate, ScoreNumeric:
		return true
	}
	return false
}

// Similarity scores operate on runes so multi-byte names compare sensibly. Every function
// returns a value in [0, 1].

func exactScore(a, b string, caseSensitive bool) float64 {
	if caseSensitive {
		return boolScore(a == b)
	}
	return boolScore(strings.EqualFold(a, b))
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	window := max(len(a), len(b))/2 - 1
	window = max(window, 0)

	aHit := make([]bool, len(a))
	bHit := make([]bool, len(b))
	matches := 0
	for i := range a {
		lo, hi := max(0, i-window), min(len(b), i+window+1)
		for j := lo; j < hi; j++ {
			if !bHit[j] && a[i] == b[j] {
				aHit[i], bHit[j] = true, true
				matches++
				break
			}
		}
	}
	if matches == 0 {
		return 0
	}

	transposed, k := 0, 0
	for i := range a {
		if !aHit[i] {
			continue
		}
		for !bHit[k] {
			k++
		}
		if a[i] != b[k] {
			transposed++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(len(a)) + m/float64(len(b)) + (m-float64(transposed)/2)/m) / 3
}

// JaroWinkler boosts the Jaro similarity for a shared prefix of up to four runes.
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	j := jaro(ra, rb)

	prefix := 0
	for prefix < min(4, len(ra), len(rb)) && ra[prefix] == rb[prefix] {
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}

// LevenshteinDistance is the classic two-row edit distance.
func LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func Levenshtein(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(LevenshteinDistance(a, b))/float64(longest)
}

var soundexDigits = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the four character American Soundex code, or "" when s has no letters.
func Soundex(s string) string {
	code := make([]byte, 0, 4)
	var last byte
	for _, r := range strings.ToUpper(s) {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			continue
		}
		d := soundexDigits[r]
		if len(code) == 0 {
			code = append(code, byte(r))
			last = d
			continue
		}
		if d != 0 && d != last {
			code = append(code, d)
			if len(code) == 4 {
				break
			}
		}
		// H and W do not separate letters with the same code.
		if r != 'H' && r != 'W' {
			last = d
		}
	}
	if len(code) == 0 {
		return ""
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// Metaphone is a reduced phonetic key: leading vowel kept, common digraphs folded,
// repeated codes collapsed, capped at six characters.
func Metaphone(s string) string {
	var letters []rune
	for _, r := range strings.ToUpper(s) {
		if r <= unicode.MaxASCII && unicode.IsLetter(r) {
			letters = append(letters, r)
		}
	}

	var out []rune
	var last rune
	for i, r := range letters {
		next := rune(0)
		if i+1 < len(letters) {
			next = letters[i+1]
		}
		var c rune
		switch r {
		case 'A', 'E', 'I', 'O', 'U':
			if i == 0 {
				c = r
			}
		case 'C':
			c = 'K'
			if next == 'E' || next == 'I' || next == 'Y' {
				c = 'S'
			} else if next == 'H' {
				c = 'X'
			}
		case 'D':
			c = 'T'
		case 'G':
			c = 'K'
			if next == 'E' || next == 'I' || next == 'Y' {
				c = 'J'
			}
		case 'P':
			c = 'P'
			if next == 'H' {
				c = 'F'
			}
		case 'Q':
			c = 'K'
		case 'S':
			c = 'S'
			if next == 'H' {
				c = 'X'
			}
		case 'V':
			c = 'F'
		case 'X', 'Z':
			c = 'S'
		case 'H', 'W', 'Y':
		default:
			c = r
		}
		if c != 0 && c != last {
			out = append(out, c)
			if len(out) == 6 {
				break
			}
		}
		if c != 0 {
			last = c
		}
	}
	return string(out)
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "01/02/2006", "20060102"}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DateProximity is 1 on the same calendar day and decays linearly to 0 at rangeDays apart.
// With rangeDays <= 0 only the same day scores.
func DateProximity(a, b string, rangeDays int) float64 {
	ta, okA := parseDate(a)
	tb, okB := parseDate(b)
	if !okA || !okB {
		return exactScore(a, b, false)
	}
	ta = ta.Truncate(24 * time.Hour)
	tb = tb.Truncate(24 * time.Hour)
	days := math.Abs(ta.Sub(tb).Hours() / 24)
	if days == 0 {
		return 1
	}
	if rangeDays <= 0 || days >= float64(rangeDays) {
		return 0
	}
	return 1 - days/float64(rangeDays)
}

// NumericProximity is 1 for equal values and decays linearly to 0 at maxDiff apart.
func NumericProximity(a, b, maxDiff float64) float64 {
	diff := math.Abs(a - b)
	if diff == 0 {
		return 1
	}
	if maxDiff <= 0 || diff >= maxDiff {
		return 0
	}
	return 1 - diff/maxDiff
}
