package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 1.0, JaroWinkler("smith", "smith"))
	assert.InDelta(t, 0.961, JaroWinkler("MARTHA", "MARHTA"), 0.001)
	assert.InDelta(t, 0.84, JaroWinkler("DWAYNE", "DUANE"), 0.001)
	assert.Equal(t, 0.0, JaroWinkler("abc", ""))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, LevenshteinDistance("", ""))
	assert.Equal(t, 1.0, Levenshtein("", ""))
	assert.InDelta(t, 1-3.0/7.0, Levenshtein("kitten", "sitting"), 0.0001)
	// runes, not bytes
	assert.Equal(t, 1, LevenshteinDistance("josé", "jose"))
}

func TestSoundex(t *testing.T) {
	cases := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Ashcraft": "A261",
		"Tymczak":  "T522",
		"Pfister":  "P236",
		"Lee":      "L000",
		"":         "",
		"123":      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Soundex(in), in)
	}
}

func TestMetaphone(t *testing.T) {
	assert.Equal(t, Metaphone("Philip"), Metaphone("Filip"))
	assert.Equal(t, Metaphone("Catherine"), Metaphone("Katherine"))
	assert.NotEqual(t, Metaphone("Smith"), Metaphone("Jones"))
	assert.Equal(t, "", Metaphone("42"))
}

func TestDateProximity(t *testing.T) {
	assert.Equal(t, 1.0, DateProximity("1983-01-10", "1983-01-10", 0))
	assert.Equal(t, 0.0, DateProximity("1983-01-10", "1983-01-11", 0))
	assert.InDelta(t, 0.9, DateProximity("1983-01-10", "1983-01-11", 10), 0.0001)
	assert.Equal(t, 1.0, DateProximity("1983-01-10", "1983-01-10T08:30:00Z", 0))
	assert.Equal(t, 1.0, DateProximity("unknown", "UNKNOWN", 0))
}

func TestNumericProximity(t *testing.T) {
	assert.Equal(t, 1.0, NumericProximity(2, 2, 0))
	assert.Equal(t, 0.0, NumericProximity(2, 3, 0))
	assert.InDelta(t, 0.5, NumericProximity(2, 3, 2), 0.0001)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "smith jones", Normalize("  Smith-Jones Jr. ", "nname"))
	assert.Equal(t, "5551234567", Normalize("+1 (555) 123-4567", "nphone"))
	assert.Equal(t, "AB12CD", Normalize("ab 12 cd", "remove_whitespace", "uppercase"))
	assert.Equal(t, "Keep", Normalize("Keep", "no_such_normalizer"))
}
