package release

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nameSeparators = strings.NewReplacer(",", " ", "/", " ", ".", " ", "-", " ", "_", " ")

// NormalizeName returns the upper-cased, accent-free words of a person name.
// "José-María  García" becomes [JOSE MARIA GARCIA].
func NormalizeName(s string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Fields(nameSeparators.Replace(strings.ToUpper(folded)))
}

// NameScore compares two names as word sets, ignoring order:
// |A∩B| / max(|A|, |B|). Empty names score 0.
func NameScore(a, b string) float64 {
	wa := wordSet(NormalizeName(a))
	wb := wordSet(NormalizeName(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	common := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			common++
		}
	}
	return float64(common) / float64(max(len(wa), len(wb)))
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
