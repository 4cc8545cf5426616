package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no diacritics,
// spaces for dashes, collapsed whitespace).
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return strings.Join(strings.Fields(name), " ")
}

// FolderName returns the on-disk folder name used for a label:
// lowercased and trimmed, diacritics kept.
func FolderName(l Label) string {
	name, ok := l.Name()
	if !ok {
		return UnknownName
	}
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// DisplayName title-cases a folder name ("jane doe" -> "Jane Doe").
func DisplayName(folder string) string {
	words := strings.Fields(folder)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		for j := 1; j < len(r); j++ {
			r[j] = unicode.ToLower(r[j])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
