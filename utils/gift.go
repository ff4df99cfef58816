package utils

import (
	"strings"
	"unicode"

	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"golang.org/x/text/unicode/norm"
)

const maxDisplayName = 64

// NormalizeGiftID returns a stable gift identifier. An explicit id wins;
// otherwise the gift name is slugged ("Rose Bouquet" -> "rose-bouquet").
func NormalizeGiftID(id, name string) string {
	if id = strings.TrimSpace(id); id != "" {
		return strings.ToLower(id)
	}
	return slug.Make(name)
}

// NormalizeDisplayName composes the name to NFC, strips control runes and
// caps its length.
func NormalizeDisplayName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if r := []rune(name); len(r) > maxDisplayName {
		name = string(r[:maxDisplayName])
	}
	return name
}

// SearchName folds a display name to lower-case ASCII for lookups.
func SearchName(name string) string {
	return strings.ToLower(strings.TrimSpace(unidecode.Unidecode(name)))
}
