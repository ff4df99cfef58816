package utils

import (
	"strings"
	"testing"

	"github.com/bmizerany/assert"
)

func TestNormalizeGiftID(t *testing.T) {
	assert.Equal(t, "rose", NormalizeGiftID(" Rose ", "ignored"))
	assert.Equal(t, "rose-bouquet", NormalizeGiftID("", "Rose Bouquet"))
	assert.Equal(t, "creme-brulee", NormalizeGiftID("", "Crème Brûlée"))
	assert.Equal(t, "", NormalizeGiftID("", "  "))
}

func TestNormalizeDisplayName(t *testing.T) {
	assert.Equal(t, "Am\u00e9lie", NormalizeDisplayName("Ame\u0301lie"))
	assert.Equal(t, "ab", NormalizeDisplayName(" a\u0000b\n"))
	long := strings.Repeat("x", 100)
	assert.Equal(t, 64, len(NormalizeDisplayName(long)))
}

func TestSearchName(t *testing.T) {
	assert.Equal(t, "zoe", SearchName("  Zoë "))
}
