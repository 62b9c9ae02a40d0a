// ABOUTME: Removal of excessive combining marks from preview text
// ABOUTME: Caps the marks stacked on one base character

package linkpreview

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxCombiningMarks is the number of combining marks kept per base character.
const MaxCombiningMarks = 3

// RemoveExtremeCombining drops combining marks beyond MaxCombiningMarks on
// any single base character. Ordinary accented text is unchanged.
func RemoveExtremeCombining(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	marks := 0
	for _, r := range decomposed {
		if unicode.In(r, unicode.Mn, unicode.Me) {
			marks++
			if marks > MaxCombiningMarks {
				continue
			}
		} else {
			marks = 0
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}
