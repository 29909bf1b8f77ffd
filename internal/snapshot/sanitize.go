package snapshot

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxNameBytes = 255

var (
	illegalChars  = regexp.MustCompile(`[/\\?<>:*|"]`)
	controlChars  = regexp.MustCompile(`[\x00-\x1f\x80-\x9f]`)
	reservedNames = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[0-9]|lpt[0-9])(\..*)?$`)
	trailing      = regexp.MustCompile(`[. ]+$`)
)

// Sanitize turns an identifier into a name safe to use as a file name on
// any common filesystem. Empty results become "_".
func Sanitize(name string) string {
	s := norm.NFC.String(name)
	s = illegalChars.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, "")
	if s == "." || s == ".." || reservedNames.MatchString(s) {
		s = ""
	}
	s = trailing.ReplaceAllString(s, "")
	for len(s) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	if strings.TrimSpace(s) == "" {
		return "_"
	}
	return s
}
