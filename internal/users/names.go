package users

import (
	"strings"
	"unicode"
)

const maxSlugLength = 64

// DeriveDisplayName turns an identity URL into a readable name: a leading
// http:// scheme is dropped, and a bare host keeps no trailing slash.
func DeriveDisplayName(identityURL string) string {
	name := strings.TrimPrefix(identityURL, "http://")
	if host, ok := strings.CutSuffix(name, "/"); ok && host != "" && !strings.Contains(host, "/") {
		return host
	}
	return name
}

// Slugify lowercases the value and collapses every run of characters other
// than letters and digits into a single hyphen.
func Slugify(value string) string {
	var builder strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(value) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingHyphen = false
			builder.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	runes := []rune(builder.String())
	if len(runes) > maxSlugLength {
		return strings.TrimRight(string(runes[:maxSlugLength]), "-")
	}
	return string(runes)
}
