package models

import "strings"

// NormalizeAnswer keeps only the letters A-Z after upper-casing.
func NormalizeAnswer(raw string) string {
	upper := strings.ToUpper(raw)
	var b strings.Builder
	b.Grow(len(upper))
	for _, r := range upper {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
