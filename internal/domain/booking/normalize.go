package booking

import "strings"

// NormalizeDay strips literal double quotes around a stored day label. Older
// clients wrote day values with embedded quotes ("\"Monday\""); every day
// comparison goes through this so that legacy data still matches.
func NormalizeDay(day string) string {
	return strings.Trim(day, `"`)
}

// sameDay compares two day labels after normalization.
func sameDay(a, b string) bool {
	return NormalizeDay(a) == NormalizeDay(b)
}
