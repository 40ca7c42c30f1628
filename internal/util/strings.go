package util

// SafeTruncate truncates s to at most maxLen characters without panicking.
// It is used when logging sensitive values such as codes and tokens, where
// only a short prefix should ever appear in logs.
//
// A negative maxLen is treated as zero.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
