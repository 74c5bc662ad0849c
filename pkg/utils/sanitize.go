package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// --- Path Segment Sanitization ---
var invalidSegmentChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`) // Characters invalid in Windows/Unix filenames
const maxSegmentLength = 200                                              // Max byte length of one path segment

// reservedWindowsNames cannot be used as file names on Windows, with or without extension
var reservedWindowsNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
}

// SanitizePathSegment makes one already percent-decoded URL path segment safe to use as
// a file or directory name. Illegal characters become '_'; the result is never empty,
// "." or "..".
func SanitizePathSegment(segment string) string {
	sanitized := invalidSegmentChars.ReplaceAllString(segment, "_")
	sanitized = strings.TrimRight(sanitized, " .") // Trailing dots and spaces are dropped by Windows

	if len(sanitized) > maxSegmentLength {
		sanitized = truncateUTF8(sanitized, maxSegmentLength)
	}

	base := strings.ToLower(sanitized)
	if dot := strings.IndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	if reservedWindowsNames[base] {
		sanitized = "_" + sanitized
	}

	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "_"
	}
	return sanitized
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
