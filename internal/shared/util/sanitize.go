package util

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidFileName is returned for names that cannot be made safe.
var ErrInvalidFileName = errors.New("invalid file name")

const maxFileNameLen = 255

// SanitizeFileName turns a name into a single safe path segment. Separators
// become underscores, control characters are dropped and traversal is rejected.
func SanitizeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if s == "" || len(s) > maxFileNameLen {
		return "", ErrInvalidFileName
	}
	return s, nil
}
