package registry

import (
	"strings"
	"unicode/utf8"
)

const maxNameCodePoints = 32

// validateName normalizes an advertised display name. It returns the clean
// name, or a reason suffix ("empty", "too_short", "replacement_char",
// "too_many_control_chars") when the name must be rejected. Truncation to
// 32 code points is not a rejection.
func validateName(raw string) (string, string) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", "empty"
	}
	if utf8.RuneCountInString(name) < 2 {
		return "", "too_short"
	}
	if strings.ContainsRune(name, utf8.RuneError) {
		return "", "replacement_char"
	}

	control := 0
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b < 0x20 || b == 0x7F {
			control++
		}
	}
	if control*5 > len(name) {
		return "", "too_many_control_chars"
	}

	if utf8.RuneCountInString(name) > maxNameCodePoints {
		runes := []rune(name)
		name = string(runes[:maxNameCodePoints])
	}
	return name, ""
}
