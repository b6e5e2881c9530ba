package geo

import (
	"fmt"
	"strings"
)

// NormalizeZip extracts ZIP5 and plus-4 digits from the accepted input
// forms: 5 digits, "ZZZZZ-PPPP", or 9 consecutive digits. Leading zeros are
// preserved and a separately supplied plus4 is left-padded to 4 digits.
// Any other digit count is rejected.
func NormalizeZip(zip, plus4 string) (string, string, error) {
	digits := digitsOf(zip)
	switch len(digits) {
	case 5:
		// plus4 may arrive as a separate parameter
	case 9:
		if plus4 == "" {
			plus4 = digits[5:]
		}
		digits = digits[:5]
	default:
		return "", "", &ResolveError{
			Kind:    FailInvalidZip,
			Message: fmt.Sprintf("invalid ZIP %q: expected 5 or 9 digits", zip),
		}
	}

	if plus4 != "" {
		p := digitsOf(plus4)
		if len(p) == 0 || len(p) > 4 {
			return "", "", &ResolveError{
				Kind:    FailInvalidZip,
				Message: fmt.Sprintf("invalid ZIP+4 suffix %q", plus4),
			}
		}
		plus4 = strings.Repeat("0", 4-len(p)) + p
	}
	return digits, plus4, nil
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
