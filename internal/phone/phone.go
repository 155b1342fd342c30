// Package phone turns the many spellings of a WhatsApp number (JIDs, formatted
// numbers, numbers without country code, Brazilian mobiles without the ninth
// digit) into one canonical digits-only form. It runs once, at the transport
// boundary; nothing past that boundary normalizes again.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultCountryCode is used when a caller passes an empty country code.
const DefaultCountryCode = "55"

const (
	minDigits = 10
	maxDigits = 15
	// minNational is the shortest national number that follows a country code.
	minNational = 10
)

var ErrInvalid = errors.New("invalid phone number")

// Normalize returns the digits-only form of raw with countryCode enforced.
// Numbers written with a leading "+" already carry their own country code.
func Normalize(raw, countryCode string) (string, error) {
	if countryCode = strings.TrimSpace(countryCode); countryCode == "" {
		countryCode = DefaultCountryCode
	}

	local := raw
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	// multi-device JIDs carry ":<device>" before the server part
	if colon := strings.IndexByte(local, ':'); colon >= 0 {
		local = local[:colon]
	}

	international := strings.HasPrefix(strings.TrimSpace(local), "+")

	digits := digitsOnly(local)
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalid, raw)
	}

	// national numbers are at most 11 digits (DDD + 9 digit mobile)
	if !international && len(digits) <= 11 && !hasCountryCode(digits, countryCode) {
		digits = countryCode + digits
	}

	if countryCode == DefaultCountryCode {
		digits = addBrazilianNinthDigit(digits)
	}

	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalid, raw, len(digits))
	}

	return digits, nil
}

// NormalizeAll normalizes and deduplicates phones preserving the first-seen
// order. Numbers that cannot be normalized are returned separately.
func NormalizeAll(raws []string, countryCode string) (normalized []string, invalid []string) {
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		p, err := Normalize(raw, countryCode)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}

	return normalized, invalid
}

// Canonical reports whether p already is the output of Normalize: digits
// only, no leading zero, within the international length bounds.
func Canonical(p string) bool {
	if len(p) < minDigits || len(p) > maxDigits || p[0] == '0' {
		return false
	}
	return digitsOnly(p) == p
}

// hasCountryCode reports whether digits start with countryCode followed by a
// full national number, as in 1 212 555 0001.
func hasCountryCode(digits, countryCode string) bool {
	return strings.HasPrefix(digits, countryCode) && len(digits)-len(countryCode) >= minNational
}

// JID returns the WhatsApp user JID for a normalized phone.
func JID(normalized string) string {
	return normalized + "@s.whatsapp.net"
}

// addBrazilianNinthDigit inserts the mobile ninth digit for 55+DDD+8 digit
// numbers whose subscriber part starts like a mobile (6-9).
func addBrazilianNinthDigit(digits string) string {
	if len(digits) != 12 || !strings.HasPrefix(digits, DefaultCountryCode) {
		return digits
	}

	subscriber := digits[4:]
	if subscriber[0] < '6' {
		return digits
	}

	return digits[:4] + "9" + subscriber
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
