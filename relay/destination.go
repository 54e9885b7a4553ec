package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lojahub/waconnect/adapter"
)

// homeCountryCode is prepended to bare local subscriber numbers.
const homeCountryCode = "55"

var nonDigits = regexp.MustCompile(`\D`)

// resolveDestination turns a raw, human-entered destination into the
// canonical identifier the engine will accept:
//
//  1. strip everything that is not a digit,
//  2. bare local numbers (10 or 11 digits) get the home country code,
//  3. ask the engine whether the number exists,
//  4. Brazilian mobile numbers carry an optional ninth digit, so on a miss
//     the one variant with that digit added or removed is tried before
//     giving up.
func (r *Relay) resolveDestination(ctx context.Context, ad adapter.Adapter, raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrDestinationInvalid, raw)
	}
	if len(digits) == 10 || len(digits) == 11 {
		digits = homeCountryCode + digits
	}
	canonical, ok, err := ad.ResolveDestination(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("destination lookup failed: %w", err)
	}
	if ok {
		return canonical, nil
	}
	if alt := ninthDigitVariant(digits); alt != "" {
		r.logger.Debug().Str("number", digits).Str("variant", alt).
			Msg("destination not found, retrying ninth-digit variant")
		canonical, ok, err = ad.ResolveDestination(ctx, alt)
		if err != nil {
			return "", fmt.Errorf("destination lookup failed: %w", err)
		}
		if ok {
			return canonical, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDestinationInvalid, digits)
}

// ninthDigitVariant returns the alternate form of a Brazilian number with
// the mobile ninth digit inserted (old 8-digit numbers) or dropped (numbers
// stored before the digit was introduced), or "" when no variant applies.
func ninthDigitVariant(digits string) string {
	if !strings.HasPrefix(digits, homeCountryCode) {
		return ""
	}
	rest := digits[len(homeCountryCode):]
	switch {
	case len(rest) == 10:
		// area code + 8 digits: insert the 9.
		return homeCountryCode + rest[:2] + "9" + rest[2:]
	case len(rest) == 11 && rest[2] == '9':
		// area code + 9 digits: drop the 9.
		return homeCountryCode + rest[:2] + rest[3:]
	}
	return ""
}
