package messaging

import (
	"fmt"
	"log/slog"
	"regexp"
)

// MinPhoneDigits is the shortest phone number accepted as a recipient.
const MinPhoneDigits = 6

var nonDigitRegex = regexp.MustCompile(`\D`)

// CanonicalizeRecipient strips everything but digits from a phone number and
// validates the result has at least MinPhoneDigits digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigitRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient modified recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
