package engine

import (
	"strings"
)

// BounceType classifies an SMTP error response.
type BounceType string

const (
	BounceHard      BounceType = "hard"      // 5xx - permanent, suppress address
	BounceSoft      BounceType = "soft"      // 4xx - temporary, retry later
	BounceComplaint BounceType = "complaint" // spam complaint from recipient
)

// BounceInfo contains details about a bounced email.
type BounceInfo struct {
	Type      BounceType
	Code      int
	Message   string
	Recipient string
	Permanent bool
}

// ClassifyBounce analyzes an SMTP error code and message to determine the
// bounce type and whether the failure is permanent. Specific SMTP enhanced
// status codes are handled for more precise classification.
func ClassifyBounce(code int, message string) BounceInfo {
	info := BounceInfo{
		Code:    code,
		Message: message,
	}

	lowerMsg := strings.ToLower(message)

	// Check for spam/complaint indicators regardless of code.
	if containsAny(lowerMsg, "spam", "unsolicited", "abuse", "complaint", "blocked for spam") {
		info.Type = BounceComplaint
		info.Permanent = true
		return info
	}

	switch {
	case code >= 500 && code < 600:
		info.Type = BounceHard
		info.Permanent = true

		switch code {
		case 550:
			// Mailbox not found, does not exist, or rejected.
		case 551:
			// User not local; sometimes a forward reference.
		case 552:
			// Mailbox full / quota exceeded: treat as soft bounce since it
			// may clear up when the recipient frees space.
			if containsAny(lowerMsg, "quota", "mailbox full", "over quota", "storage") {
				info.Type = BounceSoft
				info.Permanent = false
			}
		case 553:
			// Mailbox name not allowed (syntax error in address).
		case 554:
			// Transaction failed. Could be policy or content rejection.
		}

	case code >= 400 && code < 500:
		info.Type = BounceSoft
		info.Permanent = false

		switch code {
		case 421:
			// Service not available, closing connection (temporary).
		case 450:
			// Mailbox unavailable (busy or temporarily blocked).
		case 451:
			// Local error in processing; try again.
		case 452:
			// Insufficient storage; try again later.
		}

	default:
		// Unknown code range: default to soft bounce to avoid suppressing
		// addresses on unexpected codes.
		info.Type = BounceSoft
		info.Permanent = false
	}

	return info
}

// containsAny checks if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
