package mailer

import (
	"errors"
	"strings"

	"github.com/emersion/go-smtp"
)

var quotaEnhancedCodes = []smtp.EnhancedCode{
	{4, 5, 3}, // too many recipients
	{5, 4, 5}, // sending limit reached
}

// Provider replies that name a sending limit without a dedicated code.
var quotaPhrases = []string{
	"quota exceeded",
	"sending limit",
	"rate limit",
	"too many messages",
	"too many recipients",
}

// IsQuotaError reports whether err is the provider refusing more mail for now,
// as opposed to a problem with this particular message. A bare 421 or 454 is
// a temporary service or TLS failure and is not a quota.
func IsQuotaError(err error) bool {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}

	if smtpErr.Code == 452 {
		return true
	}

	for _, code := range quotaEnhancedCodes {
		if smtpErr.EnhancedCode == code {
			return true
		}
	}

	message := strings.ToLower(smtpErr.Message)
	for _, phrase := range quotaPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}

	return false
}

// IsPermanent reports whether retrying the same transaction cannot help.
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return errors.Is(err, ErrAllRecipientsRejected)
}
