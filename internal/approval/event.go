package approval

import (
	"net/mail"
	"strings"

	"github.com/vdavid/mailgate/internal/models"
)

// DiscardReason explains why a candidate reply did not lead to any action.
type DiscardReason string

const (
	ReasonNotApprover     DiscardReason = "not-approver"
	ReasonNoMarker        DiscardReason = "no-marker"
	ReasonNoReference     DiscardReason = "no-reference"
	ReasonAmbiguousMarker DiscardReason = "ambiguous-marker"
	ReasonUnknownApproval DiscardReason = "unknown-approval"
	ReasonAlreadyResolved DiscardReason = "already-resolved"
)

// CorrelationID picks the id of the message being answered: In-Reply-To
// first, then the last References entry.
func CorrelationID(msg *models.ParsedMessage) string {
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	if n := len(msg.References); n > 0 {
		return msg.References[n-1]
	}
	return ""
}

// NormalizeAddress strips the display name and brackets and lowercases.
func NormalizeAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}

	from = strings.TrimSpace(from)
	if open := strings.LastIndex(from, "<"); open >= 0 {
		from = from[open+1:]
	}
	return strings.ToLower(strings.Trim(from, "<> "))
}

// TruncateQuoted cuts the body at the first mailto link to the service
// address, which is where mail clients start quoting the original request.
// That keeps a marker inside the quoted request from counting as an answer.
func TruncateQuoted(body, serviceAddress string) string {
	if serviceAddress == "" {
		return body
	}
	if i := indexASCIIFold(body, "mailto:"+serviceAddress); i >= 0 {
		return body[:i]
	}
	return body
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return indexASCIIFold(haystack, needle) >= 0
}

// indexASCIIFold finds needle in s ignoring ASCII case only. The result is a
// byte offset into s, which a Unicode lowercase of s would not guarantee.
func indexASCIIFold(s, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(s); i++ {
		if equalASCIIFold(s[i:i+n], needle) {
			return i
		}
	}
	return -1
}

func equalASCIIFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// buildEvent turns a parsed reply into an ApprovalEvent.
func buildEvent(msg *models.ParsedMessage, opts Options) models.ApprovalEvent {
	body := msg.HTML
	if body == "" {
		body = msg.Text
	}
	body = TruncateQuoted(body, opts.ServiceAddress)

	return models.ApprovalEvent{
		UID:           msg.UID,
		From:          NormalizeAddress(msg.From),
		CorrelationID: CorrelationID(msg),
		BodyHTML:      body,
		Approved:      containsFold(body, opts.ApprovalMarker),
		Rejected:      containsFold(body, opts.RejectionMarker),
		ReceivedAt:    msg.Date,
	}
}

// classify returns the discard reason for an event, or "" when it is actionable.
func classify(event models.ApprovalEvent, approver string) DiscardReason {
	if event.From != strings.ToLower(approver) {
		return ReasonNotApprover
	}
	if event.Approved && event.Rejected {
		return ReasonAmbiguousMarker
	}
	if !event.Approved && !event.Rejected {
		return ReasonNoMarker
	}
	if event.CorrelationID == "" {
		return ReasonNoReference
	}
	return ""
}
