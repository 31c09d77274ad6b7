package imap

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrUnparseable is returned when a fetched message cannot be decoded.
var ErrUnparseable = errors.New("unparseable message")

// ParseMessage decodes a raw message with enmime. Message ids are returned
// without angle brackets.
func ParseMessage(raw RawMessage) (*models.ParsedMessage, error) {
	if raw.Err != nil {
		return nil, fmt.Errorf("%w: uid %d: %v", ErrUnparseable, raw.UID, raw.Err)
	}
	if len(raw.Body) == 0 {
		return nil, fmt.Errorf("%w: uid %d is empty", ErrUnparseable, raw.UID)
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: uid %d: %v", ErrUnparseable, raw.UID, err)
	}

	msg := &models.ParsedMessage{
		UID:        raw.UID,
		MessageID:  StripMessageID(envelope.GetHeader("Message-ID")),
		InReplyTo:  firstMessageID(envelope.GetHeader("In-Reply-To")),
		References: splitMessageIDs(envelope.GetHeader("References")),
		From:       envelope.GetHeader("From"),
		Subject:    envelope.GetHeader("Subject"),
		HTML:       envelope.HTML,
		Text:       envelope.Text,
	}

	if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}

	return msg, nil
}

// NormalizeMessageID returns the id in the <value> form used in headers.
func NormalizeMessageID(id string) string {
	stripped := StripMessageID(id)
	if stripped == "" {
		return ""
	}
	return "<" + stripped + ">"
}

// StripMessageID removes surrounding whitespace and angle brackets.
func StripMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

var bracketedID = regexp.MustCompile(`<[^<>]*>`)

// splitMessageIDs reads every <id> token, with or without whitespace between
// them. Headers from clients that drop the brackets fall back to fields.
func splitMessageIDs(header string) []string {
	tokens := bracketedID.FindAllString(header, -1)
	if len(tokens) == 0 {
		tokens = strings.Fields(header)
	}
	var ids []string
	for _, token := range tokens {
		if id := StripMessageID(token); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// In-Reply-To may carry more than one id; the first one is the direct parent.
func firstMessageID(header string) string {
	ids := splitMessageIDs(header)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
