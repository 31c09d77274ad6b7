// Package mailer composes MIME messages and submits them over SMTP.
package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailgate/internal/models"
)

// Message is an outbound email. Bcc addresses only reach the SMTP envelope
// and never appear in the headers.
type Message struct {
	// MessageID is stored without angle brackets. Send fills it in when empty.
	MessageID   string
	From        mail.Address
	To          []mail.Address
	Cc          []mail.Address
	Bcc         []string
	Subject     string
	HTML        string
	Attachments []models.Attachment
	Date        time.Time
}

// Recipients returns every envelope recipient, deduplicated case-insensitively.
func (m *Message) Recipients() []string {
	seen := make(map[string]bool)
	var rcpts []string
	add := func(addr string) {
		key := strings.ToLower(strings.TrimSpace(addr))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		rcpts = append(rcpts, addr)
	}

	for _, a := range m.To {
		add(a.Address)
	}
	for _, a := range m.Cc {
		add(a.Address)
	}
	for _, a := range m.Bcc {
		add(a)
	}
	return rcpts
}

// NewMessageID returns a fresh bracket-less Message-ID in domain.
func NewMessageID(domain string) string {
	return uuid.NewString() + "@" + domain
}

// DomainOf returns the part after the last @ of an address.
func DomainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return address
}

// Compose renders msg as RFC 5322 bytes.
func Compose(msg *Message) ([]byte, error) {
	if msg.From.Address == "" {
		return nil, errors.New("message has no sender")
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		return nil, errors.New("message has no visible recipient")
	}

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	b := enmime.Builder().
		From(msg.From.Name, msg.From.Address).
		Subject(msg.Subject).
		HTML([]byte(msg.HTML)).
		Date(date)

	if len(msg.To) > 0 {
		b = b.ToAddrs(msg.To)
	}
	if len(msg.Cc) > 0 {
		b = b.CCAddrs(msg.Cc)
	}
	for _, a := range msg.Attachments {
		b = b.AddAttachment(a.Content, a.ContentType, a.Filename)
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	if msg.MessageID != "" {
		root.Header.Set("Message-ID", "<"+msg.MessageID+">")
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return buf.Bytes(), nil
}
