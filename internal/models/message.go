package models

import "time"

// Attachment is a file carried inside a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Ref returns the content-less reference for the attachment.
func (a Attachment) Ref() AttachmentRef {
	return AttachmentRef{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   int64(len(a.Content)),
	}
}

// ParsedMessage is a fetched mailbox message decoded into the fields the
// approval workflow cares about.
type ParsedMessage struct {
	UID         uint32
	MessageID   string
	InReplyTo   string
	References  []string
	From        string
	Subject     string
	Date        time.Time
	HTML        string
	Text        string
	Attachments []Attachment
}

// ResolvedMessage is the original outbound message located by correlation id.
// It only lives for the duration of a broadcast.
type ResolvedMessage struct {
	CorrelationID string
	Subject       string
	HTMLBody      string
	Attachments   []Attachment
}
