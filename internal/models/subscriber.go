package models

import (
	"regexp"
	"strings"
	"time"
)

// DefaultList is the roster used when a request names no list.
const DefaultList = "default"

var listNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// NormalizeListName lowercases a list name and maps an empty one to
// DefaultList. It reports false for names that cannot key a roster.
func NormalizeListName(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultList, true
	}
	return name, listNamePattern.MatchString(name)
}

// SubscriberStatus is the opt-in state of a roster entry.
type SubscriberStatus string

const (
	SubscriberPending   SubscriberStatus = "pending"
	SubscriberConfirmed SubscriberStatus = "confirmed"
)

// Subscriber is one entry of a recipient roster. An address may appear on
// several lists, each with its own opt-in.
// CodeHash holds the bcrypt hash of the current one-time code, or nil once it
// has been used or invalidated. CodeAttempts counts wrong guesses against it.
type Subscriber struct {
	List          string           `json:"list"`
	Email         string           `json:"email"`
	Status        SubscriberStatus `json:"status"`
	CodeHash      []byte           `json:"-"`
	CodeExpiresAt *time.Time       `json:"-"`
	CodeAttempts  int              `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
