package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server listening on a random local port.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts a server with the memory backend and stops it when
// the test finishes. The backend's only user is "username" / "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

func (s *TestIMAPServer) Username() string {
	return s.username
}

func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect opens a logged-in client for test setup and inspection.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Logout()
	})

	return c
}

// CreateFolder creates a mailbox unless it already exists.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(name, true); err == nil {
		return
	}
	if err := c.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// AddRawMessage appends raw to folder and returns its UID.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folder string, raw []byte, seen bool) uint32 {
	t.Helper()

	c := s.Connect(t)

	var flags []string
	if seen {
		flags = []string{imap.SeenFlag}
	}
	if err := c.Append(folder, flags, time.Now(), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search folder: %v", err)
	}

	// The newest message carries the highest UID.
	var newest uint32
	for _, uid := range uids {
		if uid > newest {
			newest = uid
		}
	}
	if newest == 0 {
		t.Fatalf("Message not found after append")
	}
	return newest
}

// AddMessage appends a plain-text message with the given headers and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, msg Message) uint32 {
	t.Helper()
	return s.AddRawMessage(t, folder, msg.Bytes(), msg.Seen)
}

// IsSeen reports whether the message with uid in folder carries \Seen.
func (s *TestIMAPServer) IsSeen(t *testing.T, folder string, uid uint32) bool {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	if err := c.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}

	for msg := range messages {
		for _, flag := range msg.Flags {
			if flag == imap.SeenFlag {
				return true
			}
		}
	}
	return false
}

// Message describes a simple test message.
type Message struct {
	MessageID  string
	InReplyTo  string
	References string
	From       string
	To         string
	Subject    string
	HTML       string
	Text       string
	Date       time.Time
	Seen       bool
}

// Bytes renders the message as RFC 5322 text. HTML wins over Text when both are set.
func (m Message) Bytes() []byte {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	if m.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(m.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(m.Text)
	}
	b.WriteString("\r\n")

	return []byte(b.String())
}
