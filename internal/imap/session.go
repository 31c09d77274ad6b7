package imap

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// Criteria is the subset of IMAP SEARCH keys the workflow needs.
// Zero values are ignored.
type Criteria struct {
	Unseen bool
	From   string
	Since  time.Time
	// Header holds exact header matches, for example Message-ID.
	Header map[string]string
}

func (c Criteria) toIMAP() *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if c.Unseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if c.From != "" {
		criteria.Header.Add("From", c.From)
	}
	if !c.Since.IsZero() {
		criteria.Since = c.Since
	}
	for key, value := range c.Header {
		criteria.Header.Add(key, value)
	}
	return criteria
}

// RawMessage is a fetched message before MIME parsing. Err is set, and Body
// is nil, when the server returned the UID but its body could not be read.
type RawMessage struct {
	UID  uint32
	Body []byte
	Err  error
}

// Session is one authenticated IMAP connection. It is not safe for concurrent use.
type Session struct {
	client  *client.Client
	mailbox string
}

// Select opens a folder read-write so flags can be changed.
func (s *Session) Select(folder string) error {
	if _, err := s.client.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	s.mailbox = folder
	return nil
}

// Mailbox returns the selected folder name.
func (s *Session) Mailbox() string {
	return s.mailbox
}

// Search returns matching UIDs in ascending order.
func (s *Session) Search(criteria Criteria) ([]uint32, error) {
	uids, err := s.client.UidSearch(criteria.toIMAP())
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchByArrival orders hits by ARRIVAL when the server has SORT, and falls
// back to ascending UID, which is arrival order within one folder.
func (s *Session) SearchByArrival(criteria Criteria) ([]uint32, error) {
	sortClient := sortthread.NewSortClient(s.client)

	supported, err := sortClient.SupportSort()
	if err != nil || !supported {
		return s.Search(criteria)
	}

	uids, err := sortClient.UidSort(
		[]sortthread.SortCriterion{{Field: sortthread.SortArrival}},
		criteria.toIMAP(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sort: %w", err)
	}

	return uids, nil
}

// Fetch downloads full messages without setting \Seen. A message whose body
// cannot be read is still returned, with Err set, so callers can report it.
func (s *Session) Fetch(uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return []RawMessage{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	result := collectMessages(messages, len(uids))

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// collectMessages drains messages until the channel closes and returns them
// ordered by UID.
func collectMessages(messages <-chan *imap.Message, capacity int) []RawMessage {
	result := make([]RawMessage, 0, capacity)
	for msg := range messages {
		body, err := readBody(msg)
		if err != nil {
			result = append(result, RawMessage{UID: msg.Uid, Err: err})
			continue
		}
		result = append(result, RawMessage{UID: msg.Uid, Body: body})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result
}

// Only one body section is requested, so the first literal is the whole message.
func readBody(msg *imap.Message) ([]byte, error) {
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		return io.ReadAll(literal)
	}
	return nil, fmt.Errorf("message %d has no body", msg.Uid)
}

// MarkSeen adds the \Seen flag to the given UIDs.
func (s *Session) MarkSeen(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}

	return nil
}

// Append stores a raw RFC 5322 message in folder, flagged as seen.
func (s *Session) Append(folder string, raw []byte) error {
	if err := s.client.Append(folder, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}

// idle blocks until stop is closed or the connection fails. Servers without
// IDLE are polled with NOOP every pollInterval.
func (s *Session) idle(stop <-chan struct{}, pollInterval time.Duration) error {
	return idle.NewClient(s.client).IdleWithFallback(stop, pollInterval)
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout(); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}
