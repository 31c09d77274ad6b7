package approval

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

type fakeMessage struct {
	raw     []byte
	from    string
	seen    bool
	readErr error
}

// fakeMailbox is an inbox that honours Unseen and From like an IMAP server would.
type fakeMailbox struct {
	mu       sync.Mutex
	messages map[uint32]*fakeMessage
	nextUID  uint32
	searches int
	onSearch func()
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[uint32]*fakeMessage), nextUID: 1}
}

func (m *fakeMailbox) add(msg testutil.Message) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := m.nextUID
	m.nextUID++
	m.messages[uid] = &fakeMessage{raw: msg.Bytes(), from: msg.From, seen: msg.Seen}
	return uid
}

func (m *fakeMailbox) addRaw(raw []byte, from string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := m.nextUID
	m.nextUID++
	m.messages[uid] = &fakeMessage{raw: raw, from: from}
	return uid
}

func (m *fakeMailbox) addUnreadable(from string, err error) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := m.nextUID
	m.nextUID++
	m.messages[uid] = &fakeMessage{from: from, readErr: err}
	return uid
}

func (m *fakeMailbox) isSeen(uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[uid].seen
}

func (m *fakeMailbox) Search(criteria imap.Criteria) ([]uint32, error) {
	if m.onSearch != nil {
		m.onSearch()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++

	var uids []uint32
	for uid := uint32(1); uid < m.nextUID; uid++ {
		msg := m.messages[uid]
		if criteria.Unseen && msg.seen {
			continue
		}
		if criteria.From != "" && !containsFold(msg.from, criteria.From) {
			continue
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

func (m *fakeMailbox) MarkSeen(uids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		m.messages[uid].seen = true
	}
	return nil
}

func (m *fakeMailbox) Fetch(uids []uint32) ([]imap.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raws := make([]imap.RawMessage, 0, len(uids))
	for _, uid := range uids {
		msg := m.messages[uid]
		raws = append(raws, imap.RawMessage{UID: uid, Body: msg.raw, Err: msg.readErr})
	}
	return raws, nil
}

type mockApprovals struct {
	mock.Mock
}

func (m *mockApprovals) FindByCorrelationID(ctx context.Context, correlationID string) (*models.PendingApproval, error) {
	args := m.Called(ctx, correlationID)
	approval, _ := args.Get(0).(*models.PendingApproval)
	return approval, args.Error(1)
}

func (m *mockApprovals) MarkResolved(ctx context.Context, correlationID string, outcome models.ApprovalStatus) error {
	args := m.Called(ctx, correlationID, outcome)
	return args.Error(0)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveOriginal(ctx context.Context, correlationID string) (*models.ResolvedMessage, error) {
	args := m.Called(ctx, correlationID)
	msg, _ := args.Get(0).(*models.ResolvedMessage)
	return msg, args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, list string, msg *models.ResolvedMessage, cc string) (*models.BroadcastJob, error) {
	args := m.Called(ctx, list, msg, cc)
	job, _ := args.Get(0).(*models.BroadcastJob)
	return job, args.Error(1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.OperatorEvent
}

func (n *recordingNotifier) Publish(event models.OperatorEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []models.OperatorEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []models.OperatorEventType
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
