package compose

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

type mockApprovals struct {
	mock.Mock
}

func (m *mockApprovals) Append(ctx context.Context, approval *models.PendingApproval) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

type recordingSentFolder struct {
	mu   sync.Mutex
	raws [][]byte
	err  error
}

func (f *recordingSentFolder) AppendSent(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.raws = append(f.raws, raw)
	return nil
}

func newSMTPSender(server *testutil.TestSMTPServer) *mailer.SMTPSender {
	return mailer.NewSMTPSender(mailer.Options{
		Server:      server.Address,
		TLSMode:     "none",
		DialTimeout: 2 * time.Second,
		HelloName:   "mailgate.example.com",
		Sender:      "newsletter@mailgate.example.com",
	}, logging.Discard())
}

var testOptions = Options{
	ServiceAddress:     "newsletter@mailgate.example.com",
	ServiceName:        "Mailgate",
	ApproverAddress:    "boss@example.com",
	MaxAttachmentBytes: 1024,
}

func validRequest() Request {
	return Request{
		List:        "Staff",
		SenderName:  "Ann",
		SenderEmail: "Ann@Example.com",
		Subject:     "Quarterly update",
		HTML:        "<p>Numbers are up</p>",
		Attachments: []models.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4 fake")},
		},
	}
}

func TestSubmit(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	approvals := new(mockApprovals)
	approvals.On("Append", mock.Anything, mock.AnythingOfType("*models.PendingApproval")).Return(nil)
	sent := &recordingSentFolder{}

	svc := NewService(testOptions, newSMTPSender(server), approvals, sent, logging.Discard())

	approval, err := svc.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	t.Run("records a pending approval keyed by the outbound Message-ID", func(t *testing.T) {
		assert.True(t, strings.HasSuffix(approval.CorrelationID, "@mailgate.example.com"))
		assert.False(t, strings.HasPrefix(approval.CorrelationID, "<"))
		assert.Equal(t, models.ApprovalPending, approval.Status)
		assert.Equal(t, "ann@example.com", approval.SenderEmail)
		assert.Equal(t, "Ann", approval.SenderName)
		assert.Equal(t, "staff", approval.List)
		assert.Equal(t, []models.AttachmentRef{
			{Filename: "report.pdf", ContentType: "application/pdf", SizeBytes: int64(len("%PDF-1.4 fake"))},
		}, approval.Attachments)
		approvals.AssertNumberOfCalls(t, "Append", 1)
	})

	t.Run("mails the approver with the composed content", func(t *testing.T) {
		messages := server.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, []string{"boss@example.com"}, messages[0].To)

		env, err := enmime.ReadEnvelope(bytes.NewReader(messages[0].Data))
		require.NoError(t, err)
		assert.Equal(t, "Quarterly update", env.GetHeader("Subject"))
		assert.Contains(t, env.GetHeader("From"), "Ann via Mailgate")
		assert.Contains(t, env.GetHeader("From"), "newsletter@mailgate.example.com")
		assert.Equal(t, "<"+approval.CorrelationID+">", env.GetHeader("Message-ID"))
		assert.Contains(t, env.HTML, "<p>Numbers are up</p>")
		require.Len(t, env.Attachments, 1)
		assert.Equal(t, "report.pdf", env.Attachments[0].FileName)
	})

	t.Run("copies the message to the sent folder", func(t *testing.T) {
		require.Len(t, sent.raws, 1)
		env, err := enmime.ReadEnvelope(bytes.NewReader(sent.raws[0]))
		require.NoError(t, err)
		assert.Equal(t, "<"+approval.CorrelationID+">", env.GetHeader("Message-ID"))
	})
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(r *Request)
		wantErr error
	}{
		{
			name:    "missing sender",
			modify:  func(r *Request) { r.SenderEmail = "" },
			wantErr: ErrMissingSender,
		},
		{
			name:    "malformed sender",
			modify:  func(r *Request) { r.SenderEmail = "ann" },
			wantErr: ErrMissingSender,
		},
		{
			name:    "blank subject",
			modify:  func(r *Request) { r.Subject = "   " },
			wantErr: ErrMissingSubject,
		},
		{
			name:    "list name that cannot key a roster",
			modify:  func(r *Request) { r.List = "../staff" },
			wantErr: ErrInvalidList,
		},
		{
			name: "attachments over the limit",
			modify: func(r *Request) {
				r.Attachments = append(r.Attachments, models.Attachment{Filename: "big.bin", Content: make([]byte, 1024)})
			},
			wantErr: ErrAttachmentsTooBig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewTestSMTPServer(t)
			approvals := new(mockApprovals)
			svc := NewService(testOptions, newSMTPSender(server), approvals, nil, logging.Discard())

			req := validRequest()
			tt.modify(&req)

			_, err := svc.Submit(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, server.Messages())
			approvals.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmitDefaultsToDefaultList(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	approvals := new(mockApprovals)
	approvals.On("Append", mock.Anything, mock.AnythingOfType("*models.PendingApproval")).Return(nil)
	svc := NewService(testOptions, newSMTPSender(server), approvals, nil, logging.Discard())

	req := validRequest()
	req.List = ""
	approval, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultList, approval.List)
}

func TestSubmitSendFailureRecordsNothing(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	server.Backend.FailNextData(errors.New("mailbox unavailable"))
	approvals := new(mockApprovals)

	svc := NewService(testOptions, newSMTPSender(server), approvals, nil, logging.Discard())

	_, err := svc.Submit(context.Background(), validRequest())
	assert.Error(t, err)
	approvals.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestSubmitSentFolderFailureStillRecords(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	approvals := new(mockApprovals)
	approvals.On("Append", mock.Anything, mock.Anything).Return(nil)
	sent := &recordingSentFolder{err: errors.New("imap down")}

	svc := NewService(testOptions, newSMTPSender(server), approvals, sent, logging.Discard())

	approval, err := svc.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, approval.CorrelationID)
	approvals.AssertNumberOfCalls(t, "Append", 1)
}

func TestFromName(t *testing.T) {
	assert.Equal(t, "Ann via Mailgate", fromName(" Ann ", "ann@example.com", "Mailgate"))
	assert.Equal(t, "ann@example.com via Mailgate", fromName("", "ann@example.com", "Mailgate"))
}
