package roster

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
)

type entryKey struct {
	list  string
	email string
}

type memoryStore struct {
	mu   sync.Mutex
	subs map[entryKey]*models.Subscriber
	seq  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{subs: make(map[entryKey]*models.Subscriber)}
}

func (s *memoryStore) Upsert(ctx context.Context, list, email string, codeHash []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{list, email}
	sub, ok := s.subs[key]
	if ok && sub.Status == models.SubscriberConfirmed {
		return nil
	}
	if !ok {
		s.seq++
		sub = &models.Subscriber{List: list, Email: email, Status: models.SubscriberPending, CreatedAt: time.Unix(int64(s.seq), 0)}
		s.subs[key] = sub
	}
	sub.CodeHash = codeHash
	sub.CodeExpiresAt = &expiresAt
	sub.CodeAttempts = 0
	return nil
}

func (s *memoryStore) Get(ctx context.Context, list, email string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[entryKey{list, email}]
	if !ok {
		return nil, db.ErrSubscriberNotFound
	}
	c := *sub
	return &c, nil
}

func (s *memoryStore) ConfirmWithCode(ctx context.Context, list, email string, codeHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[entryKey{list, email}]
	if !ok || sub.Status != models.SubscriberPending || len(sub.CodeHash) == 0 || !bytes.Equal(sub.CodeHash, codeHash) {
		return db.ErrCodeNotCurrent
	}
	sub.Status = models.SubscriberConfirmed
	sub.CodeHash = nil
	sub.CodeExpiresAt = nil
	sub.CodeAttempts = 0
	return nil
}

func (s *memoryStore) RecordFailedAttempt(ctx context.Context, list, email string, codeHash []byte, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[entryKey{list, email}]
	if !ok || sub.Status != models.SubscriberPending || len(sub.CodeHash) == 0 || !bytes.Equal(sub.CodeHash, codeHash) {
		return 0, db.ErrCodeNotCurrent
	}
	sub.CodeAttempts++
	if sub.CodeAttempts >= maxAttempts {
		sub.CodeHash = nil
		sub.CodeExpiresAt = nil
	}
	return sub.CodeAttempts, nil
}

func (s *memoryStore) ListConfirmed(ctx context.Context, list string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var emails []string
	for key, sub := range s.subs {
		if key.list == list && sub.Status == models.SubscriberConfirmed {
			emails = append(emails, key.email)
		}
	}
	sort.Strings(emails)
	return emails, nil
}

func (s *memoryStore) Remove(ctx context.Context, list, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{list, email}
	if _, ok := s.subs[key]; !ok {
		return db.ErrSubscriberNotFound
	}
	delete(s.subs, key)
	return nil
}

func (s *memoryStore) ImportConfirmed(ctx context.Context, list string, emails []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, email := range emails {
		key := entryKey{list, email}
		sub, ok := s.subs[key]
		if ok && sub.Status == models.SubscriberConfirmed {
			continue
		}
		s.subs[key] = &models.Subscriber{List: list, Email: email, Status: models.SubscriberConfirmed}
		changed++
	}
	return changed, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*mailer.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "id@example.com", nil
}

var codePattern = regexp.MustCompile(`<strong>(\d{6})</strong>`)

func (s *recordingSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	m := codePattern.FindStringSubmatch(s.sent[len(s.sent)-1].HTML)
	require.Len(t, m, 2, "no code in confirmation email")
	return m[1]
}

func newTestService() (*Service, *memoryStore, *recordingSender, *time.Time) {
	store := newMemoryStore()
	sender := &recordingSender{}
	svc := NewService(Options{
		CodeTTL:         15 * time.Minute,
		MaxCodeAttempts: 3,
		SenderAddress:   "newsletter@example.com",
		SenderName:      "Mailgate",
	}, store, sender, logging.Discard())

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store, sender, &now
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestSubscribe(t *testing.T) {
	t.Run("stores a pending entry and emails a six digit code", func(t *testing.T) {
		svc, store, sender, now := newTestService()

		require.NoError(t, svc.Subscribe(context.Background(), models.DefaultList, " Reader@Example.com "))

		sub, err := store.Get(context.Background(), models.DefaultList, "reader@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriberPending, sub.Status)
		require.NotNil(t, sub.CodeExpiresAt)
		assert.Equal(t, now.Add(15*time.Minute), *sub.CodeExpiresAt)

		code := sender.lastCode(t)
		assert.NotContains(t, string(sub.CodeHash), code, "the code is stored hashed")
		assert.Equal(t, "reader@example.com", sender.sent[0].To[0].Address)
		assert.Equal(t, "newsletter@example.com", sender.sent[0].From.Address)
	})

	t.Run("rejects an already confirmed address", func(t *testing.T) {
		svc, store, sender, _ := newTestService()
		_, err := store.ImportConfirmed(context.Background(), models.DefaultList, []string{"reader@example.com"})
		require.NoError(t, err)

		err = svc.Subscribe(context.Background(), models.DefaultList, "reader@example.com")
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
		assert.Empty(t, sender.sent)
	})

	t.Run("rejects malformed addresses", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		for _, email := range []string{"", "not-an-address", "Name <reader@example.com>"} {
			assert.ErrorIs(t, svc.Subscribe(context.Background(), models.DefaultList, email), ErrInvalidEmail, email)
		}
	})

	t.Run("reports send failures", func(t *testing.T) {
		svc, _, sender, _ := newTestService()
		sender.err = errors.New("smtp down")

		err := svc.Subscribe(context.Background(), models.DefaultList, "reader@example.com")
		assert.ErrorContains(t, err, "smtp down")
	})
}

func TestConfirm(t *testing.T) {
	t.Run("succeeds once", func(t *testing.T) {
		svc, store, sender, _ := newTestService()
		ctx := context.Background()
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		code := sender.lastCode(t)

		require.NoError(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", code))

		confirmed, err := svc.ListConfirmed(ctx, models.DefaultList)
		require.NoError(t, err)
		assert.Equal(t, []string{"reader@example.com"}, confirmed)

		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", code), ErrInvalidCode)

		sub, err := store.Get(ctx, models.DefaultList, "reader@example.com")
		require.NoError(t, err)
		assert.Nil(t, sub.CodeHash)
	})

	t.Run("fails for a wrong code", func(t *testing.T) {
		svc, _, sender, _ := newTestService()
		ctx := context.Background()
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))

		err := svc.Confirm(ctx, models.DefaultList, "reader@example.com", wrongCode(sender.lastCode(t)))
		assert.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("fails once the code has expired", func(t *testing.T) {
		svc, _, sender, now := newTestService()
		ctx := context.Background()
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		code := sender.lastCode(t)

		*now = now.Add(15 * time.Minute)

		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", code), ErrInvalidCode)
	})

	t.Run("a resubscribe replaces the previous code", func(t *testing.T) {
		svc, _, sender, _ := newTestService()
		ctx := context.Background()
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		first := sender.lastCode(t)
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		second := sender.lastCode(t)

		if first != second {
			assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", first), ErrInvalidCode)
		}
		assert.NoError(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", second))
	})

	t.Run("repeated wrong guesses invalidate the code", func(t *testing.T) {
		svc, store, sender, _ := newTestService()
		ctx := context.Background()
		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		code := sender.lastCode(t)

		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", wrongCode(code)), ErrInvalidCode)
		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", wrongCode(code)), ErrInvalidCode)
		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", wrongCode(code)), ErrTooManyAttempts)

		assert.ErrorIs(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", code), ErrInvalidCode)
		sub, err := store.Get(ctx, models.DefaultList, "reader@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriberPending, sub.Status)
		assert.Nil(t, sub.CodeHash)

		require.NoError(t, svc.Subscribe(ctx, models.DefaultList, "reader@example.com"))
		assert.NoError(t, svc.Confirm(ctx, models.DefaultList, "reader@example.com", sender.lastCode(t)))
	})

	t.Run("fails for an unknown address", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		assert.ErrorIs(t, svc.Confirm(context.Background(), models.DefaultList, "nobody@example.com", "123456"), ErrInvalidCode)
	})
}

func TestUnsubscribe(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	_, err := store.ImportConfirmed(ctx, models.DefaultList, []string{"reader@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(ctx, models.DefaultList, "Reader@example.com"))

	confirmed, err := svc.ListConfirmed(ctx, models.DefaultList)
	require.NoError(t, err)
	assert.Empty(t, confirmed)

	assert.ErrorIs(t, svc.Unsubscribe(ctx, models.DefaultList, "reader@example.com"), db.ErrSubscriberNotFound)
}

func TestImportCSV(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantErr      error
		wantRows     int
		wantImported int
		wantInvalid  int
	}{
		{
			name:         "email column among others",
			input:        "name,Email\nAnn,ann@example.com\nBob,bob@example.com\n",
			wantRows:     2,
			wantImported: 2,
		},
		{
			name:         "duplicates and bad rows",
			input:        "email\nann@example.com\nANN@example.com\nnope\n\"\"\n",
			wantRows:     4,
			wantImported: 1,
			wantInvalid:  2,
		},
		{
			name:         "byte order mark before the header",
			input:        "\ufeffemail\nann@example.com\n",
			wantRows:     1,
			wantImported: 1,
		},
		{
			name:    "no email column",
			input:   "name\nAnn\n",
			wantErr: ErrNoEmailColumn,
		},
		{
			name:    "empty file",
			input:   "",
			wantErr: ErrNoEmailColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestService()

			result, err := svc.ImportCSV(context.Background(), models.DefaultList, strings.NewReader(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRows, result.Rows)
			assert.Equal(t, tt.wantImported, result.Imported)
			assert.Len(t, result.Invalid, tt.wantInvalid)
		})
	}
}

func TestListsAreSeparate(t *testing.T) {
	svc, _, sender, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Subscribe(ctx, "Staff", "reader@example.com"))
	require.NoError(t, svc.Confirm(ctx, "staff", "reader@example.com", sender.lastCode(t)))

	staff, err := svc.ListConfirmed(ctx, "staff")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader@example.com"}, staff)

	other, err := svc.ListConfirmed(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, svc.Subscribe(ctx, "", "reader@example.com"), "a confirmed address may join another list")
	require.NoError(t, svc.Unsubscribe(ctx, "", "reader@example.com"))

	_, err = svc.ListConfirmed(ctx, "../staff")
	assert.ErrorIs(t, err, ErrInvalidList)
	assert.ErrorIs(t, svc.Subscribe(ctx, "no spaces", "reader@example.com"), ErrInvalidList)

	result, err := svc.ImportCSV(ctx, "alumni", strings.NewReader("email\nold@example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	alumni, err := svc.ListConfirmed(ctx, "alumni")
	require.NoError(t, err)
	assert.Equal(t, []string{"old@example.com"}, alumni)
}
