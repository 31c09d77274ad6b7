// Package roster manages the named recipient lists: double opt-in
// subscriptions confirmed with an emailed code, removal, and bulk import.
package roster

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrAlreadySubscribed = errors.New("address is already subscribed")
	ErrNoEmailColumn     = errors.New("csv has no email column")
	ErrInvalidList       = errors.New("invalid list name")

	// ErrInvalidCode covers unknown addresses, wrong codes, expired codes and
	// codes that were already used.
	ErrInvalidCode = errors.New("invalid or expired confirmation code")
	// ErrTooManyAttempts is returned for the guess that used up the code.
	// A new code has to be requested.
	ErrTooManyAttempts = errors.New("too many wrong confirmation codes")
)

const (
	codeDigits         = 6
	defaultMaxAttempts = 5
)

type Store interface {
	Upsert(ctx context.Context, list, email string, codeHash []byte, expiresAt time.Time) error
	Get(ctx context.Context, list, email string) (*models.Subscriber, error)
	ConfirmWithCode(ctx context.Context, list, email string, codeHash []byte) error
	RecordFailedAttempt(ctx context.Context, list, email string, codeHash []byte, maxAttempts int) (int, error)
	ListConfirmed(ctx context.Context, list string) ([]string, error)
	Remove(ctx context.Context, list, email string) error
	ImportConfirmed(ctx context.Context, list string, emails []string) (int, error)
}

type Sender interface {
	Send(ctx context.Context, msg *mailer.Message) (string, error)
}

type Options struct {
	CodeTTL         time.Duration
	MaxCodeAttempts int
	SenderAddress   string
	SenderName      string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CodeTTL:         cfg.OTPTTL,
		MaxCodeAttempts: cfg.OTPMaxAttempts,
		SenderAddress:   cfg.ServiceAddress,
		SenderName:      cfg.ServiceName,
	}
}

type Service struct {
	opts   Options
	store  Store
	sender Sender
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewService(opts Options, store Store, sender Sender, logger logrus.FieldLogger) *Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 15 * time.Minute
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = defaultMaxAttempts
	}
	return &Service{
		opts:   opts,
		store:  store,
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe stores a pending entry on the list with a fresh code and emails
// the code. Asking again replaces the previous code and its attempt count.
func (s *Service) Subscribe(ctx context.Context, list, email string) error {
	list, addr, err := normalizeEntry(list, email)
	if err != nil {
		return err
	}

	existing, err := s.store.Get(ctx, list, addr)
	switch {
	case errors.Is(err, db.ErrSubscriberNotFound):
	case err != nil:
		return err
	case existing.Status == models.SubscriberConfirmed:
		return ErrAlreadySubscribed
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate confirmation code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash confirmation code: %w", err)
	}

	expiresAt := s.now().Add(s.opts.CodeTTL)
	if err := s.store.Upsert(ctx, list, addr, hash, expiresAt); err != nil {
		return err
	}

	msg := &mailer.Message{
		From:    mail.Address{Name: s.opts.SenderName, Address: s.opts.SenderAddress},
		To:      []mail.Address{{Address: addr}},
		Subject: fmt.Sprintf("Your %s confirmation code", s.opts.SenderName),
		HTML:    codeEmailHTML(code, s.opts.CodeTTL),
	}
	if _, err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send confirmation code: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"list": list, "email": addr}).Info("Roster: confirmation code sent")
	return nil
}

// Confirm moves a pending entry to confirmed when code matches the current,
// unexpired code. A code works once, and MaxCodeAttempts wrong guesses
// invalidate it.
func (s *Service) Confirm(ctx context.Context, list, email, code string) error {
	list, addr, err := normalizeEntry(list, email)
	if err != nil {
		return err
	}

	sub, err := s.store.Get(ctx, list, addr)
	if errors.Is(err, db.ErrSubscriberNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return err
	}

	if sub.Status != models.SubscriberPending || len(sub.CodeHash) == 0 || sub.CodeExpiresAt == nil {
		return ErrInvalidCode
	}
	if !s.now().Before(*sub.CodeExpiresAt) {
		return ErrInvalidCode
	}
	if bcrypt.CompareHashAndPassword(sub.CodeHash, []byte(strings.TrimSpace(code))) != nil {
		return s.recordFailedAttempt(ctx, sub)
	}

	if err := s.store.ConfirmWithCode(ctx, list, addr, sub.CodeHash); err != nil {
		if errors.Is(err, db.ErrCodeNotCurrent) {
			return ErrInvalidCode
		}
		return err
	}

	s.logger.WithFields(logrus.Fields{"list": list, "email": addr}).Info("Roster: subscriber confirmed")
	return nil
}

func (s *Service) recordFailedAttempt(ctx context.Context, sub *models.Subscriber) error {
	attempts, err := s.store.RecordFailedAttempt(ctx, sub.List, sub.Email, sub.CodeHash, s.opts.MaxCodeAttempts)
	if errors.Is(err, db.ErrCodeNotCurrent) {
		return ErrInvalidCode
	}
	if err != nil {
		return err
	}

	if attempts >= s.opts.MaxCodeAttempts {
		s.logger.WithFields(logrus.Fields{
			"list":     sub.List,
			"email":    sub.Email,
			"attempts": attempts,
		}).Warn("Roster: confirmation code invalidated after repeated wrong guesses")
		return ErrTooManyAttempts
	}
	return ErrInvalidCode
}

func (s *Service) Unsubscribe(ctx context.Context, list, email string) error {
	list, addr, err := normalizeEntry(list, email)
	if err != nil {
		return err
	}

	if err := s.store.Remove(ctx, list, addr); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"list": list, "email": addr}).Info("Roster: subscriber removed")
	return nil
}

func (s *Service) ListConfirmed(ctx context.Context, list string) ([]string, error) {
	name, ok := models.NormalizeListName(list)
	if !ok {
		return nil, ErrInvalidList
	}
	return s.store.ListConfirmed(ctx, name)
}

// ImportResult reports what ImportCSV did with each row.
type ImportResult struct {
	Rows     int
	Imported int
	Invalid  []string
}

// ImportCSV marks every address in the email column of r as confirmed on
// the list. The header row is required; the column name is matched
// case-insensitively.
func (s *Service) ImportCSV(ctx context.Context, list string, r io.Reader) (*ImportResult, error) {
	list, ok := models.NormalizeListName(list)
	if !ok {
		return nil, ErrInvalidList
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoEmailColumn
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	column := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), "email") {
			column = i
			break
		}
	}
	if column < 0 {
		return nil, ErrNoEmailColumn
	}

	result := &ImportResult{}
	seen := make(map[string]bool)
	var emails []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", result.Rows+2, err)
		}
		result.Rows++

		if column >= len(record) {
			result.Invalid = append(result.Invalid, "")
			continue
		}
		addr, err := normalizeEmail(record[column])
		if err != nil {
			result.Invalid = append(result.Invalid, record[column])
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		emails = append(emails, addr)
	}

	if len(emails) > 0 {
		imported, err := s.store.ImportConfirmed(ctx, list, emails)
		if err != nil {
			return nil, err
		}
		result.Imported = imported
	}

	s.logger.WithFields(logrus.Fields{
		"list":     list,
		"rows":     result.Rows,
		"imported": result.Imported,
		"invalid":  len(result.Invalid),
	}).Info("Roster: csv import finished")

	return result, nil
}

func normalizeEntry(list, email string) (string, string, error) {
	name, ok := models.NormalizeListName(list)
	if !ok {
		return "", "", ErrInvalidList
	}
	addr, err := normalizeEmail(email)
	if err != nil {
		return "", "", err
	}
	return name, addr, nil
}

// normalizeEmail accepts a bare address and returns it lowercased.
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func codeEmailHTML(code string, ttl time.Duration) string {
	return fmt.Sprintf(
		"<p>Your confirmation code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not ask to subscribe, ignore this email.</p>",
		code, int(ttl.Minutes()),
	)
}
