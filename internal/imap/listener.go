package imap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// State is the connection state of the inbox listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler scans the selected inbox. It runs on the listener's connection,
// so calls never overlap.
type Handler func(ctx context.Context, session *Session) error

var errIdleEnded = errors.New("idle ended without a stop request")

// Listener owns the long-lived inbox connection.
type Listener struct {
	opts           Options
	folder         string
	pollInterval   time.Duration
	reconnectDelay time.Duration
	handler        Handler
	logger         logrus.FieldLogger
	connect        func(Options, chan<- client.Update) (*Session, error)

	state atomic.Int32
}

func NewListener(opts Options, folder string, pollInterval, reconnectDelay time.Duration, handler Handler, logger logrus.FieldLogger) *Listener {
	return &Listener{
		opts:           opts,
		folder:         folder,
		pollInterval:   pollInterval,
		reconnectDelay: reconnectDelay,
		handler:        handler,
		logger:         logger,
		connect:        connectWithUpdates,
	}
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("Listener: state change")
	}
}

// Run keeps a session alive until ctx is cancelled, reconnecting after a
// constant delay whenever the connection fails. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	retry := backoff.WithContext(backoff.NewConstantBackOff(l.reconnectDelay), ctx)

	for {
		err := l.runSession(ctx)
		l.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}

		l.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Listener: connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Listener) runSession(ctx context.Context) error {
	l.setState(StateConnecting)

	// Updates must be consumed continuously or the client blocks; the
	// forwarder collapses any number of them into one pending signal.
	updates := make(chan client.Update, 16)
	signal := make(chan struct{}, 1)
	forwarderDone := make(chan struct{})
	go forwardMailboxUpdates(updates, signal, forwarderDone)

	session, err := l.connect(l.opts, updates)
	if err != nil {
		close(forwarderDone)
		return err
	}

	defer func() {
		l.setState(StateDraining)
		if err := session.Close(); err != nil {
			l.logger.WithError(err).Debug("Listener: logout failed")
		}
		close(forwarderDone)
	}()

	if err := session.Select(l.folder); err != nil {
		return err
	}

	l.setState(StateReady)
	l.logger.WithField("folder", l.folder).Info("Listener: ready")

	l.scan(ctx, session)
	drain(signal)

	for {
		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- session.idle(stop, l.pollInterval)
		}()

		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()

		case err := <-done:
			if err == nil {
				err = errIdleEnded
			}
			return fmt.Errorf("idle failed: %w", err)

		case <-signal:
			close(stop)
			if err := <-done; err != nil {
				return fmt.Errorf("failed to stop idle: %w", err)
			}
			drain(signal)
			l.scan(ctx, session)
		}
	}
}

func (l *Listener) scan(ctx context.Context, session *Session) {
	if err := l.handler(ctx, session); err != nil {
		l.logger.WithError(err).Error("Listener: scan failed")
	}
}

func forwardMailboxUpdates(updates <-chan client.Update, signal chan<- struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); !ok {
				continue
			}
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}
}

func drain(signal <-chan struct{}) {
	select {
	case <-signal:
	default:
	}
}
