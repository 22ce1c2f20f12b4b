// Package feed keeps a single authenticated subscription to the MDM event feed alive
// and turns its frames into decoded events.
package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/event"
	"github.com/mdmrelay/mdm-agent/internal/metrics"
)

const (
	defaultQueueSize        = 256
	defaultLivenessInterval = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// State is the subscriber's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Transport opens connections to the event feed.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live feed connection. Next and Handshake are only called from the
// subscriber's read goroutine; Ping may run concurrently with Next. Close must be
// idempotent and must unblock a pending Next.
type Conn interface {
	Handshake(ctx context.Context) error
	Next() ([]byte, error)
	Ping() error
	Close() error
}

// Options configures a Subscriber. Zero values take the defaults.
type Options struct {
	QueueSize        int
	LivenessInterval time.Duration
	HandshakeTimeout time.Duration
	Backoff          Backoff
	Logger           *log.Logger
}

// Subscriber owns the feed connection for the life of the process.
type Subscriber struct {
	transport        Transport
	events           chan event.Event
	backoff          Backoff
	liveness         time.Duration
	handshakeTimeout time.Duration
	logger           *log.Logger

	state    atomic.Int32
	attempts atomic.Int64
}

// NewSubscriber creates a subscriber reading from transport.
func NewSubscriber(transport Transport, opts Options) *Subscriber {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = defaultLivenessInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Subscriber{
		transport:        transport,
		events:           make(chan event.Event, opts.QueueSize),
		backoff:          opts.Backoff.withDefaults(),
		liveness:         opts.LivenessInterval,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger,
	}
}

// Events delivers decoded events in the order they were received.
func (s *Subscriber) Events() <-chan event.Event { return s.events }

// State returns the current connection state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Attempts returns how many connections have been attempted so far.
func (s *Subscriber) Attempts() int64 { return s.attempts.Load() }

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetFeedState(int(st))
}

// Run connects and reconnects until ctx is done. It only returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.backoff.Initial
	for {
		s.setState(StateConnecting)
		if s.attempts.Add(1) > 1 {
			metrics.IncFeedReconnect()
		}

		authenticated, err := s.session(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		if authenticated {
			delay = s.backoff.Initial
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.logger.Printf("Event feed authentication failed: %v", authErr)
		} else {
			s.logger.Printf("Event feed connection lost: %v", err)
		}

		s.setState(StateBackoff)
		s.logger.Printf("Reconnecting in %v...", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
		delay = s.backoff.Next(delay)
	}
}

// session runs one connection from dial to teardown. It reports whether the handshake
// succeeded. The connection and its liveness goroutine are gone when it returns.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return false, &ConnectionError{Op: "dial", Err: err}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	// Closing the connection is the only way to interrupt a blocked Next.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		conn.Close()
	}()

	s.setState(StateConnected)
	hsCtx, hsCancel := context.WithTimeout(sessCtx, s.handshakeTimeout)
	err = conn.Handshake(hsCtx)
	hsCancel()
	if err != nil {
		return false, err
	}
	s.logger.Println("Event feed connected and authenticated")

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.checkLiveness(sessCtx, conn, cancel)
	}()

	for {
		frame, err := conn.Next()
		if err != nil {
			return true, &ConnectionError{Op: "read", Err: err}
		}
		s.dispatch(frame)
	}
}

// checkLiveness pings at a fixed interval and tears the session down on failure.
func (s *Subscriber) checkLiveness(ctx context.Context, conn Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.liveness)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.logger.Printf("Event feed liveness check failed: %v", err)
				cancel()
				return
			}
		}
	}
}

// dispatch decodes a frame and hands it off without blocking the read loop.
func (s *Subscriber) dispatch(frame []byte) {
	ev, err := event.Decode(frame)
	if err != nil {
		s.logger.Printf("Skipping event: %v", err)
		metrics.IncFeedDecodeError()
		return
	}
	metrics.IncFeedEvent(ev.Kind.String())

	switch ev.Kind {
	case event.KindServerInfo:
		s.logger.Printf("Server message: %s", ev.Message)
	case event.KindUnclassified:
		s.logger.Printf("Unclassified event: %s", frame)
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Printf("Event queue full, dropping %s", ev.Summary())
		metrics.IncFeedDropped()
	}
}
