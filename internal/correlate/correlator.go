// Package correlate matches asynchronous device acknowledgments to the commands that
// caused them.
//
// The event feed does not always carry the command UUID the server assigned, so matching
// falls back to (device, request type) and finally to the device alone. The fallbacks are
// heuristics: two commands in flight to the same device without UUIDs or request types
// in their acknowledgments can be confused. The most recently registered expectation wins
// in that case.
//
// Acknowledgments that match nothing are held briefly per device, because a fast device
// can answer before the submitter has registered its expectation.
package correlate

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/command"
	"github.com/mdmrelay/mdm-agent/internal/event"
	"github.com/mdmrelay/mdm-agent/internal/metrics"
)

const (
	DefaultSweepInterval = 500 * time.Millisecond
	DefaultMinTimeout    = time.Second

	// An acknowledgment can arrive between the server accepting a command and the
	// expectation being registered. Unmatched acknowledgments are held this long so
	// Register can still claim them.
	earlyWindow    = 10 * time.Second
	maxEarlyEvents = 8 // per device
)

// Options configures a Correlator. Zero values take the defaults.
type Options struct {
	SweepInterval time.Duration
	MinTimeout    time.Duration
	Logger        *log.Logger
}

// Handle is a pending expectation for one submitted command.
type Handle struct {
	Token       string
	DeviceID    string
	Tag         command.Tag
	CommandUUID string
	Registered  time.Time
	Deadline    time.Time

	seq      uint64
	seen     bool
	resolved bool
	outcome  Outcome
	done     chan struct{}
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the resolution, if any.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

type key struct {
	device string
	tag    command.Tag
}

// Correlator owns the table of pending expectations. All table mutations happen under
// a single mutex: registration runs on submitting goroutines while offers arrive from the
// feed goroutine.
type Correlator struct {
	mu     sync.Mutex
	byKey  map[key]*Handle
	byUUID map[string]*Handle
	early  map[string][]event.Event // unmatched acknowledgments by device
	seq    uint64

	sweepInterval time.Duration
	minTimeout    time.Duration
	logger        *log.Logger
}

// New creates a Correlator. The sweep interval may not exceed the minimum timeout,
// otherwise a short-lived expectation could outlive its deadline by a whole sweep.
func New(opts Options) (*Correlator, error) {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = DefaultMinTimeout
	}
	if opts.SweepInterval > opts.MinTimeout {
		return nil, errors.New("correlate: sweep interval exceeds minimum command timeout")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Correlator{
		byKey:         make(map[key]*Handle),
		byUUID:        make(map[string]*Handle),
		early:         make(map[string][]event.Event),
		sweepInterval: opts.SweepInterval,
		minTimeout:    opts.MinTimeout,
		logger:        opts.Logger,
	}, nil
}

// Register records an expectation for cmd that expires after timeout. An outstanding
// expectation for the same device and request type is resolved as Superseded; the
// older command still runs on the device, we just stop waiting for it.
func (c *Correlator) Register(cmd command.Command, timeout time.Duration) *Handle {
	if timeout < c.minTimeout {
		timeout = c.minTimeout
	}
	now := time.Now()
	h := &Handle{
		Token:       cmd.Token,
		DeviceID:    cmd.DeviceID,
		Tag:         cmd.Tag,
		CommandUUID: cmd.CommandUUID,
		Registered:  now,
		Deadline:    now.Add(timeout),
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{device: cmd.DeviceID, tag: cmd.Tag}
	if prev, ok := c.byKey[k]; ok {
		c.logger.Printf("Command %s for %s superseded by %s", prev.Tag, prev.DeviceID, h.Token)
		c.resolveLocked(prev, Outcome{Status: Superseded, Detail: "superseded by " + h.Token})
	}
	c.seq++
	h.seq = c.seq
	c.byKey[k] = h
	if h.CommandUUID != "" {
		c.byUUID[h.CommandUUID] = h
	}
	metrics.SetPending(len(c.byKey))

	if ev, ok := c.claimEarlyLocked(h, cmd.SubmittedAt); ok {
		c.logger.Printf("Acknowledgment for %s on %s arrived before registration", h.Tag, h.DeviceID)
		c.resolveLocked(h, outcomeFor(ev))
	}
	return h
}

// Offer hands a decoded feed event to the correlator. It reports whether the event
// matched a pending expectation.
func (c *Correlator) Offer(ev event.Event) bool {
	switch ev.Kind {
	case event.KindCheckin:
		c.markSeen(ev.DeviceID)
		return false
	case event.KindAcknowledgment:
	default:
		return false
	}
	if ev.Status == event.StatusIdle {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.matchLocked(ev)
	if h == nil {
		c.logger.Printf("No pending command for event: %s", ev.Summary())
		metrics.IncCorrelationMiss(ev.Kind.String())
		if ev.Status != event.StatusNotNow {
			c.holdEarlyLocked(ev)
		}
		return false
	}
	if ev.Status == event.StatusNotNow {
		h.seen = true
		c.logger.Printf("Device %s answered NotNow to %s, still waiting", h.DeviceID, h.Tag)
		return true
	}
	c.resolveLocked(h, outcomeFor(ev))
	return true
}

// matchLocked finds the expectation an acknowledgment belongs to.
func (c *Correlator) matchLocked(ev event.Event) *Handle {
	if ev.CommandUUID != "" {
		if h, ok := c.byUUID[ev.CommandUUID]; ok {
			return h
		}
	}
	if ev.DeviceID == "" {
		return nil
	}
	if ev.CommandType != "" {
		h := c.byKey[key{device: ev.DeviceID, tag: command.Tag(ev.CommandType)}]
		if h != nil && compatible(h, ev) {
			return h
		}
		return nil
	}
	var best *Handle
	for k, h := range c.byKey {
		if k.device != ev.DeviceID || !compatible(h, ev) {
			continue
		}
		if best == nil || h.seq > best.seq {
			best = h
		}
	}
	return best
}

// holdEarlyLocked keeps an unmatched acknowledgment for a later Register.
func (c *Correlator) holdEarlyLocked(ev event.Event) {
	if ev.DeviceID == "" {
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	held := append(c.early[ev.DeviceID], ev)
	if len(held) > maxEarlyEvents {
		held = held[len(held)-maxEarlyEvents:]
	}
	c.early[ev.DeviceID] = held
}

// claimEarlyLocked removes and returns the oldest held acknowledgment that h can
// accept. Events received before the command was submitted belong to something else.
func (c *Correlator) claimEarlyLocked(h *Handle, submitted time.Time) (event.Event, bool) {
	held := c.early[h.DeviceID]
	for i, ev := range held {
		if ev.ReceivedAt.Before(submitted) || time.Since(ev.ReceivedAt) > earlyWindow {
			continue
		}
		if ev.CommandUUID != "" && ev.CommandUUID != h.CommandUUID {
			continue
		}
		if ev.CommandType != "" && command.Tag(ev.CommandType) != h.Tag {
			continue
		}
		held = append(held[:i:i], held[i+1:]...)
		if len(held) == 0 {
			delete(c.early, h.DeviceID)
		} else {
			c.early[h.DeviceID] = held
		}
		return ev, true
	}
	return event.Event{}, false
}

// pruneEarlyLocked drops held acknowledgments older than the early window.
func (c *Correlator) pruneEarlyLocked(now time.Time) {
	for device, held := range c.early {
		kept := held[:0]
		for _, ev := range held {
			if now.Sub(ev.ReceivedAt) <= earlyWindow {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(c.early, device)
		} else {
			c.early[device] = kept
		}
	}
}

// compatible rejects handles whose known command UUID contradicts the event's.
func compatible(h *Handle, ev event.Event) bool {
	return h.CommandUUID == "" || ev.CommandUUID == "" || h.CommandUUID == ev.CommandUUID
}

func (c *Correlator) markSeen(deviceID string) {
	if deviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, h := range c.byKey {
		if k.device == deviceID {
			h.seen = true
		}
	}
}

// resolveLocked removes h from the table and publishes its outcome. It is a no-op for
// an already resolved handle, so every handle resolves exactly once.
func (c *Correlator) resolveLocked(h *Handle, o Outcome) bool {
	if h.resolved {
		return false
	}
	h.resolved = true

	k := key{device: h.DeviceID, tag: h.Tag}
	if c.byKey[k] == h {
		delete(c.byKey, k)
	}
	if h.CommandUUID != "" && c.byUUID[h.CommandUUID] == h {
		delete(c.byUUID, h.CommandUUID)
	}

	o.ResolvedAt = time.Now()
	o.DeviceSeen = o.DeviceSeen || h.seen
	h.outcome = o
	close(h.done)

	metrics.SetPending(len(c.byKey))
	metrics.ObserveOutcome(o.Status.String(), o.ResolvedAt.Sub(h.Registered))
	return true
}

// Await blocks until h resolves. The expectation's own deadline bounds the wait; ctx
// cancellation removes the expectation and returns ctx.Err() with a Cancelled outcome.
func (c *Correlator) Await(ctx context.Context, h *Handle) (Outcome, error) {
	timer := time.NewTimer(time.Until(h.Deadline))
	defer timer.Stop()

	select {
	case <-h.done:
		return h.outcome, nil
	case <-timer.C:
		c.expire(h)
		<-h.done
		return h.outcome, nil
	case <-ctx.Done():
		c.Cancel(h)
		<-h.done
		if h.outcome.Status != Cancelled {
			// resolved concurrently with the cancellation
			return h.outcome, nil
		}
		return h.outcome, ctx.Err()
	}
}

// Cancel drops the expectation. It reports whether h was still pending.
func (c *Correlator) Cancel(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(h, Outcome{Status: Cancelled})
}

// CancelAll drops every pending expectation, used at shutdown.
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.byKey {
		if c.resolveLocked(h, Outcome{Status: Cancelled, Detail: "agent shutting down"}) {
			n++
		}
	}
	return n
}

func (c *Correlator) expire(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolveLocked(h, Outcome{Status: Timeout}) {
		c.logger.Printf("Command %s for %s timed out", h.Tag, h.DeviceID)
	}
}

// Sweep resolves every expectation whose deadline is at or before now.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneEarlyLocked(now)
	n := 0
	for _, h := range c.byKey {
		if now.Before(h.Deadline) {
			continue
		}
		if c.resolveLocked(h, Outcome{Status: Timeout}) {
			c.logger.Printf("Command %s for %s timed out", h.Tag, h.DeviceID)
			n++
		}
	}
	return n
}

// Run sweeps expired expectations until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Consume offers events from the feed in arrival order until ctx is done or the
// channel is closed.
func (c *Correlator) Consume(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Offer(ev)
		}
	}
}

// Len returns the number of pending expectations.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Pending describes an outstanding expectation.
type Pending struct {
	Token       string      `json:"token"`
	DeviceID    string      `json:"udid"`
	Tag         command.Tag `json:"tag"`
	CommandUUID string      `json:"commandUuid,omitempty"`
	Registered  time.Time   `json:"registered"`
	Deadline    time.Time   `json:"deadline"`
	DeviceSeen  bool        `json:"deviceSeen"`
}

// Pending returns the outstanding expectations, oldest first.
func (c *Correlator) Pending() []Pending {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.byKey))
	for _, h := range c.byKey {
		handles = append(handles, h)
	}
	out := make([]Pending, 0, len(handles))
	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })
	for _, h := range handles {
		out = append(out, Pending{
			Token:       h.Token,
			DeviceID:    h.DeviceID,
			Tag:         h.Tag,
			CommandUUID: h.CommandUUID,
			Registered:  h.Registered,
			Deadline:    h.Deadline,
			DeviceSeen:  h.seen,
		})
	}
	c.mu.Unlock()
	return out
}
