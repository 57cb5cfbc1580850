// Package syncchan keeps a websocket push connection to the poll server and
// feeds its broadcasts into the poll store.
package syncchan

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/pollsync/internal/pollstore"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxAttempts    = 10
	DefaultResyncAfter    = 5 * time.Second

	// DefaultReadTimeout drops a connection that has been silent (no message
	// and no ping) for this long
	DefaultReadTimeout = 60 * time.Second

	writeWait   = 10 * time.Second
	dedupWindow = 128
)

// Sink receives decoded broadcasts. *pollstore.Store implements it.
type Sink interface {
	MergeAuthoritative(snap pollstore.Snapshot) bool
	UpsertCreated(p pollstore.Poll) bool
	Remove(pollID int64) bool
}

// Status is the connection state reported to observers
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusDegraded means MaxAttempts consecutive connection attempts failed.
	// The channel keeps retrying at the maximum backoff.
	StatusDegraded
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDegraded:
		return "degraded"
	case StatusClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Options configures a Channel. Zero values fall back to the defaults above.
type Options struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	ResyncAfter    time.Duration
	ReadTimeout    time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header

	// OnStatus is called on every status transition
	OnStatus func(Status)
	// OnResync is called after a reconnect when the connection was down for
	// longer than ResyncAfter, so the caller can refetch the full list
	OnResync func()
}

// Channel is a self-healing push subscription
type Channel struct {
	sink Sink
	opts Options

	mu      sync.Mutex
	status  Status
	closing bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	recent map[string]struct{}
	ring   []string
	next   int
}

// New creates a channel that delivers into sink. Call Start to connect.
func New(sink Sink, opts Options) *Channel {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ResyncAfter <= 0 {
		opts.ResyncAfter = DefaultResyncAfter
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		sink:   sink,
		opts:   opts,
		recent: make(map[string]struct{}, dedupWindow),
		ring:   make([]string, dedupWindow),
	}
}

// Start launches the connection loop. It returns immediately; the loop runs
// until ctx is done or Close is called. Calling Start twice is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil || c.closing {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close stops reconnecting, closes the socket and waits for the loop to exit
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setStatus(StatusClosed)
}

// Status returns the current connection state
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	log.Debug().Str("status", s.String()).Msg("push channel status")
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Channel) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	b := c.newBackoff()
	failures := 0
	var lostAt time.Time

	c.setStatus(StatusConnecting)
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			failures++
			if lostAt.IsZero() {
				lostAt = time.Now()
			}
			log.Warn().Err(err).Int("attempt", failures).Str("url", c.opts.URL).Msg("push connection failed")
			if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
				c.setStatus(StatusDegraded)
			} else if c.Status() != StatusDegraded {
				c.setStatus(StatusReconnecting)
			}
		} else {
			failures = 0
			b.Reset()
			if !c.attach(conn) {
				conn.Close()
				return
			}
			c.setStatus(StatusConnected)
			log.Info().Str("url", c.opts.URL).Msg("push channel connected")

			if !lostAt.IsZero() && time.Since(lostAt) > c.opts.ResyncAfter && c.opts.OnResync != nil {
				log.Info().Dur("gap", time.Since(lostAt)).Msg("push gap exceeded resync threshold")
				c.opts.OnResync()
			}
			lostAt = time.Time{}

			err = c.readLoop(conn)
			c.detach()
			if ctx.Err() != nil {
				return
			}
			lostAt = time.Now()
			log.Warn().Err(err).Msg("push connection lost")
			c.setStatus(StatusReconnecting)
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attach publishes conn so Close can interrupt reads. Reports false when the
// channel was closed meanwhile.
func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	extend := func() { conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		c.handle(msg)
	}
}

// handle decodes and dispatches one message. Malformed input is logged and
// dropped.
func (c *Channel) handle(msg []byte) {
	events, err := Decode(msg)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(msg)).Msg("skipping malformed push message")
	}
	if countsOnly(events) && c.seen(msg) {
		log.Debug().Msg("dropping duplicate push message")
		return
	}
	for _, ev := range events {
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev Event) {
	switch ev.Type {
	case EventVote, EventLike, EventPollEdited:
		c.sink.MergeAuthoritative(ev.Snapshot())
	case EventPollCreated:
		c.sink.UpsertCreated(ev.Snapshot().Poll())
	case EventPollDeleted:
		c.sink.Remove(ev.PollID)
	default:
		log.Debug().Str("type", ev.Type).Msg("ignoring unknown push event")
	}
}

// countsOnly reports whether every event is a vote or like broadcast. Counts
// only grow, so a byte-identical repeat of such a message is a redelivery.
// Structural messages are never suppressed: an edit can legitimately restore
// an earlier payload.
func countsOnly(events []Event) bool {
	if len(events) == 0 {
		return false
	}
	for _, ev := range events {
		if ev.Type != EventVote && ev.Type != EventLike {
			return false
		}
	}
	return true
}

// seen records msg in the recent window and reports whether it was already
// there. Only the read loop calls it.
func (c *Channel) seen(msg []byte) bool {
	key := string(msg)
	if _, dup := c.recent[key]; dup {
		return true
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.recent, old)
	}
	c.ring[c.next] = key
	c.recent[key] = struct{}{}
	c.next = (c.next + 1) % len(c.ring)
	return false
}
