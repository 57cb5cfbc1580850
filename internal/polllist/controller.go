// Package polllist composes the poll store, credential store, mutation
// gateway and push channel into the observable poll list.
package polllist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/pollsync/internal/client"
	"github.com/erauner12/pollsync/internal/credentials"
	"github.com/erauner12/pollsync/internal/gateway"
	"github.com/erauner12/pollsync/internal/pollstore"
	"github.com/erauner12/pollsync/internal/syncchan"
)

// API is the poll REST API. *client.PollsClient implements it.
type API interface {
	gateway.API
	List(ctx context.Context) ([]pollstore.Poll, error)
}

// Options configures a Controller
type Options struct {
	MutationTimeout        time.Duration
	CredentialPollInterval time.Duration
	// Push configures the push channel. OnStatus and OnResync are set by the
	// controller.
	Push syncchan.Options
}

// Controller owns one poll list session. Construct it when the list is
// shown and Close it when the list goes away.
type Controller struct {
	api     API
	creds   *credentials.Store
	store   *pollstore.Store
	gw      *gateway.Gateway
	channel *syncchan.Channel
	opts    Options

	refreshGroup singleflight.Group

	mu     sync.Mutex
	status syncchan.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
	unsubs  []func()
}

// New wires a controller. creds stays owned by the caller.
func New(api API, creds *credentials.Store, opts Options) *Controller {
	c := &Controller{
		api:   api,
		creds: creds,
		store: pollstore.New(),
		opts:  opts,
		subs:  make(map[int]func()),
	}
	c.gw = gateway.New(c.store, api, creds, opts.MutationTimeout)

	push := opts.Push
	push.OnStatus = c.onStatus
	push.OnResync = c.onResync
	c.channel = syncchan.New(c.store, push)

	c.unsubs = append(c.unsubs,
		c.store.Subscribe(c.notify),
		creds.Subscribe(func(int64) { c.notify() }),
	)
	return c
}

// Start connects the push channel, loads the poll list and starts watching
// for credentials written by other processes. Broadcasts merged while the
// list is being fetched survive the refresh.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.channel.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.creds.Watch(runCtx, c.opts.CredentialPollInterval)
	}()

	return c.Refresh(ctx)
}

// Refresh replaces the store with the server's poll list, keeping changes
// that landed while the request was in flight. Concurrent calls share one
// request.
func (c *Controller) Refresh(ctx context.Context) error {
	_, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		mark := c.store.BeginRefresh()
		polls, err := c.api.List(ctx)
		if err != nil {
			return nil, err
		}
		c.store.ApplyRefresh(mark, polls)
		log.Debug().Int("count", len(polls)).Msg("poll list refreshed")
		return nil, nil
	})
	if err != nil {
		log.Warn().Err(err).Bool("shared", shared).Msg("poll list refresh failed")
	}
	return err
}

func (c *Controller) onResync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		c.Refresh(ctx)
	}()
}

func (c *Controller) onStatus(s syncchan.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	if s == syncchan.StatusDegraded {
		log.Warn().Msg("live updates unavailable; refresh manually")
	}
	c.notify()
}

// Status returns the push channel state
func (c *Controller) Status() syncchan.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Degraded reports whether live updates are currently unavailable
func (c *Controller) Degraded() bool {
	return c.Status() == syncchan.StatusDegraded
}

// Subscribe registers fn to run after any change to the view
func (c *Controller) Subscribe(fn func()) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Vote adds one vote, optimistically
func (c *Controller) Vote(ctx context.Context, pollID, optionID int64) error {
	return c.gw.Vote(ctx, pollID, optionID)
}

// Like adds one like, optimistically
func (c *Controller) Like(ctx context.Context, pollID int64) error {
	return c.gw.Like(ctx, pollID)
}

// Create submits a new poll
func (c *Controller) Create(ctx context.Context, question string, options []string) (gateway.Created, error) {
	return c.gw.Create(ctx, question, options)
}

// Edit replaces a poll's question and options
func (c *Controller) Edit(ctx context.Context, pollID int64, question string, options []client.EditOption) (pollstore.Poll, error) {
	return c.gw.Edit(ctx, pollID, question, options)
}

// Delete removes a poll this device created
func (c *Controller) Delete(ctx context.Context, pollID int64) error {
	return c.gw.Delete(ctx, pollID)
}

// Close stops the push channel and credential watch and tears the store
// down. In-flight mutations complete but their effect is discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	c.channel.Close()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.store.Close()
}
