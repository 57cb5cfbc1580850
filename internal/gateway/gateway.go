// Package gateway turns user intents into optimistic store updates backed by
// confirming API calls.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/pollsync/internal/client"
	"github.com/erauner12/pollsync/internal/pollerr"
	"github.com/erauner12/pollsync/internal/pollstore"
)

// DefaultTimeout bounds each mutation call
const DefaultTimeout = 10 * time.Second

// MinOptions is the smallest option count a poll may have
const MinOptions = 2

// API is the subset of the poll REST API the gateway drives.
// *client.PollsClient implements it.
type API interface {
	Vote(ctx context.Context, pollID, optionID int64) error
	Like(ctx context.Context, pollID int64) error
	Create(ctx context.Context, question string, options []string) (*client.CreateResult, error)
	Edit(ctx context.Context, pollID int64, question string, options []client.EditOption, token string) (pollstore.Poll, error)
	Delete(ctx context.Context, pollID int64, token string) error
}

// Credentials is the capability token lookup. *credentials.Store implements it.
type Credentials interface {
	Get(pollID int64) (string, bool)
	Put(ctx context.Context, pollID int64, token string) error
	Invalidate(ctx context.Context, pollID int64) error
}

// Created describes a successful create. Pending is set when the server did
// not return the poll body; the poll appears once its poll_created broadcast
// arrives or the list is refreshed.
type Created struct {
	PollID  int64
	Pending bool
}

// Gateway performs mutations. Vote and like are applied optimistically and
// rolled back on failure; each call is attempted at most once.
type Gateway struct {
	store   *pollstore.Store
	api     API
	creds   Credentials
	timeout time.Duration

	mu      sync.Mutex
	pending map[int64]struct{}
}

// New creates a gateway. timeout <= 0 uses DefaultTimeout.
func New(store *pollstore.Store, api API, creds Credentials, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		store:   store,
		api:     api,
		creds:   creds,
		timeout: timeout,
		pending: make(map[int64]struct{}),
	}
}

// Vote adds one vote to optionID
func (g *Gateway) Vote(ctx context.Context, pollID, optionID int64) error {
	return g.optimistic(ctx, "vote", pollID, pollstore.VoteDelta(optionID), func(ctx context.Context) error {
		return g.api.Vote(ctx, pollID, optionID)
	})
}

// Like adds one like to the poll
func (g *Gateway) Like(ctx context.Context, pollID int64) error {
	return g.optimistic(ctx, "like", pollID, pollstore.LikeDelta(), func(ctx context.Context) error {
		return g.api.Like(ctx, pollID)
	})
}

func (g *Gateway) optimistic(ctx context.Context, op string, pollID int64, d pollstore.Delta, call func(context.Context) error) error {
	tok, err := g.store.ApplyOptimistic(pollID, d)
	if err != nil {
		if errors.Is(err, pollstore.ErrClosed) {
			return err
		}
		return &pollerr.Error{Kind: pollerr.ValidationFailure, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := call(ctx); err != nil {
		g.store.Rollback(tok)
		log.Warn().Err(err).Str("op", op).Int64("pollId", pollID).Msg("mutation failed, rolled back")
		return err
	}
	g.store.Confirm(tok)
	return nil
}

// Create validates and submits a new poll. On success the returned token is
// stored as the poll's credential.
func (g *Gateway) Create(ctx context.Context, question string, options []string) (Created, error) {
	question, texts, err := normalize("create", question, options)
	if err != nil {
		return Created{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.api.Create(ctx, question, texts)
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		return Created{}, err
	}

	// The credential stays usable in memory even if it could not be persisted.
	if err := g.creds.Put(context.WithoutCancel(ctx), res.PollID, res.Token); err != nil {
		log.Warn().Err(err).Int64("pollId", res.PollID).Msg("failed to persist poll credential")
	}

	if res.Poll != nil {
		g.store.UpsertCreated(*res.Poll)
		return Created{PollID: res.PollID}, nil
	}

	if _, known := g.store.Get(res.PollID); known {
		return Created{PollID: res.PollID}, nil
	}
	g.mu.Lock()
	g.pending[res.PollID] = struct{}{}
	g.mu.Unlock()
	log.Debug().Int64("pollId", res.PollID).Msg("created poll pending broadcast")
	return Created{PollID: res.PollID, Pending: true}, nil
}

// Pending returns ids of created polls that have not reached the store yet
func (g *Gateway) Pending() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []int64
	for id := range g.pending {
		if _, known := g.store.Get(id); known || g.store.Tombstoned(id) {
			delete(g.pending, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Delete removes a poll the caller holds a credential for. The poll is removed
// locally before the request and stays removed if the server rejects it.
func (g *Gateway) Delete(ctx context.Context, pollID int64) error {
	token, ok := g.creds.Get(pollID)
	if !ok {
		return pollerr.Validation("delete", "no credential for this poll")
	}

	g.store.Remove(pollID)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.api.Delete(ctx, pollID, token); err != nil {
		g.dropRejectedCredential(ctx, pollID, err)
		log.Warn().Err(err).Int64("pollId", pollID).Msg("delete failed; poll stays hidden until refresh")
		return err
	}
	log.Info().Int64("pollId", pollID).Msg("poll deleted")
	return nil
}

// Edit replaces question and options. Nothing is applied locally until the
// server returns the edited poll.
func (g *Gateway) Edit(ctx context.Context, pollID int64, question string, options []client.EditOption) (pollstore.Poll, error) {
	token, ok := g.creds.Get(pollID)
	if !ok {
		return pollstore.Poll{}, pollerr.Validation("edit", "no credential for this poll")
	}

	texts := make([]string, len(options))
	for i, o := range options {
		texts[i] = o.Text
	}
	question, _, err := normalize("edit", question, texts)
	if err != nil {
		return pollstore.Poll{}, err
	}
	kept := make([]client.EditOption, 0, len(options))
	for _, o := range options {
		if text := strings.TrimSpace(o.Text); text != "" {
			kept = append(kept, client.EditOption{ID: o.ID, Text: text})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	poll, err := g.api.Edit(ctx, pollID, question, kept, token)
	if err != nil {
		g.dropRejectedCredential(ctx, pollID, err)
		log.Warn().Err(err).Int64("pollId", pollID).Msg("edit failed")
		return pollstore.Poll{}, err
	}

	g.store.MergeAuthoritative(pollstore.FullSnapshot(poll))
	return poll, nil
}

// dropRejectedCredential forgets a token the server refused
func (g *Gateway) dropRejectedCredential(ctx context.Context, pollID int64, err error) {
	switch pollerr.StatusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
	default:
		return
	}
	if err := g.creds.Invalidate(context.WithoutCancel(ctx), pollID); err != nil {
		log.Warn().Err(err).Int64("pollId", pollID).Msg("failed to invalidate rejected credential")
	}
}

// normalize trims the question and option texts and drops blank options
func normalize(op, question string, options []string) (string, []string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, pollerr.Validation(op, "question is required")
	}
	texts := make([]string, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			texts = append(texts, o)
		}
	}
	if len(texts) < MinOptions {
		return "", nil, pollerr.Validation(op, "at least two options are required")
	}
	return question, texts, nil
}
