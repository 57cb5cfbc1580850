package devserver

import (
	"errors"
	"slices"
	"sync"

	"github.com/erauner12/pollsync/internal/pollstore"
)

var (
	ErrPollNotFound   = errors.New("poll not found")
	ErrOptionNotFound = errors.New("option not found")
)

type storedPoll struct {
	poll  pollstore.Poll
	token string
}

// pollTable is the server's in-memory poll storage. Option ids are unique
// across all polls.
type pollTable struct {
	mu       sync.Mutex
	polls    map[int64]*storedPoll
	nextPoll int64
	nextOpt  int64
}

func newPollTable() *pollTable {
	return &pollTable{polls: make(map[int64]*storedPoll)}
}

// list returns every poll, newest first
func (t *pollTable) list() []pollstore.Poll {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]pollstore.Poll, 0, len(t.polls))
	for _, sp := range t.polls {
		out = append(out, sp.poll.Clone())
	}
	slices.SortFunc(out, func(a, b pollstore.Poll) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// create stores a poll. mint produces the token once the id is known.
func (t *pollTable) create(question string, options []string, mint func(id int64) (string, error)) (pollstore.Poll, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextPoll + 1
	token, err := mint(id)
	if err != nil {
		return pollstore.Poll{}, "", err
	}
	t.nextPoll = id

	p := pollstore.Poll{ID: id, Question: question, Options: make([]pollstore.Option, 0, len(options))}
	for _, text := range options {
		t.nextOpt++
		p.Options = append(p.Options, pollstore.Option{ID: t.nextOpt, Text: text})
	}
	t.polls[id] = &storedPoll{poll: p, token: token}
	return p.Clone(), token, nil
}

func (t *pollTable) vote(pollID, optionID int64) (pollstore.Poll, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, ok := t.polls[pollID]
	if !ok {
		return pollstore.Poll{}, ErrPollNotFound
	}
	for i := range sp.poll.Options {
		if sp.poll.Options[i].ID == optionID {
			sp.poll.Options[i].Votes++
			return sp.poll.Clone(), nil
		}
	}
	return pollstore.Poll{}, ErrOptionNotFound
}

func (t *pollTable) like(pollID int64) (pollstore.Poll, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, ok := t.polls[pollID]
	if !ok {
		return pollstore.Poll{}, ErrPollNotFound
	}
	sp.poll.Likes++
	return sp.poll.Clone(), nil
}

// editOption is an option of an edit request; ID is nil for new options
type editOption struct {
	ID   *int64 `json:"id,omitempty"`
	Text string `json:"text"`
}

// edit replaces the question and option set. Options whose id belongs to the
// poll keep their id and votes; the rest get fresh ids. verify runs under the
// table lock with the stored token.
func (t *pollTable) edit(pollID int64, question string, options []editOption, verify func(stored string) error) (pollstore.Poll, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, ok := t.polls[pollID]
	if !ok {
		return pollstore.Poll{}, ErrPollNotFound
	}
	if err := verify(sp.token); err != nil {
		return pollstore.Poll{}, err
	}

	opts := make([]pollstore.Option, 0, len(options))
	used := make(map[int64]bool)
	for _, o := range options {
		if o.ID != nil && !used[*o.ID] {
			if prev, ok := sp.poll.Option(*o.ID); ok {
				used[prev.ID] = true
				opts = append(opts, pollstore.Option{ID: prev.ID, Text: o.Text, Votes: prev.Votes})
				continue
			}
		}
		t.nextOpt++
		opts = append(opts, pollstore.Option{ID: t.nextOpt, Text: o.Text})
	}
	sp.poll.Question = question
	sp.poll.Options = opts
	return sp.poll.Clone(), nil
}

func (t *pollTable) remove(pollID int64, verify func(stored string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, ok := t.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	if err := verify(sp.token); err != nil {
		return err
	}
	delete(t.polls, pollID)
	return nil
}
