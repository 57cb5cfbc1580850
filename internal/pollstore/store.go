package pollstore

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Delta is an optimistic count adjustment. Either Likes or Votes (for
// OptionID) is non-zero.
type Delta struct {
	Likes    int
	OptionID int64
	Votes    int
}

// VoteDelta adds one vote to an option
func VoteDelta(optionID int64) Delta {
	return Delta{OptionID: optionID, Votes: 1}
}

// LikeDelta adds one like
func LikeDelta() Delta {
	return Delta{Likes: 1}
}

// RollbackToken identifies an outstanding optimistic mutation
type RollbackToken struct {
	PollID int64
	Before Poll // visible state right before the mutation
	seq    uint64
}

// pendingOp is an unconfirmed optimistic mutation. floor is the value the
// adjusted field showed right after the mutation; it keeps that field from
// regressing while the mutation is in flight.
type pendingOp struct {
	seq      uint64
	delta    Delta
	floor    int
	basePre  int    // authoritative value of the field when applied
	mergeGen uint64 // entry.mergeGen when applied
}

type entry struct {
	base     Poll // last authoritative (or confirmed) state
	pending  []*pendingOp
	mergeGen uint64
	touched  uint64 // store revision of the last insert, merge or confirm
}

// RefreshMark is the store revision at which a full list fetch began
type RefreshMark uint64

// Store is the poll collection. Every method is atomic with respect to the
// others; subscribers are notified after the lock is released.
type Store struct {
	mu         sync.RWMutex
	order      []int64 // newest first
	entries    map[int64]*entry
	tombstones map[int64]uint64 // poll id -> revision it was removed at
	seq        uint64
	rev        uint64
	closed     bool

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// New creates an empty store
func New() *Store {
	return &Store{
		entries:    make(map[int64]*entry),
		tombstones: make(map[int64]uint64),
		subs:       make(map[int]func()),
	}
}

// Subscribe registers fn to run after every change. The returned func
// removes the subscription.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close tears the store down. Later writes are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[int]func())
	s.subMu.Unlock()
}

// ReplaceAll discards all state, including tombstones and outstanding
// optimistic mutations, and seeds the store with polls in the given order.
func (s *Store) ReplaceAll(polls []Poll) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.order = make([]int64, 0, len(polls))
	s.entries = make(map[int64]*entry, len(polls))
	s.tombstones = make(map[int64]uint64)
	s.rev++
	for _, p := range polls {
		if _, dup := s.entries[p.ID]; dup {
			continue
		}
		s.order = append(s.order, p.ID)
		s.entries[p.ID] = &entry{base: p.Clone()}
	}
	s.mu.Unlock()

	log.Debug().Int("count", len(polls)).Msg("poll store replaced")
	s.notify()
}

// BeginRefresh marks the start of a full list fetch. Pass the mark to
// ApplyRefresh with the fetched list.
func (s *Store) BeginRefresh() RefreshMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RefreshMark(s.rev)
}

// ApplyRefresh replaces the store with a list fetched since mark. Changes
// made after mark survive: polls inserted or merged since then are kept
// (with counts merged upward against the list), and polls removed since then
// stay removed. Older tombstones are cleared. Outstanding optimistic
// mutations on polls still present are kept so they can settle.
func (s *Store) ApplyRefresh(mark RefreshMark, polls []Poll) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	since := uint64(mark)

	tombstones := make(map[int64]uint64)
	for id, at := range s.tombstones {
		if at > since {
			tombstones[id] = at
		}
	}

	order := make([]int64, 0, len(polls))
	entries := make(map[int64]*entry, len(polls))
	for _, p := range polls {
		if _, dup := entries[p.ID]; dup {
			continue
		}
		if _, dead := tombstones[p.ID]; dead {
			continue
		}
		ne := &entry{base: p.Clone()}
		if old, ok := s.entries[p.ID]; ok {
			if old.touched > since {
				ne.base = absorbCounts(old.base, p)
				ne.touched = old.touched
			}
			// The list may already include pending changes; Confirm must
			// treat the new base as an unknown snapshot.
			ne.pending = old.pending
			ne.mergeGen = old.mergeGen + 1
		}
		order = append(order, p.ID)
		entries[p.ID] = ne
	}

	// Polls that arrived after the fetch began and are missing from the list
	// keep their place ahead of it.
	var kept []int64
	for _, id := range s.order {
		old := s.entries[id]
		if _, listed := entries[id]; listed || old.touched <= since {
			continue
		}
		kept = append(kept, id)
		entries[id] = old
	}

	s.order = append(kept, order...)
	s.entries = entries
	s.tombstones = tombstones
	s.rev++
	s.mu.Unlock()

	log.Debug().Int("count", len(polls)).Int("kept", len(kept)).Msg("poll store refreshed")
	s.notify()
}

// absorbCounts keeps local's question and options, with every count raised
// to at least the fetched value.
func absorbCounts(local, fetched Poll) Poll {
	p := local.Clone()
	p.Likes = max(p.Likes, fetched.Likes)
	for i := range p.Options {
		if o, ok := fetched.Option(p.Options[i].ID); ok {
			p.Options[i].Votes = max(p.Options[i].Votes, o.Votes)
		}
	}
	return p
}

// Polls returns the visible polls, newest first
func (s *Store) Polls() []Poll {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Poll, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].visible())
	}
	return out
}

// Get returns the visible state of a poll
func (s *Store) Get(pollID int64) (Poll, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[pollID]
	if !ok {
		return Poll{}, false
	}
	return e.visible(), true
}

// Tombstoned reports whether pollID was removed locally since the last full refresh
func (s *Store) Tombstoned(pollID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones[pollID]
	return ok
}

// ApplyOptimistic applies an unconfirmed local change and returns the token
// needed to Confirm or Rollback it.
func (s *Store) ApplyOptimistic(pollID int64, d Delta) (RollbackToken, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return RollbackToken{}, ErrClosed
	}
	e, ok := s.entries[pollID]
	if !ok {
		s.mu.Unlock()
		return RollbackToken{}, ErrPollNotFound
	}

	before := e.visible()
	var shown, base int
	if d.Votes != 0 {
		opt, ok := before.Option(d.OptionID)
		if !ok {
			s.mu.Unlock()
			return RollbackToken{}, ErrOptionNotFound
		}
		baseOpt, _ := e.base.Option(d.OptionID)
		shown, base = opt.Votes, baseOpt.Votes
	} else {
		shown, base = before.Likes, e.base.Likes
	}

	s.seq++
	op := &pendingOp{
		seq:      s.seq,
		delta:    d,
		floor:    shown + d.amount(),
		basePre:  base,
		mergeGen: e.mergeGen,
	}
	e.pending = append(e.pending, op)
	s.mu.Unlock()

	s.notify()
	return RollbackToken{PollID: pollID, Before: before, seq: op.seq}, nil
}

// Rollback reverts an optimistic mutation whose request failed. Fields that
// an authoritative merge has since moved are not regressed. Unknown or
// already settled tokens are ignored.
func (s *Store) Rollback(tok RollbackToken) {
	s.mu.Lock()
	e, op, ok := s.takePending(tok)
	if !ok {
		s.mu.Unlock()
		return
	}
	// Later mutations of the same field were stacked on top of this one.
	for _, later := range e.pending {
		if later.seq > op.seq && later.delta.sameField(op.delta) {
			later.floor -= op.delta.amount()
		}
	}
	s.mu.Unlock()

	log.Debug().Int64("pollId", tok.PollID).Msg("optimistic mutation rolled back")
	s.notify()
}

// Confirm settles an optimistic mutation the server accepted
func (s *Store) Confirm(tok RollbackToken) {
	s.mu.Lock()
	e, op, ok := s.takePending(tok)
	if !ok {
		s.mu.Unlock()
		return
	}
	if op.mergeGen == e.mergeGen {
		// No snapshot since the mutation: the server now has base + delta.
		e.adjustBase(op.delta, func(cur int) int { return cur + op.delta.amount() })
	} else {
		// A snapshot arrived meanwhile and may or may not include our change;
		// basePre + delta is a lower bound either way.
		e.adjustBase(op.delta, func(cur int) int { return max(cur, op.basePre+op.delta.amount()) })
	}
	s.touch(e)
	s.mu.Unlock()

	s.notify()
}

// takePending removes the op for tok. Caller holds s.mu.
func (s *Store) takePending(tok RollbackToken) (*entry, *pendingOp, bool) {
	if s.closed {
		return nil, nil, false
	}
	e, ok := s.entries[tok.PollID]
	if !ok {
		return nil, nil, false
	}
	for i, op := range e.pending {
		if op.seq == tok.seq {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return e, op, true
		}
	}
	return nil, nil, false
}

// MergeAuthoritative upserts a server snapshot. Counts merge monotonically,
// so duplicated or reordered snapshots converge on counts. Question and
// option set follow the last structural snapshot applied, whatever its age.
// Snapshots for tombstoned polls are ignored, as are
// partial snapshots for polls the store does not know. Reports whether the
// store changed.
func (s *Store) MergeAuthoritative(snap Snapshot) bool {
	s.mu.Lock()
	changed := s.mergeLocked(snap)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

// mergeLocked applies snap. Caller holds s.mu.
func (s *Store) mergeLocked(snap Snapshot) bool {
	if s.closed {
		return false
	}
	if _, dead := s.tombstones[snap.ID]; dead {
		log.Debug().Int64("pollId", snap.ID).Msg("ignoring snapshot for deleted poll")
		return false
	}

	e, ok := s.entries[snap.ID]
	if !ok {
		if !snap.Complete() {
			log.Debug().Int64("pollId", snap.ID).Msg("ignoring partial snapshot for unknown poll")
			return false
		}
		s.insertFront(snap.Poll())
		return true
	}

	before := e.visible()
	e.merge(snap)
	s.touch(e)
	return !pollsEqual(before, e.visible())
}

// UpsertCreated inserts a newly created poll at the front, or merges it when
// the poll is already known (e.g. the creator's own broadcast won the race).
func (s *Store) UpsertCreated(p Poll) bool {
	s.mu.Lock()
	var changed bool
	switch _, exists := s.entries[p.ID]; {
	case s.closed:
	case exists:
		changed = s.mergeLocked(FullSnapshot(p))
	default:
		if _, dead := s.tombstones[p.ID]; !dead {
			s.insertFront(p.Clone())
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

// Remove deletes a poll locally and tombstones its id until a full refresh
// that began after the removal. Reports whether the poll was visible.
func (s *Store) Remove(pollID int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.rev++
	s.tombstones[pollID] = s.rev
	_, existed := s.entries[pollID]
	if existed {
		delete(s.entries, pollID)
		for i, id := range s.order {
			if id == pollID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if existed {
		s.notify()
	}
	return existed
}

// insertFront adds a new entry. Caller holds s.mu.
func (s *Store) insertFront(p Poll) {
	s.rev++
	s.entries[p.ID] = &entry{base: p, touched: s.rev}
	s.order = append([]int64{p.ID}, s.order...)
}

// touch records a change to e. Caller holds s.mu.
func (s *Store) touch(e *entry) {
	s.rev++
	e.touched = s.rev
}

func (e *entry) merge(snap Snapshot) {
	e.mergeGen++

	if snap.Question != nil {
		e.base.Question = *snap.Question
	}
	if snap.Likes != nil {
		e.base.Likes = max(e.base.Likes, *snap.Likes)
	}
	if snap.Options == nil {
		return
	}

	if snap.structural() {
		opts := make([]Option, 0, len(snap.Options))
		for _, o := range snap.Options {
			votes := o.Votes
			if prev, ok := e.base.Option(o.ID); ok {
				votes = max(votes, prev.Votes)
			}
			opts = append(opts, Option{ID: o.ID, Text: *o.Text, Votes: votes})
		}
		e.base.Options = opts
		return
	}

	for _, o := range snap.Options {
		for i := range e.base.Options {
			if e.base.Options[i].ID == o.ID {
				e.base.Options[i].Votes = max(e.base.Options[i].Votes, o.Votes)
			}
		}
	}
}

// visible derives the displayed poll: authoritative base, with every field
// that has an outstanding optimistic change held at or above its floor. A
// snapshot above the floor is shown as is; it may already count the change.
func (e *entry) visible() Poll {
	p := e.base.Clone()
	for _, op := range e.pending {
		if op.delta.Votes != 0 {
			for i := range p.Options {
				if p.Options[i].ID == op.delta.OptionID {
					p.Options[i].Votes = max(p.Options[i].Votes, op.floor)
				}
			}
		} else {
			p.Likes = max(p.Likes, op.floor)
		}
	}
	return p
}

func (e *entry) adjustBase(d Delta, fn func(int) int) {
	if d.Votes == 0 {
		e.base.Likes = fn(e.base.Likes)
		return
	}
	for i := range e.base.Options {
		if e.base.Options[i].ID == d.OptionID {
			e.base.Options[i].Votes = fn(e.base.Options[i].Votes)
		}
	}
}

func (d Delta) amount() int {
	if d.Votes != 0 {
		return d.Votes
	}
	return d.Likes
}

func (d Delta) sameField(o Delta) bool {
	if d.Votes != 0 || o.Votes != 0 {
		return d.Votes != 0 && o.Votes != 0 && d.OptionID == o.OptionID
	}
	return true
}

func pollsEqual(a, b Poll) bool {
	if a.ID != b.ID || a.Question != b.Question || a.Likes != b.Likes || len(a.Options) != len(b.Options) {
		return false
	}
	for i := range a.Options {
		if a.Options[i] != b.Options[i] {
			return false
		}
	}
	return true
}
