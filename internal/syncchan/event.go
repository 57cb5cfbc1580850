package syncchan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/erauner12/pollsync/internal/pollerr"
	"github.com/erauner12/pollsync/internal/pollstore"
)

// Event types carried on the push channel
const (
	EventVote        = "vote"
	EventLike        = "like"
	EventPollCreated = "poll_created"
	EventPollEdited  = "poll_edited"
	EventPollDeleted = "poll_deleted"
)

// wireOption and wirePoll keep track of which fields a message carried.
// vote broadcasts only send option ids and counts, like broadcasts only
// send the like count.
type wireOption struct {
	ID    int64   `json:"id"`
	Text  *string `json:"text"`
	Votes *int    `json:"votes"`
}

type wirePoll struct {
	ID       int64        `json:"id"`
	Question *string      `json:"question"`
	Options  []wireOption `json:"options"`
	Likes    *int         `json:"likes"`
}

// Event is one decoded push message
type Event struct {
	Type   string    `json:"type"`
	Poll   *wirePoll `json:"poll,omitempty"`
	PollID int64     `json:"poll_id,omitempty"`
}

// Snapshot converts the carried poll to a store snapshot
func (e Event) Snapshot() pollstore.Snapshot {
	p := e.Poll
	snap := pollstore.Snapshot{ID: p.ID, Question: p.Question, Likes: p.Likes}
	if p.Options != nil {
		snap.Options = make([]pollstore.OptionSnapshot, len(p.Options))
		for i, o := range p.Options {
			snap.Options[i] = pollstore.OptionSnapshot{ID: o.ID, Text: o.Text}
			if o.Votes != nil {
				snap.Options[i].Votes = *o.Votes
			}
		}
	}
	return snap
}

func (e Event) validate() error {
	switch e.Type {
	case EventVote, EventLike, EventPollEdited:
		if e.Poll == nil || e.Poll.ID <= 0 {
			return fmt.Errorf("%s event without poll id", e.Type)
		}
	case EventPollCreated:
		if e.Poll == nil || e.Poll.ID <= 0 {
			return fmt.Errorf("%s event without poll id", e.Type)
		}
		if !e.Snapshot().Complete() {
			return fmt.Errorf("%s event for poll %d is missing fields", e.Type, e.Poll.ID)
		}
	case EventPollDeleted:
		if e.PollID <= 0 {
			return fmt.Errorf("%s event without poll_id", e.Type)
		}
	case "":
		return errors.New("event without type")
	}
	return nil
}

// Decode parses a push message. A message may hold several JSON objects
// separated by newlines. Invalid events are skipped; the well-formed ones are
// returned alongside a DecodeFailure for the first bad one. A syntax error
// ends decoding of the message.
func Decode(msg []byte) ([]Event, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	var (
		events   []Event
		firstErr error
	)
	for {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			return events, firstErr
		}
		if err != nil {
			if firstErr == nil {
				firstErr = pollerr.Decode("push", err)
			}
			return events, firstErr
		}
		if err := ev.validate(); err != nil {
			if firstErr == nil {
				firstErr = pollerr.Decode("push", err)
			}
			continue
		}
		events = append(events, ev)
	}
}
