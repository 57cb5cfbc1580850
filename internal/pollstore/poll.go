// Package pollstore holds the client's in-memory poll collection and the
// merge rules that reconcile optimistic local changes with server snapshots.
package pollstore

import "math"

// Option is a single answer of a poll
type Option struct {
	ID    int64  `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is a question with ordered options
type Poll struct {
	ID       int64    `json:"id"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Likes    int      `json:"likes"`
}

// Clone returns a deep copy
func (p Poll) Clone() Poll {
	c := p
	if p.Options != nil {
		c.Options = make([]Option, len(p.Options))
		copy(c.Options, p.Options)
	}
	return c
}

// Option returns the option with the given id
func (p Poll) Option(id int64) (Option, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// TotalVotes is the sum of all option votes
func TotalVotes(p Poll) int {
	total := 0
	for _, o := range p.Options {
		total += o.Votes
	}
	return total
}

// Percentages returns the rounded share of each option, in option order.
// The denominator is floored at 1 so an empty poll shows 0% everywhere.
func Percentages(p Poll) []int {
	denom := TotalVotes(p)
	if denom < 1 {
		denom = 1
	}
	out := make([]int, len(p.Options))
	for i, o := range p.Options {
		out[i] = int(math.Round(float64(o.Votes) / float64(denom) * 100))
	}
	return out
}
