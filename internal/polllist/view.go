package polllist

import (
	"github.com/erauner12/pollsync/internal/pollstore"
	"github.com/erauner12/pollsync/internal/syncchan"
)

// OptionView is an option ready for display
type OptionView struct {
	ID      int64
	Text    string
	Votes   int
	Percent int
}

// PollView is a poll ready for display. CanManage is set when this device
// holds the poll's credential.
type PollView struct {
	ID         int64
	Question   string
	Options    []OptionView
	Likes      int
	TotalVotes int
	CanManage  bool
}

// View is the whole list plus connection state
type View struct {
	Polls    []PollView
	Pending  []int64 // created polls not yet visible
	Status   syncchan.Status
	Degraded bool
}

// View snapshots the current list
func (c *Controller) View() View {
	polls := c.store.Polls()
	v := View{
		Polls:   make([]PollView, 0, len(polls)),
		Pending: c.gw.Pending(),
		Status:  c.Status(),
	}
	v.Degraded = v.Status == syncchan.StatusDegraded

	for _, p := range polls {
		v.Polls = append(v.Polls, c.pollView(p))
	}
	return v
}

func (c *Controller) pollView(p pollstore.Poll) PollView {
	pct := pollstore.Percentages(p)
	pv := PollView{
		ID:         p.ID,
		Question:   p.Question,
		Likes:      p.Likes,
		TotalVotes: pollstore.TotalVotes(p),
		Options:    make([]OptionView, len(p.Options)),
	}
	_, pv.CanManage = c.creds.Get(p.ID)
	for i, o := range p.Options {
		pv.Options[i] = OptionView{ID: o.ID, Text: o.Text, Votes: o.Votes, Percent: pct[i]}
	}
	return pv
}
