package pollstore

// OptionSnapshot is an option as reported by the server. Text is nil when
// the server only reported counts.
type OptionSnapshot struct {
	ID    int64
	Text  *string
	Votes int
}

// Snapshot is an authoritative server view of a poll. Nil fields were not
// carried by the message and are left untouched by a merge.
type Snapshot struct {
	ID       int64
	Question *string
	Options  []OptionSnapshot // nil when absent
	Likes    *int
}

// FullSnapshot builds a snapshot carrying every field of p
func FullSnapshot(p Poll) Snapshot {
	q := p.Question
	likes := p.Likes
	s := Snapshot{
		ID:       p.ID,
		Question: &q,
		Likes:    &likes,
		Options:  make([]OptionSnapshot, len(p.Options)),
	}
	for i, o := range p.Options {
		text := o.Text
		s.Options[i] = OptionSnapshot{ID: o.ID, Text: &text, Votes: o.Votes}
	}
	return s
}

// structural reports whether the option list describes the full option set
// (ids and texts), as opposed to a counts-only update.
func (s Snapshot) structural() bool {
	if s.Options == nil {
		return false
	}
	for _, o := range s.Options {
		if o.Text == nil {
			return false
		}
	}
	return true
}

// Complete reports whether the snapshot can materialise a poll on its own
func (s Snapshot) Complete() bool {
	return s.Question != nil && s.Likes != nil && s.structural()
}

// Poll converts a complete snapshot to a Poll
func (s Snapshot) Poll() Poll {
	p := Poll{ID: s.ID, Options: make([]Option, 0, len(s.Options))}
	if s.Question != nil {
		p.Question = *s.Question
	}
	if s.Likes != nil {
		p.Likes = *s.Likes
	}
	for _, o := range s.Options {
		opt := Option{ID: o.ID, Votes: o.Votes}
		if o.Text != nil {
			opt.Text = *o.Text
		}
		p.Options = append(p.Options, opt)
	}
	return p
}
