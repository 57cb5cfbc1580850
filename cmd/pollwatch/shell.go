package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/erauner12/pollsync/internal/client"
	"github.com/erauner12/pollsync/internal/pollerr"
	"github.com/erauner12/pollsync/internal/polllist"
	"github.com/erauner12/pollsync/internal/syncchan"
)

const helpText = `commands:
  list                                 show polls
  vote <poll> <option>                 vote for an option
  like <poll>                          like a poll
  create <question> | <opt> | <opt>... create a poll
  edit <poll> <question> | [id:]<opt>  edit a poll you created
  delete <poll>                        delete a poll you created
  refresh                              reload the list from the server
  status                               show the live update state
  quit
`

var errUsage = errors.New("usage")

// shell reads commands line by line and drives a controller
type shell struct {
	ctrl *polllist.Controller

	mu         sync.Mutex
	out        io.Writer
	lastStatus syncchan.Status
}

func newShell(ctrl *polllist.Controller, out io.Writer) *shell {
	return &shell{ctrl: ctrl, out: out}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// statusChanged reports push channel transitions as they happen
func (s *shell) statusChanged() {
	status := s.ctrl.Status()
	s.mu.Lock()
	changed := status != s.lastStatus
	s.lastStatus = status
	s.mu.Unlock()
	if !changed {
		return
	}
	if status == syncchan.StatusDegraded {
		s.printf("! live updates unavailable, use \"refresh\"\n")
		return
	}
	s.printf("* %s\n", status)
}

func (s *shell) repl(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	s.printf("%s", helpText)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := s.exec(ctx, line)
			if err != nil {
				s.printf("error: %s\n", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

// exec runs one command line
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help":
		s.printf("%s", helpText)
	case "list", "ls":
		s.printList()
	case "status":
		v := s.ctrl.View()
		s.printf("live updates: %s, %d poll(s), %d pending\n", v.Status, len(v.Polls), len(v.Pending))
	case "refresh":
		if err := s.ctrl.Refresh(ctx); err != nil {
			return false, err
		}
		s.printList()
	case "vote":
		ids, err := parseIDs(rest, 2)
		if err != nil {
			return false, fmt.Errorf("%w: vote <poll> <option>", errUsage)
		}
		return false, s.ctrl.Vote(ctx, ids[0], ids[1])
	case "like":
		ids, err := parseIDs(rest, 1)
		if err != nil {
			return false, fmt.Errorf("%w: like <poll>", errUsage)
		}
		return false, s.ctrl.Like(ctx, ids[0])
	case "create":
		parts := splitFields(rest)
		if len(parts) == 0 {
			return false, fmt.Errorf("%w: create <question> | <opt> | <opt>...", errUsage)
		}
		created, err := s.ctrl.Create(ctx, parts[0], parts[1:])
		if err != nil {
			return false, err
		}
		if created.Pending {
			s.printf("created poll #%d, waiting for it to appear\n", created.PollID)
		} else {
			s.printf("created poll #%d\n", created.PollID)
		}
	case "edit":
		idStr, tail, _ := strings.Cut(rest, " ")
		pollID, err := strconv.ParseInt(idStr, 10, 64)
		parts := splitFields(tail)
		if err != nil || len(parts) == 0 {
			return false, fmt.Errorf("%w: edit <poll> <question> | [id:]<opt>...", errUsage)
		}
		poll, err := s.ctrl.Edit(ctx, pollID, parts[0], parseEditOptions(parts[1:]))
		if err != nil {
			return false, err
		}
		s.printf("edited poll #%d\n", poll.ID)
	case "delete", "rm":
		ids, err := parseIDs(rest, 1)
		if err != nil {
			return false, fmt.Errorf("%w: delete <poll>", errUsage)
		}
		if err := s.ctrl.Delete(ctx, ids[0]); err != nil {
			return false, err
		}
		s.printf("deleted poll #%d\n", ids[0])
	default:
		return false, fmt.Errorf("unknown command %q, try \"help\"", cmd)
	}
	return false, nil
}

func (s *shell) printList() {
	v := s.ctrl.View()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(v.Polls) == 0 {
		fmt.Fprintln(s.out, "no polls")
	}
	for _, p := range v.Polls {
		manage := ""
		if p.CanManage {
			manage = " [yours]"
		}
		fmt.Fprintf(s.out, "#%d %s (%d votes, %d likes)%s\n", p.ID, p.Question, p.TotalVotes, p.Likes, manage)
		for _, o := range p.Options {
			fmt.Fprintf(s.out, "    %d) %-24s %4d  %3d%%\n", o.ID, o.Text, o.Votes, o.Percent)
		}
	}
	for _, id := range v.Pending {
		fmt.Fprintf(s.out, "#%d (pending)\n", id)
	}
	if v.Degraded {
		fmt.Fprintln(s.out, "live updates unavailable")
	}
}

func parseIDs(s string, n int) ([]int64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, errUsage
	}
	ids := make([]int64, n)
	for i, f := range fields {
		id, err := strconv.ParseInt(strings.TrimPrefix(f, "#"), 10, 64)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// splitFields splits "a | b | c" and trims each part
func splitFields(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseEditOptions reads "12:Coffee" as existing option 12 and "Juice" as new
func parseEditOptions(parts []string) []client.EditOption {
	opts := make([]client.EditOption, 0, len(parts))
	for _, p := range parts {
		if prefix, text, ok := strings.Cut(p, ":"); ok {
			if id, err := strconv.ParseInt(strings.TrimSpace(prefix), 10, 64); err == nil {
				opts = append(opts, client.EditOption{ID: &id, Text: strings.TrimSpace(text)})
				continue
			}
		}
		opts = append(opts, client.EditOption{Text: p})
	}
	return opts
}

// describe turns failures into one line for the terminal
func describe(err error) string {
	var perr *pollerr.Error
	if !errors.As(err, &perr) {
		return err.Error()
	}
	switch perr.Kind {
	case pollerr.NetworkFailure:
		return "server unreachable: " + err.Error()
	case pollerr.Rejected:
		return "server refused: " + err.Error()
	case pollerr.ValidationFailure:
		return "invalid input: " + err.Error()
	}
	return err.Error()
}
