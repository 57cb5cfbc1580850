package polllist

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erauner12/pollsync/internal/client"
	"github.com/erauner12/pollsync/internal/credentials"
	"github.com/erauner12/pollsync/internal/devserver"
	"github.com/erauner12/pollsync/internal/pollstore"
	"github.com/erauner12/pollsync/internal/syncchan"
)

type testEnv struct {
	srv *devserver.Server
	ts  *httptest.Server
}

func newEnv(t *testing.T, cfg devserver.Config) *testEnv {
	t.Helper()
	srv := devserver.New(cfg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) pushURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) api() *client.PollsClient {
	return client.NewPollsClient(client.NewHTTPClient(e.ts.URL, time.Second))
}

func openCreds(t *testing.T, b credentials.Backend) *credentials.Store {
	t.Helper()
	s, err := credentials.Open(context.Background(), b)
	if err != nil {
		t.Fatalf("credentials.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (e *testEnv) controller(t *testing.T, creds *credentials.Store) *Controller {
	t.Helper()
	c := New(e.api(), creds, Options{
		MutationTimeout:        time.Second,
		CredentialPollInterval: 10 * time.Millisecond,
		Push: syncchan.Options{
			URL:            e.pushURL(),
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			ResyncAfter:    time.Nanosecond,
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	waitFor(t, "push connection", func() bool { return c.Status() == syncchan.StatusConnected })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findPoll(v View, id int64) (PollView, bool) {
	for _, p := range v.Polls {
		if p.ID == id {
			return p, true
		}
	}
	return PollView{}, false
}

func TestController_CreateVoteAcrossWindows(t *testing.T) {
	env := newEnv(t, devserver.Config{})
	path := filepath.Join(t.TempDir(), "credentials.db")

	backendA, err := credentials.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	backendB, err := credentials.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	a := env.controller(t, openCreds(t, backendA))
	b := env.controller(t, openCreds(t, backendB))
	ctx := context.Background()

	created, err := a.Create(ctx, "Coffee or tea?", []string{"Coffee", "Tea"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Both windows learn about the poll from the broadcast; b picks up the
	// credential a stored through the shared database.
	waitFor(t, "poll in both windows", func() bool {
		pa, okA := findPoll(a.View(), created.PollID)
		pb, okB := findPoll(b.View(), created.PollID)
		return okA && okB && pa.CanManage && pb.CanManage
	})

	pa, _ := findPoll(a.View(), created.PollID)
	coffee := pa.Options[0].ID
	if err := a.Vote(ctx, created.PollID, coffee); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if err := b.Vote(ctx, created.PollID, coffee); err != nil {
		t.Fatalf("Vote: %v", err)
	}

	for name, c := range map[string]*Controller{"a": a, "b": b} {
		waitFor(t, "two votes in "+name, func() bool {
			p, _ := findPoll(c.View(), created.PollID)
			return p.TotalVotes == 2
		})
	}

	// Settled state never over-counts.
	time.Sleep(50 * time.Millisecond)
	p, _ := findPoll(a.View(), created.PollID)
	if p.Options[0].Votes != 2 || p.Options[0].Percent != 100 || p.Options[1].Percent != 0 {
		t.Errorf("unexpected settled view %+v", p)
	}
}

func TestController_ViewPercentages(t *testing.T) {
	env := newEnv(t, devserver.Config{ReturnPoll: true})
	c := env.controller(t, openCreds(t, credentials.NewMemory()))
	ctx := context.Background()

	created, err := c.Create(ctx, "Q?", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Pending {
		t.Error("poll returned in the response should not be pending")
	}

	p, ok := findPoll(c.View(), created.PollID)
	if !ok {
		t.Fatal("created poll not visible")
	}
	for i := 0; i < 3; i++ {
		c.Vote(ctx, p.ID, p.Options[0].ID)
	}
	c.Vote(ctx, p.ID, p.Options[1].ID)

	p, _ = findPoll(c.View(), created.PollID)
	if p.TotalVotes != 4 || p.Options[0].Percent != 75 || p.Options[1].Percent != 25 {
		t.Errorf("unexpected view %+v", p)
	}
}

func TestController_DeletePropagates(t *testing.T) {
	env := newEnv(t, devserver.Config{})
	owner := env.controller(t, openCreds(t, credentials.NewMemory()))
	other := env.controller(t, openCreds(t, credentials.NewMemory()))
	ctx := context.Background()

	created, err := owner.Create(ctx, "Q?", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, "poll in other window", func() bool {
		_, ok := findPoll(other.View(), created.PollID)
		return ok
	})

	if p, _ := findPoll(other.View(), created.PollID); p.CanManage {
		t.Error("window without the credential should not manage the poll")
	}
	if err := other.Delete(ctx, created.PollID); err == nil {
		t.Error("delete without credential should be refused")
	}

	if err := owner.Delete(ctx, created.PollID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := findPoll(owner.View(), created.PollID); ok {
		t.Error("deleted poll still visible to owner")
	}
	waitFor(t, "delete broadcast", func() bool {
		_, ok := findPoll(other.View(), created.PollID)
		return !ok
	})
}

func TestController_EditAppliesServerResult(t *testing.T) {
	env := newEnv(t, devserver.Config{ReturnPoll: true})
	c := env.controller(t, openCreds(t, credentials.NewMemory()))
	ctx := context.Background()

	created, _ := c.Create(ctx, "Coffee or tea?", []string{"Coffee", "Tea"})
	p, _ := findPoll(c.View(), created.PollID)
	c.Vote(ctx, p.ID, p.Options[0].ID)

	keep := p.Options[0].ID
	edited, err := c.Edit(ctx, p.ID, "Coffee or juice?", []client.EditOption{{ID: &keep, Text: "Coffee"}, {Text: "Juice"}})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	v, _ := findPoll(c.View(), p.ID)
	if v.Question != "Coffee or juice?" || len(v.Options) != 2 || v.Options[1].ID != edited.Options[1].ID {
		t.Errorf("view not updated: %+v", v)
	}
	if v.Options[0].Votes != 1 {
		t.Errorf("kept option votes = %d, want 1", v.Options[0].Votes)
	}
}

func TestController_ResyncAfterReconnect(t *testing.T) {
	env := newEnv(t, devserver.Config{ReturnPoll: true})
	c := env.controller(t, openCreds(t, credentials.NewMemory()))
	ctx := context.Background()

	created, _ := c.Create(ctx, "Q?", []string{"a", "b"})

	// Drop the socket and mutate while the client may be disconnected.
	env.srv.Hub().DropClients()
	other := env.api()
	if err := other.Like(ctx, created.PollID); err != nil {
		t.Fatalf("Like: %v", err)
	}

	waitFor(t, "like after reconnect", func() bool {
		p, _ := findPoll(c.View(), created.PollID)
		return p.Likes == 1
	})
}

type countingAPI struct {
	*client.PollsClient
	lists   atomic.Int32
	release chan struct{}
}

func (a *countingAPI) List(ctx context.Context) ([]pollstore.Poll, error) {
	a.lists.Add(1)
	<-a.release
	return []pollstore.Poll{{ID: 1, Question: "Q?", Options: []pollstore.Option{{ID: 1, Text: "a"}, {ID: 2, Text: "b"}}}}, nil
}

func TestController_RefreshIsCoalesced(t *testing.T) {
	api := &countingAPI{release: make(chan struct{})}
	c := New(api, openCreds(t, credentials.NewMemory()), Options{})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Refresh(context.Background())
		}()
	}
	waitFor(t, "first list call", func() bool { return api.lists.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(api.release)
	wg.Wait()

	if n := api.lists.Load(); n != 1 {
		t.Errorf("List called %d times, want 1", n)
	}
	if len(c.View().Polls) != 1 {
		t.Error("refresh did not populate the store")
	}
}

func TestController_DegradedWithoutPush(t *testing.T) {
	env := newEnv(t, devserver.Config{})
	c := New(env.api(), openCreds(t, credentials.NewMemory()), Options{
		Push: syncchan.Options{
			URL:            "ws://127.0.0.1:1/ws",
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			MaxAttempts:    2,
		},
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "degraded signal", c.Degraded)
	if !c.View().Degraded {
		t.Error("view should report degraded mode")
	}

	// Polls remain usable through manual refresh.
	env.api().Create(context.Background(), "Q?", []string{"a", "b"})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(c.View().Polls) != 1 {
		t.Error("manual refresh did not load the poll")
	}
}

func TestController_CloseDiscardsLateEffects(t *testing.T) {
	env := newEnv(t, devserver.Config{ReturnPoll: true})
	c := env.controller(t, openCreds(t, credentials.NewMemory()))

	var notified atomic.Int32
	c.Subscribe(func() { notified.Add(1) })
	c.Close()
	before := notified.Load()

	if _, err := c.Create(context.Background(), "Q?", []string{"a", "b"}); err != nil {
		t.Fatalf("Create after Close: %v", err)
	}
	if len(c.View().Polls) != 0 {
		t.Error("closed controller should not show new polls")
	}
	if notified.Load() != before {
		t.Error("closed controller notified subscribers")
	}
}

// gatedListAPI holds List until the test hands it a result
type gatedListAPI struct {
	*client.PollsClient
	started chan struct{}
	result  chan []pollstore.Poll
}

func (a *gatedListAPI) List(ctx context.Context) ([]pollstore.Poll, error) {
	a.started <- struct{}{}
	return <-a.result, nil
}

func TestController_RefreshKeepsChangesMadeDuringFetch(t *testing.T) {
	api := &gatedListAPI{started: make(chan struct{}), result: make(chan []pollstore.Poll)}
	c := New(api, openCreds(t, credentials.NewMemory()), Options{})
	defer c.Close()

	poll := func(id int64, coffee int) pollstore.Poll {
		return pollstore.Poll{ID: id, Question: "Q?", Options: []pollstore.Option{{ID: id * 10, Text: "a", Votes: coffee}, {ID: id*10 + 1, Text: "b"}}}
	}
	c.store.ReplaceAll([]pollstore.Poll{poll(2, 0), poll(1, 4)})
	tok, err := c.store.ApplyOptimistic(1, pollstore.VoteDelta(10))
	if err != nil {
		t.Fatalf("ApplyOptimistic: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-api.started

	// Push events arrive while the list request is in flight.
	c.store.UpsertCreated(poll(9, 0))
	c.store.Remove(2)

	// The server answered from a state that predates both events.
	api.result <- []pollstore.Poll{poll(2, 0), poll(1, 4)}
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	v := c.View()
	if _, ok := findPoll(v, 9); !ok {
		t.Error("poll created during the refresh is gone")
	}
	if _, ok := findPoll(v, 2); ok {
		t.Error("poll deleted during the refresh came back")
	}
	if p, _ := findPoll(v, 1); p.Options[0].Votes != 5 {
		t.Errorf("pending vote not held across refresh: %+v", p)
	}

	c.store.Confirm(tok)
	if p, _ := findPoll(c.View(), 1); p.Options[0].Votes != 5 {
		t.Errorf("confirmed vote = %d, want 5", p.Options[0].Votes)
	}
}
