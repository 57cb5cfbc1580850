package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func openStore(t *testing.T, b Backend) *Store {
	t.Helper()
	s, err := Open(context.Background(), b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_PutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, NewMemory())

	if _, ok := s.Get(7); ok {
		t.Fatal("expected no credential before Put")
	}
	if err := s.Put(ctx, 7, "abc"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if tok, ok := s.Get(7); !ok || tok != "abc" {
		t.Errorf("Get(7) = %q, %v; want abc, true", tok, ok)
	}

	// One credential per poll: a second Put replaces the first.
	s.Put(ctx, 7, "def")
	if tok, _ := s.Get(7); tok != "def" {
		t.Errorf("Get(7) = %q, want def", tok)
	}

	if err := s.Invalidate(ctx, 7); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := s.Get(7); ok {
		t.Error("expected credential to be gone after Invalidate")
	}
}

func TestStore_SubscribeSameWindow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, NewMemory())

	var got []int64
	unsubscribe := s.Subscribe(func(id int64) { got = append(got, id) })

	s.Put(ctx, 1, "a")
	s.Put(ctx, 1, "a") // unchanged, no notification
	s.Invalidate(ctx, 1)
	unsubscribe()
	s.Put(ctx, 2, "b")

	if len(got) != 2 || got[0] != 1 || got[1] != 1 {
		t.Errorf("notifications = %v, want [1 1]", got)
	}
}

func TestStore_SyncSeesOtherWindow(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	a := openStore(t, shared)
	b := openStore(t, shared)

	var notified []int64
	b.Subscribe(func(id int64) { notified = append(notified, id) })

	a.Put(ctx, 7, "abc")
	if _, ok := b.Get(7); ok {
		t.Fatal("b should not see the token before Sync")
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if tok, ok := b.Get(7); !ok || tok != "abc" {
		t.Errorf("b.Get(7) = %q, %v; want abc, true", tok, ok)
	}

	a.Invalidate(ctx, 7)
	b.Sync(ctx)
	if _, ok := b.Get(7); ok {
		t.Error("b still has the token after a invalidated it")
	}
	if len(notified) != 2 {
		t.Errorf("expected 2 notifications in b, got %v", notified)
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.db")

	b1, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s1 := openStore(t, b1)
	if err := s1.Put(ctx, 7, "abc"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s1.Close()

	b2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2 := openStore(t, b2)
	defer s2.Close()

	if tok, ok := s2.Get(7); !ok || tok != "abc" {
		t.Errorf("after reopen Get(7) = %q, %v; want abc, true", tok, ok)
	}
}

func TestSQLite_ChangedDetectsOtherConnection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.db")

	writer, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite writer: %v", err)
	}
	defer writer.Close()
	reader, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite reader: %v", err)
	}
	defer reader.Close()

	reader.Changed(ctx) // baseline
	if changed, _ := reader.Changed(ctx); changed {
		t.Fatal("expected no change without writes")
	}

	if err := writer.Put(ctx, 1, "tok"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if changed, err := reader.Changed(ctx); err != nil || !changed {
		t.Errorf("Changed() = %v, %v; want true, nil", changed, err)
	}
}

func TestStore_WatchPicksUpExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")

	wb, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	rb, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	writer := openStore(t, wb)
	defer writer.Close()
	reader := openStore(t, rb)
	defer reader.Close()

	seen := make(chan int64, 4)
	reader.Subscribe(func(id int64) { seen <- id })

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reader.Watch(ctx, 10*time.Millisecond)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := writer.Put(context.Background(), 42, "secret"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case id := <-seen:
		if id != 42 {
			t.Errorf("notified for poll %d, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not pick up the external write")
	}
	if tok, ok := reader.Get(42); !ok || tok != "secret" {
		t.Errorf("reader.Get(42) = %q, %v", tok, ok)
	}
}

func TestKeyring_RoundTrip(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	s := openStore(t, NewKeyring())
	s.Put(ctx, 3, "t3")
	s.Put(ctx, 5, "t5")
	s.Invalidate(ctx, 3)

	fresh := openStore(t, NewKeyring())
	if _, ok := fresh.Get(3); ok {
		t.Error("expected poll 3 credential to be deleted")
	}
	if tok, ok := fresh.Get(5); !ok || tok != "t5" {
		t.Errorf("Get(5) = %q, %v; want t5, true", tok, ok)
	}
}

type failingBackend struct{ *Memory }

func (f failingBackend) Put(ctx context.Context, pollID int64, token string) error {
	return errors.New("keychain locked")
}

func TestStore_PutKeepsTokenInMemoryOnBackendFailure(t *testing.T) {
	s := openStore(t, failingBackend{NewMemory()})

	if err := s.Put(context.Background(), 9, "tok"); err == nil {
		t.Error("expected backend error to be returned")
	}
	if tok, ok := s.Get(9); !ok || tok != "tok" {
		t.Errorf("Get(9) = %q, %v; want tok, true", tok, ok)
	}
}

func TestOpenBackend_Unknown(t *testing.T) {
	if _, err := OpenBackend("cloud", ""); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}
