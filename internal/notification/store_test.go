package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/ridealong/internal/kv"
	"github.com/dukerupert/ridealong/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) (*Store, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	return NewStore(mem, testLogger()), mem
}

func TestAddAndGetAll(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	rec := s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "T", Body: "B"})

	got := s.GetAll(ctx, "u1")
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected generated id")
	}
	if got[0].ID != rec.ID {
		t.Errorf("id = %q, want %q", got[0].ID, rec.ID)
	}
	if got[0].Read {
		t.Error("expected new record to be unread")
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if got[0].UserID != "u1" {
		t.Errorf("userId = %q, want u1", got[0].UserID)
	}
	if got[0].Title != "T" || got[0].Body != "B" {
		t.Errorf("title/body = %q/%q", got[0].Title, got[0].Body)
	}
}

func TestAddNewestFirstAndCapped(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < MaxRecords+20; i++ {
		s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: fmt.Sprintf("n%d", i)})
	}

	got := s.GetAll(ctx, "u1")
	if len(got) != MaxRecords {
		t.Fatalf("expected %d records, got %d", MaxRecords, len(got))
	}
	if got[0].Title != fmt.Sprintf("n%d", MaxRecords+19) {
		t.Errorf("newest = %q", got[0].Title)
	}
	if got[MaxRecords-1].Title != "n20" {
		t.Errorf("oldest kept = %q, want n20", got[MaxRecords-1].Title)
	}
}

func TestTimestampMillisecondUTC(t *testing.T) {
	s, _ := setupStore(t)
	s.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("IST", 2*3600))
	}

	rec := s.Add(context.Background(), "u1", model.Draft{Type: model.NotifGeneral})
	want := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, want)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", rec.Timestamp.Location())
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	a := s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "a"})
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "b"})

	if got := s.UnreadCount(ctx, "u1"); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	s.MarkRead(ctx, "u1", a.ID)
	if got := s.UnreadCount(ctx, "u1"); got != 1 {
		t.Fatalf("unread after first markRead = %d, want 1", got)
	}

	s.MarkRead(ctx, "u1", a.ID)
	if got := s.UnreadCount(ctx, "u1"); got != 1 {
		t.Fatalf("unread after second markRead = %d, want 1", got)
	}
}

func TestMarkReadUnknownIDNoNotify(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})

	calls := 0
	s.Subscribe(func() { calls++ })

	s.MarkRead(ctx, "u1", "missing")
	if calls != 0 {
		t.Errorf("expected no notification for unknown id, got %d", calls)
	}
	if got := s.UnreadCount(ctx, "u1"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestMarkAllRead(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	}

	s.MarkAllRead(ctx, "u1")
	if got := s.UnreadCount(ctx, "u1"); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
}

func TestRemove(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	a := s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "a"})
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "b"})

	s.Remove(ctx, "u1", a.ID)

	got := s.GetAll(ctx, "u1")
	if len(got) != 1 || got[0].Title != "b" {
		t.Fatalf("after remove got %+v", got)
	}
}

func TestClearAllIsolatesUsers(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	s.Add(ctx, "u2", model.Draft{Type: model.NotifGeneral})

	s.ClearAll(ctx, "u1")

	if got := s.GetAll(ctx, "u1"); len(got) != 0 {
		t.Errorf("u1 records = %d, want 0", len(got))
	}
	if got := s.GetAll(ctx, "u2"); len(got) != 1 {
		t.Errorf("u2 records = %d, want 1", len(got))
	}
}

func TestCorruptStorageReadsEmpty(t *testing.T) {
	s, mem := setupStore(t)
	ctx := context.Background()
	mem.Set(ctx, StorageKey("u1"), "{not json")

	if got := s.GetAll(ctx, "u1"); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}

	// A write over corrupt data replaces it.
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	if got := s.GetAll(ctx, "u1"); len(got) != 1 {
		t.Fatalf("expected 1 record after add, got %d", len(got))
	}
}

type failingStorage struct{}

func (failingStorage) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}
func (failingStorage) Set(context.Context, string, string) error { return errors.New("disk gone") }
func (failingStorage) Delete(context.Context, string) error     { return errors.New("disk gone") }
func (failingStorage) Update(context.Context, string, kv.UpdateFunc) error {
	return errors.New("disk gone")
}

func TestUnavailableStorageNeverFails(t *testing.T) {
	s := NewStore(failingStorage{}, testLogger())
	ctx := context.Background()

	calls := 0
	s.Subscribe(func() { calls++ })

	rec := s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral, Title: "x"})
	if rec.ID == "" {
		t.Error("expected add to return a record")
	}
	if got := s.GetAll(ctx, "u1"); len(got) != 0 {
		t.Errorf("expected empty list, got %d", len(got))
	}
	s.ClearAll(ctx, "u1")
	if calls != 2 {
		t.Errorf("listener calls = %d, want 2", calls)
	}
}

func TestLegacyRecordsGetUserID(t *testing.T) {
	s, mem := setupStore(t)
	ctx := context.Background()
	mem.Set(ctx, StorageKey("u1"), `[{"id":"r1","type":"general","title":"t","body":"b","timestamp":"2026-01-01T10:00:00.000Z","read":false}]`)

	got := s.GetAll(ctx, "u1")
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].UserID != "u1" {
		t.Errorf("userId = %q, want u1", got[0].UserID)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	calls := 0
	unsub := s.Subscribe(func() { calls++ })

	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	s.Add(ctx, "u2", model.Draft{Type: model.NotifGeneral})
	s.MarkAllRead(ctx, "u1")
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	unsub()
	unsub()
	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	if calls != 3 {
		t.Errorf("calls after unsubscribe = %d, want 3", calls)
	}
}

func TestListenerCanQueryStore(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	var seen int
	s.Subscribe(func() { seen = len(s.GetAll(ctx, "u1")) })

	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	if seen != 1 {
		t.Errorf("listener saw %d records, want 1", seen)
	}
}

func TestOnMutationAndTouch(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	var users []string
	s.OnMutation(func(userID string) { users = append(users, userID) })
	calls := 0
	s.Subscribe(func() { calls++ })

	s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
	s.ClearAll(ctx, "u2")
	s.Touch()

	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("mutation hook users = %v", users)
	}
	if calls != 3 {
		t.Errorf("listener calls = %d, want 3", calls)
	}
}

func TestConcurrentAdds(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
		}()
	}
	wg.Wait()

	if got := len(s.GetAll(ctx, "u1")); got != 50 {
		t.Errorf("records = %d, want 50", got)
	}
}

// slowReads delays every plain Get so that unsynchronized read-modify-write
// cycles of two stores would overlap.
type slowReads struct {
	*kv.Memory
}

func (s slowReads) Get(ctx context.Context, key string) (string, bool, error) {
	time.Sleep(20 * time.Millisecond)
	return s.Memory.Get(ctx, key)
}

func TestConcurrentAddsAcrossStores(t *testing.T) {
	shared := slowReads{kv.NewMemory()}
	a := NewStore(shared, testLogger())
	b := NewStore(shared, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(ctx, "u1", model.Draft{Type: model.NotifGeneral})
		}()
	}
	wg.Wait()

	if got := len(a.GetAll(ctx, "u1")); got != 2 {
		t.Errorf("records = %d, want 2", got)
	}
}
