package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wrapshop/fieldsync/errs"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New(1<<20, time.Hour)
	defer c.Close()
	ctx := context.Background()

	key := Key{Namespace: "task", ID: "t-1"}
	if err := c.Set(ctx, key, []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("unexpected value: %s", got)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 0 || st.Entries != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestGetMissReturnsNotFound(t *testing.T) {
	c := New(1<<20, time.Hour)
	defer c.Close()

	_, err := c.Get(context.Background(), Key{Namespace: "task", ID: "ghost"})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if st := c.Stats(); st.Misses != 1 {
		t.Fatalf("expected recorded miss: %+v", st)
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	c := New(1<<20, time.Hour)
	defer c.Close()
	ctx := context.Background()

	key := Key{Namespace: "quote", ID: "q-1"}
	if err := c.Set(ctx, key, []byte("x"), time.Nanosecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(ctx, key); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected expiry miss, got %v", err)
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Fatalf("expired entry must be removed on access: %+v", st)
	}
}

func TestEvictsLeastRecentlyUsedOverBudget(t *testing.T) {
	// Room for roughly three 100-byte values plus key overhead.
	c := New(340, 0)
	defer c.Close()
	ctx := context.Background()

	value := make([]byte, 100)
	for i := 0; i < 3; i++ {
		key := Key{Namespace: "photo", ID: fmt.Sprintf("p-%d", i)}
		if err := c.Set(ctx, key, value, 0); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	// Touch p-0 so p-1 becomes the eviction candidate.
	if _, err := c.Get(ctx, Key{Namespace: "photo", ID: "p-0"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.Set(ctx, Key{Namespace: "photo", ID: "p-3"}, value, 0); err != nil {
		t.Fatalf("set p-3: %v", err)
	}

	if _, err := c.Get(ctx, Key{Namespace: "photo", ID: "p-1"}); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected p-1 evicted, got %v", err)
	}
	for _, id := range []string{"p-0", "p-2", "p-3"} {
		if _, err := c.Get(ctx, Key{Namespace: "photo", ID: id}); err != nil {
			t.Fatalf("expected %s retained: %v", id, err)
		}
	}
	if st := c.Stats(); st.Evictions == 0 {
		t.Fatalf("expected eviction counted: %+v", st)
	}
}

func TestOversizedValueRefused(t *testing.T) {
	c := New(16, 0)
	defer c.Close()

	err := c.Set(context.Background(), Key{Namespace: "task", ID: "t-1"}, make([]byte, 64), 0)
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestClearByNamespace(t *testing.T) {
	c := New(1<<20, 0)
	defer c.Close()
	ctx := context.Background()

	for _, ns := range []string{"task", "task", "client"} {
		key := Key{Namespace: ns, ID: fmt.Sprintf("%s-%d", ns, c.Stats().Entries)}
		if err := c.Set(ctx, key, []byte("x"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	if n := c.Clear("task"); n != 2 {
		t.Fatalf("expected 2 task entries cleared, got %d", n)
	}
	if st := c.Stats(); st.Entries != 1 {
		t.Fatalf("client entry must survive a task clear: %+v", st)
	}
	if n := c.Clear(); n != 1 {
		t.Fatalf("expected full clear to drop remaining entry, got %d", n)
	}
	if st := c.Stats(); st.Bytes != 0 {
		t.Fatalf("full clear must zero the byte count: %+v", st)
	}
}

func TestSetReplacesExistingEntry(t *testing.T) {
	c := New(1<<20, 0)
	defer c.Close()
	ctx := context.Background()

	key := Key{Namespace: "client", ID: "c-1"}
	if err := c.Set(ctx, key, []byte("old"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, key, []byte("new-value"), 0); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "new-value" {
		t.Fatalf("unexpected value after replace: %s", got)
	}
	if st := c.Stats(); st.Entries != 1 {
		t.Fatalf("replace must not duplicate entries: %+v", st)
	}
}
