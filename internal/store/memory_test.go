package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

func TestThreadCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryThreads()

	th := &models.Thread{Owner: models.Principal{UserID: "u1"}, Title: "New chat", TitleAutogenerated: true}
	if err := repo.Create(ctx, th); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if th.ID == "" {
		t.Fatal("Create should assign an id")
	}
	if th.Status != models.ThreadActive {
		t.Errorf("Status = %q, want active", th.Status)
	}

	got, err := repo.Get(ctx, th.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "New chat" || !got.TitleAutogenerated {
		t.Errorf("Get returned %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Title = "mutated"
	again, _ := repo.Get(ctx, th.ID)
	if again.Title != "New chat" {
		t.Error("Get must return an isolated copy")
	}
}

func TestThreadCreateRejectsInvalidPrincipal(t *testing.T) {
	repo := NewMemoryThreads()
	err := repo.Create(context.Background(), &models.Thread{})
	if err == nil {
		t.Fatal("Create should reject a thread with no owner identity")
	}
}

func TestThreadGetMissing(t *testing.T) {
	repo := NewMemoryThreads()
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestListOwnedFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryThreads()
	owner := models.Principal{UserID: "u1"}
	other := models.Principal{AnonymousID: "u1"} // same raw id, different namespace

	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, &models.Thread{Owner: owner}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Create(ctx, &models.Thread{Owner: other}); err != nil {
		t.Fatal(err)
	}

	all, err := repo.ListOwned(ctx, owner, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("ListOwned = %d threads, want 5 (anon namespace must not collide)", len(all))
	}

	page, err := repo.ListOwned(ctx, owner, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("paged ListOwned = %d, want 1", len(page))
	}
}

func TestDeleteExpiredAnonymous(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryThreads()

	anon := &models.Thread{Owner: models.Principal{AnonymousID: "a1"}}
	user := &models.Thread{Owner: models.Principal{UserID: "u1"}}
	if err := repo.Create(ctx, anon); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatal(err)
	}

	removed, err := repo.DeleteExpiredAnonymous(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != anon.ID {
		t.Errorf("removed = %v, want [%s]", removed, anon.ID)
	}
	if _, err := repo.Get(ctx, user.ID); err != nil {
		t.Error("registered user's thread must survive the sweep")
	}
}

func TestCountMessagesReflectsAppendedRows(t *testing.T) {
	ctx := context.Background()
	set := MemorySet()

	th := &models.Thread{Owner: models.Principal{UserID: "u1"}}
	if err := set.Threads.Create(ctx, th); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"one", "two", "three"} {
		err := set.Messages.Append(ctx, &models.Message{ThreadID: th.ID, Role: models.RoleUser, Content: content})
		if err != nil {
			t.Fatal(err)
		}
	}

	// The count comes from the message rows, not from the thread's stored
	// counter, which trails behind until the dispatcher updates it.
	n, err := set.Threads.CountMessages(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountMessages = %d, want 3", n)
	}

	if _, err := set.Threads.CountMessages(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CountMessages on missing thread = %v, want ErrNotFound", err)
	}
}

func TestMessagesAppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessages()

	for _, content := range []string{"first", "second", "third"} {
		err := repo.Append(ctx, &models.Message{ThreadID: "t1", Role: models.RoleUser, Content: content})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := repo.ListByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("ListByThread order wrong: %+v", msgs)
	}

	tail, err := repo.ListByThread(ctx, "t1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Content != "second" {
		t.Errorf("limited ListByThread should keep the newest messages, got %+v", tail)
	}

	if err := repo.DeleteThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	msgs, _ = repo.ListByThread(ctx, "t1", 0)
	if len(msgs) != 0 {
		t.Error("DeleteThread should clear the log")
	}
}

func TestQuotaCheckAndIncrement(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQuota()
	repo.SetLimit("u1", models.CapabilityText, 2)

	if _, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1); err != nil {
		t.Fatal(err)
	}
	q, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 2 || q.Remaining() != 0 {
		t.Errorf("quota after two increments: %+v", q)
	}

	q, err = repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third increment = %v, want ErrQuotaExceeded", err)
	}
	if q.Used != 2 {
		t.Errorf("denied increment must not mutate the counter, got used=%d", q.Used)
	}
}

func TestQuotaWindowReset(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQuota()
	repo.Window = 10 * time.Millisecond
	repo.SetLimit("u1", models.CapabilityText, 1)

	if _, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatal("counter should be exhausted before the window rolls")
	}

	time.Sleep(15 * time.Millisecond)
	q, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1)
	if err != nil {
		t.Fatalf("increment after window reset: %v", err)
	}
	if q.Used != 1 {
		t.Errorf("used after reset = %d, want 1", q.Used)
	}
}

// Quota safety under concurrency: with limit L and N concurrent callers,
// exactly min(N, L) succeed and the counter never exceeds L.
func TestQuotaConcurrentIncrementsNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQuota()
	const limit, callers = 10, 50
	repo.SetLimit("u1", models.CapabilityText, limit)

	var successes int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CheckAndIncrement(ctx, "u1", models.CapabilityText, 1)
			switch {
			case err == nil:
				atomic.AddInt64(&successes, 1)
			case errors.Is(err, ErrQuotaExceeded):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != limit {
		t.Errorf("successes = %d, want %d", successes, limit)
	}
	q, _ := repo.Get(ctx, "u1", models.CapabilityText)
	if q.Used > limit {
		t.Errorf("counter overshot: used = %d, limit = %d", q.Used, limit)
	}
}

func TestUsageLogAppend(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryQuota()

	entry := &models.UsageLogEntry{
		UserID:       "u1",
		Capability:   models.CapabilityText,
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-5",
		KeySource:    models.KeySourceSystem,
		InputTokens:  120,
		OutputTokens: 340,
	}
	if err := repo.AppendLog(ctx, entry); err != nil {
		t.Fatal(err)
	}

	log := repo.Log()
	if len(log) != 1 {
		t.Fatalf("log length = %d, want 1", len(log))
	}
	if log[0].CreatedAt.IsZero() {
		t.Error("AppendLog should stamp CreatedAt")
	}
}

func TestSandboxHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySandboxHistory()

	h := &models.SandboxHistory{
		ThreadID:          "t1",
		InstalledPackages: []string{"numpy"},
		LastCleanupReason: models.CleanupIdleTimeout,
	}
	if err := repo.Put(ctx, h); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	got.InstalledPackages[0] = "mutated"
	again, _ := repo.Get(ctx, "t1")
	if again.InstalledPackages[0] != "numpy" {
		t.Error("Get must deep-copy slices")
	}

	if err := repo.Delete(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}
