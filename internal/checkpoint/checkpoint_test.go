package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

func stateAt(iteration, tokens int, status models.AgentStatus, messages ...string) *models.AgentState {
	s := &models.AgentState{Iteration: iteration, TotalTokens: tokens, Status: status}
	for _, m := range messages {
		s.Messages = append(s.Messages, models.ChatMessage{Role: models.RoleAssistant, Content: m})
	}
	return s
}

func TestSaveAssignsMonotonicStepsAndLineage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp1, err := store.Save(ctx, "t1", stateAt(1, 10, models.AgentRunning, "a"))
	if err != nil {
		t.Fatal(err)
	}
	cp2, err := store.Save(ctx, "t1", stateAt(2, 25, models.AgentRunning, "a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	cp3, err := store.Save(ctx, "t1", stateAt(3, 40, models.AgentCompleted, "a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}

	if cp1.Step != 1 || cp2.Step != 2 || cp3.Step != 3 {
		t.Errorf("steps = %d,%d,%d, want 1,2,3", cp1.Step, cp2.Step, cp3.Step)
	}
	if cp1.ParentID != "" {
		t.Errorf("first checkpoint should have no parent, got %q", cp1.ParentID)
	}
	if cp2.ParentID != cp1.ID || cp3.ParentID != cp2.ID {
		t.Error("each checkpoint's parent must be the previous one")
	}

	// A separate thread's lineage starts fresh.
	other, err := store.Save(ctx, "t2", stateAt(1, 5, models.AgentRunning))
	if err != nil {
		t.Fatal(err)
	}
	if other.Step != 1 || other.ParentID != "" {
		t.Errorf("new thread lineage = step %d parent %q", other.Step, other.ParentID)
	}
}

func TestLatestReturnsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Latest(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest on empty thread = %v, want ErrNotFound", err)
	}

	store.Save(ctx, "t1", stateAt(1, 10, models.AgentRunning))
	cp2, _ := store.Save(ctx, "t1", stateAt(2, 20, models.AgentInterrupted))

	latest, err := store.Latest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != cp2.ID || latest.State.Status != models.AgentInterrupted {
		t.Errorf("Latest = %+v, want checkpoint %s", latest, cp2.ID)
	}
}

func TestSavedStateIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	live := stateAt(1, 10, models.AgentRunning, "original")
	if _, err := store.Save(ctx, "t1", live); err != nil {
		t.Fatal(err)
	}

	// Mutating live state after Save must not change the snapshot.
	live.Messages[0].Content = "mutated"
	live.TotalTokens = 999

	latest, err := store.Latest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.State.Messages[0].Content != "original" || latest.State.TotalTokens != 10 {
		t.Errorf("snapshot aliases live state: %+v", latest.State)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		store.Save(ctx, "t1", stateAt(i, i*10, models.AgentRunning))
	}

	history, err := store.History(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Step != 5 || history[2].Step != 3 {
		t.Errorf("history order wrong: steps %d..%d", history[0].Step, history[2].Step)
	}
}

func TestDeleteExpiredKeepsNewestPerThread(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		store.Save(ctx, "t1", stateAt(i, 0, models.AgentRunning))
	}

	// Everything is older than the cutoff, but the newest 2 must survive.
	removed, err := store.DeleteExpired(ctx, time.Now().Add(time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	history, _ := store.History(ctx, "t1", 0)
	if len(history) != 2 || history[0].Step != 5 || history[1].Step != 4 {
		t.Errorf("surviving lineage wrong: %+v", history)
	}

	// Resume still works from the retained head.
	latest, err := store.Latest(ctx, "t1")
	if err != nil || latest.Step != 5 {
		t.Errorf("Latest after sweep = %+v, %v", latest, err)
	}
}

func TestDiff(t *testing.T) {
	older := &models.Checkpoint{State: stateAt(1, 100, models.AgentRunning, "a")}
	newer := &models.Checkpoint{State: stateAt(3, 250, models.AgentInterrupted, "a", "b", "c")}

	d := Diff(older, newer)
	if d.MessagesAdded != 2 {
		t.Errorf("MessagesAdded = %d, want 2", d.MessagesAdded)
	}
	if d.TokensDelta != 150 {
		t.Errorf("TokensDelta = %d, want 150", d.TokensDelta)
	}
	if d.IterationDelta != 2 {
		t.Errorf("IterationDelta = %d, want 2", d.IterationDelta)
	}
	if d.StatusFrom != models.AgentRunning || d.StatusTo != models.AgentInterrupted {
		t.Errorf("status transition = %s -> %s", d.StatusFrom, d.StatusTo)
	}
}

func TestDeleteThreadRemovesLineage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Save(ctx, "t1", stateAt(1, 0, models.AgentRunning))

	if err := store.DeleteThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Latest(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest after DeleteThread = %v, want ErrNotFound", err)
	}
}
