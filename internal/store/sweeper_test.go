package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

func TestSweepRemovesExpiredAnonymousThreads(t *testing.T) {
	ctx := context.Background()
	threads := NewMemoryThreads()
	messages := NewMemoryMessages()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	anon := &models.Thread{Owner: models.Principal{AnonymousID: "a1"}}
	if err := threads.Create(ctx, anon); err != nil {
		t.Fatal(err)
	}
	if err := messages.Append(ctx, &models.Message{ThreadID: anon.ID, Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	user := &models.Thread{Owner: models.Principal{UserID: "u1"}}
	if err := threads.Create(ctx, user); err != nil {
		t.Fatal(err)
	}

	var purged []string
	sw := NewSweeper(threads, messages, 0, "@daily", logger)
	sw.AddPurger(func(ctx context.Context, threadID string) {
		purged = append(purged, threadID)
	})

	time.Sleep(time.Millisecond)
	sw.Sweep(ctx)

	if _, err := threads.Get(ctx, anon.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("anonymous thread should be removed, Get = %v", err)
	}
	if _, err := threads.Get(ctx, user.ID); err != nil {
		t.Errorf("registered thread must survive: %v", err)
	}
	msgs, _ := messages.ListByThread(ctx, anon.ID, 0)
	if len(msgs) != 0 {
		t.Error("messages for the removed thread should be deleted")
	}
	if len(purged) != 1 || purged[0] != anon.ID {
		t.Errorf("purgers should run for the removed thread, got %v", purged)
	}
}
