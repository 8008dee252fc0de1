package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tymbal-dev/tymbal/internal/store"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.CreateSpace(ctx, &store.Space{ID: "sp1"}); err != nil {
		t.Fatalf("create space: %v", err)
	}
	if err := st.CreateChannel(ctx, &store.Channel{ID: "ch1", SpaceID: "sp1"}); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return st
}

func TestRunOncePurgesOldMessagesAndAuditEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	mustAppendMessage(t, st, "m-old", old)
	mustAppendMessage(t, st, "m-new", recent)
	mustLogAudit(t, st, "a-old", old)
	mustLogAudit(t, st, "a-new", recent)

	p := New(st, 24*time.Hour, 24*time.Hour, testLogger())
	p.RunOnce(ctx)

	msgs, err := st.GetMessages(ctx, "ch1", nil, nil, 100)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-new" {
		t.Fatalf("messages after purge = %+v, want only m-new", msgs)
	}

	events, err := st.ListAuditEvents(ctx, "sp1", 100, 0)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "a-new" {
		t.Fatalf("audit events after purge = %+v, want only a-new", events)
	}
}

func TestRunOnceSkipsPurgeWhenRetentionZero(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	mustAppendMessage(t, st, "m-old", old)

	p := New(st, 0, 0, testLogger())
	p.RunOnce(ctx)

	msgs, err := st.GetMessages(ctx, "ch1", nil, nil, 100)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages after no-op purge = %d, want 1 (retention disabled)", len(msgs))
	}
}

func mustAppendMessage(t *testing.T, st store.Store, id string, createdAt time.Time) {
	t.Helper()
	msg := &store.Message{
		ID:         id,
		SpaceID:    "sp1",
		ChannelID:  "ch1",
		SenderType: "agent",
		Type:       "text",
		Content:    []byte(`"hi"`),
		CreatedAt:  createdAt,
	}
	if err := st.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append message %s: %v", id, err)
	}
}

func mustLogAudit(t *testing.T, st store.Store, id string, createdAt time.Time) {
	t.Helper()
	evt := &store.AuditEvent{
		ID:        id,
		SpaceID:   "sp1",
		Action:    "test",
		CreatedAt: createdAt,
	}
	if err := st.LogAuditEvent(context.Background(), evt); err != nil {
		t.Fatalf("log audit event %s: %v", id, err)
	}
}
