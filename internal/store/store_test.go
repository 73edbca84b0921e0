package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestChatUpsertAndGet(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: 42, Type: "private", Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat(42)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Alice" {
		t.Fatalf("GetChat(42) = %+v, want Alice", c)
	}

	// Upsert updates in place.
	if err := db.UpsertChat(&Chat{ID: 42, Type: "private", Name: "Alice B", Muted: true}); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat(42)
	if c.Name != "Alice B" || !c.Muted {
		t.Errorf("after upsert chat = %+v, want renamed and muted", c)
	}

	if c, _ := db.GetChat(999); c != nil {
		t.Errorf("GetChat(999) = %+v, want nil", c)
	}
}

func TestInsertChatIfAbsentKeepsExisting(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: 7, Name: "Real Name"}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertChatIfAbsent(&Chat{ID: 7, Name: "New Chat"}); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetChat(7)
	if c.Name != "Real Name" {
		t.Errorf("placeholder overwrote existing chat name: %q", c.Name)
	}
}

func TestUnreadCounter(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertChat(&Chat{ID: 1}); err != nil {
		t.Fatal(err)
	}
	_ = db.IncrementUnread(1)
	_ = db.IncrementUnread(1)
	c, _ := db.GetChat(1)
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	_ = db.ClearUnread(1)
	c, _ = db.GetChat(1)
	if c.UnreadCount != 0 {
		t.Errorf("unread after clear = %d, want 0", c.UnreadCount)
	}
}

func TestInsertMessageIsInsertIfAbsent(t *testing.T) {
	db := testDB(t)

	inserted, err := db.InsertMessage(&Message{MsgID: "m1", ChatID: 1, Content: "hi", Status: StatusDelivered, Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first insert should report inserted=true")
	}

	inserted, err = db.InsertMessage(&Message{MsgID: "m1", ChatID: 1, Content: "changed", Status: StatusDelivered, Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate insert should report inserted=false")
	}

	m, _ := db.GetMessage("m1")
	if m.Content != "hi" {
		t.Errorf("duplicate insert mutated content: %q", m.Content)
	}
}

func TestRaiseMessageStatusIsMonotonic(t *testing.T) {
	db := testDB(t)
	if _, err := db.InsertMessage(&Message{MsgID: "m1", ChatID: 1, Status: StatusRead, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	// Lower status must not downgrade.
	if err := db.RaiseMessageStatus("m1", StatusDelivered); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("m1")
	if m.Status != StatusRead {
		t.Errorf("status = %q, want read after delivered arrives late", m.Status)
	}

	// Higher status raises.
	if _, err := db.InsertMessage(&Message{MsgID: "m2", ChatID: 1, Status: StatusSent, Timestamp: 2}); err != nil {
		t.Fatal(err)
	}
	if err := db.RaiseMessageStatus("m2", StatusRead); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage("m2")
	if m.Status != StatusRead {
		t.Errorf("status = %q, want read", m.Status)
	}
}

// TestRaiseMessageStatusMatchesLadder pins the SQL rank guard to StatusRank:
// for every pair of statuses the stored value changes exactly when the new
// status ranks higher.
func TestRaiseMessageStatusMatchesLadder(t *testing.T) {
	db := testDB(t)
	statuses := []string{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed}

	for i, from := range statuses {
		for j, to := range statuses {
			msgID := fmt.Sprintf("m-%d-%d", i, j)
			if _, err := db.InsertMessage(&Message{MsgID: msgID, ChatID: 1, Status: from, Timestamp: 1}); err != nil {
				t.Fatal(err)
			}
			if err := db.RaiseMessageStatus(msgID, to); err != nil {
				t.Fatal(err)
			}
			want := from
			if StatusRank(to) > StatusRank(from) {
				want = to
			}
			m, _ := db.GetMessage(msgID)
			if m.Status != want {
				t.Errorf("raise %s->%s: status = %q, want %q", from, to, m.Status, want)
			}
		}
	}
}

func TestMarkReadUpTo(t *testing.T) {
	db := testDB(t)
	me := int64(10)
	for i, ts := range []int64{100, 200, 300} {
		msg := &Message{MsgID: string(rune('a' + i)), ChatID: 5, SenderID: me, Status: StatusSent, Timestamp: ts}
		if _, err := db.InsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}
	// Someone else's message must not be touched.
	if _, err := db.InsertMessage(&Message{MsgID: "other", ChatID: 5, SenderID: 99, Status: StatusDelivered, Timestamp: 150}); err != nil {
		t.Fatal(err)
	}

	n, err := db.MarkReadUpTo(5, 200, me)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows updated = %d, want 2", n)
	}

	m, _ := db.GetMessage("c")
	if m.Status != StatusSent {
		t.Errorf("message after cutoff status = %q, want sent", m.Status)
	}
	m, _ = db.GetMessage("other")
	if m.Status != StatusDelivered {
		t.Errorf("other sender's message status = %q, want delivered", m.Status)
	}
}

func TestPendingLifecycle(t *testing.T) {
	db := testDB(t)

	p := &PendingMessage{MessageID: "m1", ChatID: 42, SenderID: 1, Content: "hello"}
	if err := db.InsertPending(p); err != nil {
		t.Fatal(err)
	}

	// Defaults applied.
	got, err := db.GetPending("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SendState != SendQueued || got.MaxRetries != 5 || got.CreatedAt == 0 {
		t.Errorf("pending defaults = %+v", got)
	}

	// Duplicate insert violates the one-row-per-id invariant.
	if err := db.InsertPending(&PendingMessage{MessageID: "m1", ChatID: 42}); err == nil {
		t.Error("duplicate InsertPending should fail")
	}

	if err := db.MarkPendingSending("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPending("m1")
	if got.SendState != SendSending || got.LastAttemptAt == 0 {
		t.Errorf("after MarkPendingSending = %+v", got)
	}

	if err := db.MarkPendingFailed("m1", SendQueued, "boom"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPending("m1")
	if got.RetryCount != 1 || got.ErrorMessage != "boom" || got.SendState != SendQueued {
		t.Errorf("after MarkPendingFailed = %+v", got)
	}

	if err := db.ResetPendingRetry("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPending("m1")
	if got.RetryCount != 0 || got.ErrorMessage != "" {
		t.Errorf("after ResetPendingRetry = %+v", got)
	}

	if err := db.DeletePending("m1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetPending("m1"); got != nil {
		t.Errorf("pending still present after delete: %+v", got)
	}
}

func TestPendingReadySelection(t *testing.T) {
	db := testDB(t)

	// Queued: eligible.
	_ = db.InsertPending(&PendingMessage{MessageID: "q", ChatID: 1, CreatedAt: 1})
	// Sending with a fresh attempt: not eligible (waiting for ack).
	_ = db.InsertPending(&PendingMessage{MessageID: "fresh", ChatID: 1, CreatedAt: 2})
	_ = db.MarkPendingSending("fresh")
	// Sending with a stale attempt: eligible again (ack never arrived).
	_ = db.InsertPending(&PendingMessage{
		MessageID: "stale", ChatID: 1, CreatedAt: 3,
		SendState: SendSending, LastAttemptAt: time.Now().Add(-time.Hour).UnixMilli(),
	})
	// Exhausted retries: excluded.
	_ = db.InsertPending(&PendingMessage{MessageID: "dead", ChatID: 1, CreatedAt: 4, RetryCount: 5, MaxRetries: 5})

	ready, err := db.PendingReady(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready = %d rows, want 2 (got %+v)", len(ready), ready)
	}
	// Creation order.
	if ready[0].MessageID != "q" || ready[1].MessageID != "stale" {
		t.Errorf("ready order = %s, %s; want q, stale", ready[0].MessageID, ready[1].MessageID)
	}
}

func TestSyncCursorMonotonic(t *testing.T) {
	db := testDB(t)

	if pts, _ := db.Position(); pts != 0 {
		t.Errorf("fresh position = %d, want 0", pts)
	}
	if err := db.AdvancePosition(15); err != nil {
		t.Fatal(err)
	}
	// Re-applying an older delta must not regress.
	if err := db.AdvancePosition(10); err != nil {
		t.Fatal(err)
	}
	if pts, _ := db.Position(); pts != 15 {
		t.Errorf("position = %d, want 15", pts)
	}

	if err := db.AdvanceChannelPosition(7, 99); err != nil {
		t.Fatal(err)
	}
	_ = db.AdvanceChannelPosition(7, 50)
	if pts, _ := db.ChannelPosition(7); pts != 99 {
		t.Errorf("channel position = %d, want 99", pts)
	}
	// Channels are independent of the global cursor.
	if pts, _ := db.Position(); pts != 15 {
		t.Errorf("global position = %d, want 15", pts)
	}

	if err := db.ResetSyncState(); err != nil {
		t.Fatal(err)
	}
	if pts, _ := db.Position(); pts != 0 {
		t.Errorf("position after reset = %d, want 0", pts)
	}
}

func TestLastSyncAt(t *testing.T) {
	db := testDB(t)

	ts, err := db.LastSyncAt()
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Errorf("fresh LastSyncAt = %v, want zero", ts)
	}

	if err := db.TouchLastSync(); err != nil {
		t.Fatal(err)
	}
	ts, _ = db.LastSyncAt()
	if time.Since(ts) > time.Minute {
		t.Errorf("LastSyncAt = %v, want recent", ts)
	}
}
