package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(convID, analysis, status string) *Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &Record{
		Key:         Key{ConversationID: convID, Analysis: analysis},
		Status:      status,
		Category:    "control",
		ShieldModel: "modelX",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestGetAbsent(t *testing.T) {
	st := openTest(t)
	rec, err := st.Get(context.Background(), Key{ConversationID: "c1", Analysis: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected absent record, got %+v", rec)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	rec := testRecord("c1", "main", StatusCompleted)
	intervened := false
	rec.Intervened = &intervened
	rec.InterventionType = "none"
	rec.RawResponse = "[NO INTERVENTION]"
	rec.Attempts = 1
	if err := st.Put(ctx, rec, false); err != nil {
		t.Fatal(err)
	}
	got, err := st.Get(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("record missing after put")
	}
	if got.Status != StatusCompleted || got.Intervened == nil || *got.Intervened {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Attempts != 1 || got.RawResponse != "[NO INTERVENTION]" {
		t.Fatalf("payload not persisted: %+v", got)
	}
}

func TestCompletedNotOverwritten(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	done := testRecord("c1", "main", StatusCompleted)
	if err := st.Put(ctx, done, false); err != nil {
		t.Fatal(err)
	}
	claim := testRecord("c1", "main", StatusInProgress)
	if err := st.Put(ctx, claim, false); err != ErrCompleted {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
	// The force path replaces it.
	if err := st.Put(ctx, claim, true); err != nil {
		t.Fatal(err)
	}
	got, err := st.Get(ctx, claim.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected in_progress after forced put, got %s", got.Status)
	}
}

func TestReclaimStale(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		if err := st.Put(ctx, testRecord(id, "main", StatusInProgress), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Put(ctx, testRecord("c3", "main", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	n, err := st.ReclaimStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", n)
	}
	recs, err := st.List(ctx, "main", StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(recs))
	}
}

func TestListFiltersByStatus(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if err := st.Put(ctx, testRecord("c1", "main", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, testRecord("c2", "main", StatusFailed), false); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, testRecord("c3", "other", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	recs, err := st.List(ctx, "main", StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key.ConversationID != "c2" {
		t.Fatalf("unexpected failed list: %+v", recs)
	}
	all, err := st.List(ctx, "main", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records for main, got %d", len(all))
	}
}

func TestCorruptRowSkippedNotFatal(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if err := st.Put(ctx, testRecord("c1", "main", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	// Damage one row directly; a status outside the state machine must not
	// abort reads, and the unit must look absent so it gets reprocessed.
	if _, err := st.db.Exec(`UPDATE checkpoints SET status='garbage' WHERE conversation_id='c1'`); err != nil {
		t.Fatal(err)
	}
	rec, err := st.Get(ctx, Key{ConversationID: "c1", Analysis: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("corrupt record should read as absent, got %+v", rec)
	}
	if st.CorruptCount() == 0 {
		t.Fatal("corruption not counted")
	}
	recs, err := st.List(ctx, "main", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("corrupt row should be skipped in list, got %+v", recs)
	}
}

func TestCounts(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if err := st.Put(ctx, testRecord("c1", "main", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, testRecord("c2", "main", StatusCompleted), false); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, testRecord("c3", "main", StatusFailed), false); err != nil {
		t.Fatal(err)
	}
	c, err := st.Counts(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if c.Completed != 2 || c.Failed != 1 || c.Total != 3 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}
