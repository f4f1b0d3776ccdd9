package meta

import (
	"path/filepath"
	"testing"
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

func TestRecordAndGet(t *testing.T) {
	db := testDB(t)

	if err := db.Record("f-42", "hi there", 1700000000, 0, false); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	e, err := db.Get("f-42")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("Get() = nil for recorded key")
	}
	if e.LastMessage != "hi there" || e.LastAt != 1700000000 || e.Unread != 0 {
		t.Errorf("entry = %+v", e)
	}
}

func TestGetUnknownKey(t *testing.T) {
	db := testDB(t)
	e, err := db.Get("g-999")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("Get(unknown) = %+v, want nil", e)
	}
}

func TestUnreadAccumulatesAndClears(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Record("g-8", "msg", int64(100+i), 0, true); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := db.Get("g-8")
	if e.Unread != 3 {
		t.Errorf("Unread = %d, want 3", e.Unread)
	}

	if err := db.ClearUnread("g-8"); err != nil {
		t.Fatal(err)
	}
	e, _ = db.Get("g-8")
	if e.Unread != 0 {
		t.Errorf("Unread after clear = %d, want 0", e.Unread)
	}
}

func TestLastSeqMonotonic(t *testing.T) {
	db := testDB(t)

	_ = db.Record("g-8", "a", 100, 7, false)
	_ = db.Record("g-8", "b", 200, 3, false) // late arrival, lower seq
	e, _ := db.Get("g-8")
	if e.LastSeq != 7 {
		t.Errorf("LastSeq = %d, want 7 (monotonic)", e.LastSeq)
	}
}

func TestRecordSeqLeavesPreviewAlone(t *testing.T) {
	db := testDB(t)

	_ = db.Record("g-8", "hello", 100, 2, false)
	if err := db.RecordSeq("g-8", 9); err != nil {
		t.Fatal(err)
	}
	e, _ := db.Get("g-8")
	if e.LastSeq != 9 {
		t.Errorf("LastSeq = %d, want 9", e.LastSeq)
	}
	if e.LastMessage != "hello" {
		t.Errorf("LastMessage = %q, want preserved", e.LastMessage)
	}
}

func TestLastAtMonotonic(t *testing.T) {
	db := testDB(t)

	_ = db.Record("f-1", "new", 200, 0, false)
	_ = db.Record("f-1", "old", 100, 0, false)
	e, _ := db.Get("f-1")
	if e.LastAt != 200 {
		t.Errorf("LastAt = %d, want 200", e.LastAt)
	}
}

func TestListOrdering(t *testing.T) {
	db := testDB(t)

	_ = db.Record("f-1", "a", 100, 0, false)
	_ = db.Record("g-2", "b", 300, 0, false)
	_ = db.Record("f-3", "c", 200, 0, false)

	entries, err := db.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Key != "g-2" || entries[2].Key != "f-1" {
		t.Errorf("order = %s,%s,%s; want g-2 first, f-1 last",
			entries[0].Key, entries[1].Key, entries[2].Key)
	}
}

func TestDeleteEvicts(t *testing.T) {
	db := testDB(t)

	_ = db.Record("f-42", "bye", 100, 0, false)
	if err := db.Delete("f-42"); err != nil {
		t.Fatal(err)
	}
	e, _ := db.Get("f-42")
	if e != nil {
		t.Errorf("entry survived delete: %+v", e)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	first, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed {
		t.Error("first migration should apply changes")
	}
	second, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed {
		t.Error("second migration should be a no-op")
	}
}
