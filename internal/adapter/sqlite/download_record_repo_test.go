package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vertextoedge/dlengine/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "db", "downloads.db"), 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func prepared(tag string) *domain.DownloadRecord {
	return &domain.DownloadRecord{
		Tag:       tag,
		URL:       "http://example.com/" + tag,
		LocalPath: "/tmp/" + tag,
		Name:      tag,
		Status:    domain.StatusPrepare,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := openTestStore(t)

	rec := prepared("a")
	if err := store.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rec.ID == 0 {
		t.Error("Upsert() did not set ID")
	}
	firstID, created := rec.ID, rec.CreatedAt

	rec.URL = "http://example.com/other"
	rec.CurrentSize = 10
	rec.CreatedAt = time.Time{}
	if err := store.Upsert(rec); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if rec.ID != firstID {
		t.Errorf("ID changed on upsert: %d -> %d", firstID, rec.ID)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, created)
	}

	got, err := store.GetByTag("a")
	if err != nil {
		t.Fatalf("GetByTag() error = %v", err)
	}
	if got.URL != "http://example.com/other" || got.CurrentSize != 10 || got.Status != domain.StatusPrepare {
		t.Errorf("GetByTag() = %+v", got)
	}

	missing, err := store.GetByTag("missing")
	if err != nil || missing != nil {
		t.Errorf("GetByTag(missing) = %v, %v, want nil, nil", missing, err)
	}
}

func TestStore_ListOrderedByID(t *testing.T) {
	store := openTestStore(t)

	for _, tag := range []string{"c", "a", "b"} {
		if err := store.Upsert(prepared(tag)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", tag, err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].Tag != want {
			t.Errorf("List()[%d].Tag = %s, want %s", i, list[i].Tag, want)
		}
	}
}

func TestStore_ProgressDoesNotOverridePause(t *testing.T) {
	store := openTestStore(t)
	if err := store.Upsert(prepared("a")); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateProgress("a", 10, 100, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByTag("a")
	if got.Status != domain.StatusProgress {
		t.Errorf("status after progress = %v, want progress", got.Status)
	}

	if err := store.UpdateStatus("a", domain.StatusPause, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateProgress("a", 20, 100, 20); err != nil {
		t.Fatal(err)
	}

	got, _ = store.GetByTag("a")
	if got.Status != domain.StatusPause {
		t.Errorf("status = %v, want pause", got.Status)
	}
	if got.CurrentSize != 20 || got.Progress != 20 {
		t.Errorf("counters = %d/%v, want 20/20", got.CurrentSize, got.Progress)
	}
}

func TestStore_CheckpointKeepsStatus(t *testing.T) {
	store := openTestStore(t)
	if err := store.Upsert(prepared("a")); err != nil {
		t.Fatal(err)
	}
	store.UpdateStatus("a", domain.StatusCancel, "")

	if err := store.UpdateCheckpoint("a", 4096, 10000, 40.96); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByTag("a")
	if got.Status != domain.StatusCancel || got.CurrentSize != 4096 || got.TotalSize != 10000 {
		t.Errorf("GetByTag() = %+v", got)
	}
}

func TestStore_CompleteTransfer(t *testing.T) {
	store := openTestStore(t)
	if err := store.Upsert(prepared("a")); err != nil {
		t.Fatal(err)
	}
	store.FailTransfer("a", "earlier failure", 10, 1000000, 0)

	if err := store.CompleteTransfer("a", 1000000); err != nil {
		t.Fatalf("CompleteTransfer() error = %v", err)
	}

	got, _ := store.GetByTag("a")
	if got.CurrentSize != 1000000 || got.TotalSize != 1000000 {
		t.Errorf("sizes = %d/%d, want 1000000/1000000", got.CurrentSize, got.TotalSize)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %v, want 100", got.Progress)
	}
	if got.Status != domain.StatusSuccess {
		t.Errorf("status = %v, want success", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", got.ErrorMessage)
	}
}

func TestStore_FailTransfer(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(prepared("a"))

	if err := store.FailTransfer("a", "response body is null", 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByTag("a")
	if got.Status != domain.StatusError || got.ErrorMessage != "response body is null" {
		t.Errorf("GetByTag() = %+v", got)
	}
}

func TestStore_ResetInterrupted(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(prepared("prepare"))
	store.Upsert(prepared("progress"))
	store.UpdateProgress("progress", 1, 2, 50)
	store.Upsert(prepared("done"))
	store.CompleteTransfer("done", 5)

	n, err := store.ResetInterrupted()
	if err != nil {
		t.Fatalf("ResetInterrupted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ResetInterrupted() = %d, want 2", n)
	}

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusPause] != 2 || counts[domain.StatusSuccess] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestStore_DeleteFinishedBefore(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(prepared("done"))
	store.CompleteTransfer("done", 5)
	store.Upsert(prepared("paused"))
	store.UpdateStatus("paused", domain.StatusPause, "")

	n, err := store.DeleteFinishedBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteFinishedBefore() = %d, want 1", n)
	}
	if rec, _ := store.GetByTag("paused"); rec == nil {
		t.Error("paused record was deleted")
	}
}

func TestStore_DeleteByTag(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(prepared("a"))

	if err := store.DeleteByTag("a"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := store.GetByTag("a"); rec != nil {
		t.Errorf("record still present: %+v", rec)
	}
}
