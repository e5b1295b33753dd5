package service

import (
	"fmt"
	"testing"

	"github.com/esshgate/esshgate/pkg/db"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/vault"
)

func newTestConnService(t *testing.T) *ConnectionService {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	v, err := vault.New("unit-test-vault-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return NewConnectionService(conn, v)
}

func createConn(t *testing.T, s *ConnectionService, owner, name string) *models.Connection {
	t.Helper()
	conn, err := s.Create(owner, &models.CreateConnectionRequest{
		Name:             name,
		Host:             "example.com",
		Username:         "root",
		Password:         "hunter2",
		RememberPassword: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return conn
}

func TestCreate_EncryptsAndScrubsSecrets(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	if conn.Password != "" {
		t.Fatalf("returned descriptor should not carry secrets")
	}

	var raw models.Connection
	if err := s.db.First(&raw, "id = ?", conn.ID).Error; err != nil {
		t.Fatalf("load raw row: %v", err)
	}
	if raw.Password == "" || raw.Password == "hunter2" {
		t.Fatalf("stored password should be ciphertext, got %q", raw.Password)
	}

	staged, err := s.Staged("p1", conn.ID)
	if err != nil {
		t.Fatalf("Staged() error = %v", err)
	}
	if staged.Password == "hunter2" || staged.Password == "" {
		t.Fatalf("staged descriptor should keep ciphertext, got %q", staged.Password)
	}
	if err := s.vault.ProcessConnectionSecrets(staged, vault.Decrypt); err != nil {
		t.Fatalf("ProcessConnectionSecrets() error = %v", err)
	}
	if staged.Password != "hunter2" {
		t.Fatalf("decrypted password = %q, want hunter2", staged.Password)
	}
}

func TestCreate_ForgetsPasswordUnlessRemembered(t *testing.T) {
	s := newTestConnService(t)
	conn, err := s.Create("p1", &models.CreateConnectionRequest{
		Name: "box", Host: "example.com", Username: "root",
		Password: "hunter2", RememberPassword: false,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	staged, err := s.Staged("p1", conn.ID)
	if err != nil {
		t.Fatalf("Staged() error = %v", err)
	}
	if staged.Password != "" {
		t.Fatalf("password should not be stored, got %q", staged.Password)
	}
}

func TestGet_OwnershipEnforced(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	if _, err := s.Get("p2", conn.ID); err != ErrNotOwner {
		t.Fatalf("Get() error = %v, want ErrNotOwner", err)
	}
	if _, err := s.Get("p1", "missing"); err != ErrConnectionNotFound {
		t.Fatalf("Get() error = %v, want ErrConnectionNotFound", err)
	}
}

func TestUpdate_PartialAndSecretRotation(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	newName := "renamed"
	newPw := "rotated"
	if _, err := s.Update("p1", conn.ID, &models.UpdateConnectionRequest{
		Name: &newName, Password: &newPw,
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Staged("p1", conn.ID)
	if err != nil {
		t.Fatalf("Staged() error = %v", err)
	}
	if err := s.vault.ProcessConnectionSecrets(got, vault.Decrypt); err != nil {
		t.Fatalf("ProcessConnectionSecrets() error = %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("name = %q, want renamed", got.Name)
	}
	if got.Password != "rotated" {
		t.Fatalf("password = %q, want rotated", got.Password)
	}
	if got.Host != "example.com" {
		t.Fatalf("untouched field changed: host = %q", got.Host)
	}
}

func TestDelete_CascadesSideTables(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	if err := s.Favorite("p1", conn.ID); err != nil {
		t.Fatalf("Favorite() error = %v", err)
	}
	if err := s.Pin("p1", conn.ID); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	if err := s.Delete("p1", conn.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	favs, _ := s.Favorites("p1")
	pins, _ := s.Pinned("p1")
	if len(favs) != 0 || len(pins) != 0 {
		t.Fatalf("side tables not cascaded: favs=%v pins=%v", favs, pins)
	}
}

func TestFavorite_Idempotent(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	if err := s.Favorite("p1", conn.ID); err != nil {
		t.Fatalf("Favorite() error = %v", err)
	}
	if err := s.Favorite("p1", conn.ID); err != nil {
		t.Fatalf("second Favorite() error = %v", err)
	}
	favs, err := s.Favorites("p1")
	if err != nil {
		t.Fatalf("Favorites() error = %v", err)
	}
	if len(favs) != 1 {
		t.Fatalf("favorites = %d, want 1", len(favs))
	}
}

func TestSortOrder(t *testing.T) {
	s := newTestConnService(t)
	a := createConn(t, s, "p1", "a")
	b := createConn(t, s, "p1", "b")
	c := createConn(t, s, "p1", "c")

	if err := s.UpdateSortOrder("p1", &models.SortOrderRequest{IDs: []string{c.ID, a.ID, b.ID}}); err != nil {
		t.Fatalf("UpdateSortOrder() error = %v", err)
	}

	list, err := s.List("p1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{c.ID, a.ID, b.ID}
	for i, conn := range list {
		if conn.ID != want[i] {
			t.Fatalf("list[%d] = %s, want %s", i, conn.ID, want[i])
		}
	}
}

func TestHistory_TrimsToLimit(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	for i := 0; i < historyLimit+5; i++ {
		snap := *conn
		snap.Name = fmt.Sprintf("connect-%d", i)
		if err := s.RecordHistory("p1", &snap); err != nil {
			t.Fatalf("RecordHistory() error = %v", err)
		}
	}

	entries, err := s.History("p1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != historyLimit {
		t.Fatalf("history entries = %d, want %d", len(entries), historyLimit)
	}
	// Newest first; the oldest five snapshots were trimmed.
	if entries[0].Name != fmt.Sprintf("connect-%d", historyLimit+4) {
		t.Fatalf("newest entry = %q", entries[0].Name)
	}
	if entries[len(entries)-1].Name != "connect-5" {
		t.Fatalf("oldest surviving entry = %q", entries[len(entries)-1].Name)
	}

	if err := s.ClearHistory("p1"); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	entries, _ = s.History("p1")
	if len(entries) != 0 {
		t.Fatalf("history should be empty after clear")
	}
}

func TestHistory_DeleteEntry(t *testing.T) {
	s := newTestConnService(t)
	conn := createConn(t, s, "p1", "box")

	if err := s.RecordHistory("p1", conn); err != nil {
		t.Fatalf("RecordHistory() error = %v", err)
	}
	entries, err := s.History("p1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("History() = %d entries, err %v", len(entries), err)
	}
	if entries[0].ConnectedAt.IsZero() {
		t.Fatalf("history entry should record the connect time")
	}

	// Another principal cannot delete it.
	if err := s.DeleteHistoryEntry("p2", entries[0].ID); err == nil {
		t.Fatal("expected error deleting another principal's entry")
	}

	if err := s.DeleteHistoryEntry("p1", entries[0].ID); err != nil {
		t.Fatalf("DeleteHistoryEntry() error = %v", err)
	}
	entries, _ = s.History("p1")
	if len(entries) != 0 {
		t.Fatalf("history should be empty after delete")
	}
	if err := s.DeleteHistoryEntry("p1", 9999); err == nil {
		t.Fatal("expected error for unknown entry id")
	}
}
